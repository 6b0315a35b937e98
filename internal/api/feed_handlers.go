package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/broadcast"
)

// FeedHandlers serves the live activity feed over WebSocket.
type FeedHandlers struct {
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
	ws          broadcast.WSConfig
	// lifetime ends every live connection when the server shuts down.
	lifetime context.Context
	logger   *slog.Logger
}

// FeedHandlersConfig configures FeedHandlers.
type FeedHandlersConfig struct {
	Broadcaster *broadcast.Broadcaster
	// CheckOrigin decides which browser origins may connect. nil allows only
	// requests without an Origin header or from the same host.
	CheckOrigin func(r *http.Request) bool
	WS          broadcast.WSConfig
	Lifetime    context.Context
	Logger      *slog.Logger
}

// NewFeedHandlers creates feed handlers.
func NewFeedHandlers(cfg FeedHandlersConfig) *FeedHandlers {
	if cfg.Lifetime == nil {
		cfg.Lifetime = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FeedHandlers{
		broadcaster: cfg.Broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		ws:       cfg.WS,
		lifetime: cfg.Lifetime,
		logger:   cfg.Logger,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseFilter builds a subscription filter from query parameters:
// types, tools (comma separated), user_id, subject_id, since and until.
func ParseFilter(r *http.Request) (broadcast.Filter, error) {
	p := &params{v: r.URL.Query()}
	f := broadcast.Filter{
		ToolNames: splitList(p.str("tools")),
		UserID:    p.str("user_id"),
		SubjectID: p.str("subject_id"),
		Since:     p.timestamp("since"),
		Until:     p.timestamp("until"),
	}
	for _, t := range splitList(p.str("types")) {
		typ, err := activity.ParseType(t)
		if err != nil {
			p.fail("types", "a list of known activity types")
			break
		}
		f.Types = append(f.Types, typ)
	}
	return f, p.err
}

// Stream handles GET /v1/ws. Every update matching the filter is sent as an
// {"event":"activity_update","data":{...}} text frame.
func (h *FeedHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	filter, err := ParseFilter(r)
	if err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "WebSocket upgrade required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(h.lifetime, cancel)
	defer stop()

	if err := h.broadcaster.ServeWS(ctx, conn, filter, h.ws); err != nil {
		h.logger.DebugContext(ctx, "live feed ended", "error", err)
	}
}
