package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/hook"
	"github.com/onnwee/hookpulse/internal/ingest"
)

// DefaultMaxPayloadBytes bounds a hook delivery body.
const DefaultMaxPayloadBytes = 1 << 20

// HeaderHookTimedOut is set by hook adapters whose own deadline fired before
// the payload was complete. The event is then ingested with incomplete set.
const HeaderHookTimedOut = "X-Hook-Timed-Out"

// HookSource resolves hook names against the live configuration.
type HookSource interface {
	Lookup(name string) (hook.Hook, error)
	Registry() *hook.Registry
}

// Ingester accepts validated deliveries.
type Ingester interface {
	Ingest(ctx context.Context, raw event.RawPayload, strategy hook.Strategy) (ingest.Result, error)
}

// HookHandlers serves hook deliveries.
type HookHandlers struct {
	hooks           HookSource
	ingester        Ingester
	maxPayloadBytes int64
	logger          *slog.Logger
}

// HookHandlersConfig configures HookHandlers.
type HookHandlersConfig struct {
	Hooks           HookSource
	Ingester        Ingester
	MaxPayloadBytes int64
	Logger          *slog.Logger
}

// NewHookHandlers creates hook handlers.
func NewHookHandlers(cfg HookHandlersConfig) *HookHandlers {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HookHandlers{
		hooks:           cfg.Hooks,
		ingester:        cfg.Ingester,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		logger:          cfg.Logger,
	}
}

// DeliveryResponse is returned for an accepted delivery.
type DeliveryResponse struct {
	Hook   string        `json:"hook"`
	Mode   hook.Mode     `json:"mode"`
	Result ingest.Result `json:"result"`
}

// Deliver handles POST /v1/hooks/{hook}. Blocking hooks answer 200 once the
// event is processed or 504 when the hook timeout passes first; detached
// hooks answer 202 as soon as the event is queued.
func (h *HookHandlers) Deliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	name := r.PathValue("hook")
	hk, err := h.hooks.Lookup(name)
	if err != nil {
		WriteDomainError(w, ctx, err)
		return
	}
	strategy := hk.Strategy()

	// The body must arrive within the hook's own deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(strategy.Timeout))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayloadBytes))
	_ = rc.SetReadDeadline(time.Time{})
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
				"Payload exceeds "+strconv.FormatInt(h.maxPayloadBytes, 10)+" bytes")
		case errors.Is(err, os.ErrDeadlineExceeded):
			WriteError(w, ctx, http.StatusRequestTimeout, ErrCodeBadRequest, "Payload not received within hook timeout")
		default:
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read payload")
		}
		return
	}

	var raw event.RawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Payload is not valid JSON: "+err.Error())
		return
	}
	if raw.Trigger == "" {
		raw.Trigger = string(hk.Trigger)
	} else if trig, err := event.ParseTrigger(raw.Trigger); err == nil && trig != hk.Trigger {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
			"Trigger "+raw.Trigger+" does not match hook trigger "+string(hk.Trigger))
		return
	}
	if timedOut, _ := strconv.ParseBool(r.Header.Get(HeaderHookTimedOut)); timedOut {
		raw.Incomplete = true
	}

	res, err := h.ingester.Ingest(ctx, raw, strategy)
	if err != nil {
		if errors.Is(err, ingest.ErrHookTimeout) {
			h.logger.WarnContext(ctx, "hook delivery timed out",
				"hook", hk.Name, "event_id", res.EventID, "deferred", res.Deferred)
		}
		WriteDomainError(w, ctx, err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	WriteJSON(w, ctx, status, DeliveryResponse{Hook: hk.Name, Mode: strategy.Mode, Result: res})
}

// HookView is the public description of a configured hook.
type HookView struct {
	Name      string        `json:"name"`
	Enabled   bool          `json:"enabled"`
	Trigger   event.Trigger `json:"trigger"`
	TimeoutMs int64         `json:"timeout_ms"`
	Async     bool          `json:"async"`
}

// HooksResponse lists the configured hooks.
type HooksResponse struct {
	Version  int        `json:"version"`
	LoadedAt time.Time  `json:"loaded_at"`
	Hooks    []HookView `json:"hooks"`
}

// List handles GET /v1/hooks.
func (h *HookHandlers) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	reg := h.hooks.Registry()
	resp := HooksResponse{Version: reg.Version(), LoadedAt: reg.LoadedAt().UTC(), Hooks: []HookView{}}
	for _, hk := range reg.Hooks() {
		resp.Hooks = append(resp.Hooks, HookView{
			Name:      hk.Name,
			Enabled:   hk.Enabled,
			Trigger:   hk.Trigger,
			TimeoutMs: hk.Timeout.Milliseconds(),
			Async:     hk.Async,
		})
	}
	WriteJSON(w, r.Context(), http.StatusOK, resp)
}
