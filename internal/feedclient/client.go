// Package feedclient follows the live activity feed of a pipeline server.
// It prefers the WebSocket stream and polls the recent-activities endpoint
// while the stream is down, reconnecting with exponential backoff.
package feedclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/broadcast"
)

// Mode is how the client is currently receiving updates.
type Mode string

const (
	ModeLive    Mode = "live"
	ModePolling Mode = "polling"
)

// Defaults.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultPollLimit      = 50
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	seenCapacity          = 1024
)

// ErrBadStatus is returned when the server answers a poll with a non-2xx status.
var ErrBadStatus = errors.New("unexpected response status")

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Types and SubjectID narrow the feed on both transports.
	Types     []activity.Type
	SubjectID string

	PollInterval   time.Duration
	PollLimit      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
	// OnModeChange is called whenever the client switches transport.
	OnModeChange func(Mode)
}

// Handler receives updates in delivery order. Updates seen on both
// transports are delivered once.
type Handler func(activity.Update)

// Client follows the feed.
type Client struct {
	cfg  Config
	base *url.URL
	mode Mode

	seen     map[string]bool
	seenRing []string
	seenNext int
	// since is the newest timestamp delivered, used as the poll cursor.
	since time.Time
}

// New validates cfg and creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme must be http or https, got %q", base.Scheme)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = DefaultPollLimit
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		base:     base,
		seen:     make(map[string]bool, seenCapacity),
		seenRing: make([]string, seenCapacity),
	}, nil
}

func (c *Client) query() url.Values {
	v := url.Values{}
	if len(c.cfg.Types) > 0 {
		types := make([]string, len(c.cfg.Types))
		for i, t := range c.cfg.Types {
			types[i] = string(t)
		}
		v.Set("types", strings.Join(types, ","))
	}
	if c.cfg.SubjectID != "" {
		v.Set("subject_id", c.cfg.SubjectID)
	}
	return v
}

func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/v1/ws"
	u.RawQuery = c.query().Encode()
	return u.String()
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

func (c *Client) setMode(m Mode) {
	if c.mode == m {
		return
	}
	c.mode = m
	c.cfg.Logger.Info("feed mode changed", "mode", m)
	if c.cfg.OnModeChange != nil {
		c.cfg.OnModeChange(m)
	}
}

// deliver drops duplicates and advances the poll cursor.
func (c *Client) deliver(u activity.Update, handle Handler) {
	if u.ID != "" {
		if c.seen[u.ID] {
			return
		}
		if old := c.seenRing[c.seenNext]; old != "" {
			delete(c.seen, old)
		}
		c.seenRing[c.seenNext] = u.ID
		c.seenNext = (c.seenNext + 1) % len(c.seenRing)
		c.seen[u.ID] = true
	}
	if u.Timestamp.After(c.since) {
		c.since = u.Timestamp
	}
	handle(u)
}

// Run follows the feed until ctx ends. It returns ctx.Err().
func (c *Client) Run(ctx context.Context, handle Handler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff

	for {
		err := c.stream(ctx, handle, bo.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cfg.Logger.Warn("live feed unavailable, polling", "error", err)
		c.setMode(ModePolling)

		if err := c.pollUntil(ctx, handle, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// stream reads the WebSocket until it fails. connected is called once the
// handshake succeeds.
func (c *Client) stream(ctx context.Context, handle Handler, connected func()) error {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.wsURL(), c.header())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial feed: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	connected()
	c.setMode(ModeLive)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		var env broadcast.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.cfg.Logger.Warn("skipping malformed feed frame", "error", err)
			continue
		}
		c.deliver(env.Data, handle)
	}
}

// pollUntil polls until the reconnect delay has passed.
func (c *Client) pollUntil(ctx context.Context, handle Handler, delay time.Duration) error {
	reconnect := time.NewTimer(delay)
	defer reconnect.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.pollOnce(ctx, handle)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnect.C:
			return nil
		case <-ticker.C:
			c.pollOnce(ctx, handle)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, handle Handler) {
	updates, err := c.Poll(ctx)
	if err != nil {
		c.cfg.Logger.Warn("poll failed", "error", err)
		return
	}
	for _, u := range updates {
		c.deliver(u, handle)
	}
}

type recentResponse struct {
	Activities []activity.Update `json:"activities"`
}

// Poll fetches activities newer than the last delivered one, oldest first.
// A multi-type filter cannot be expressed by the recent endpoint, so only a
// single type is sent and the rest are filtered here.
func (c *Client) Poll(ctx context.Context) ([]activity.Update, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.cfg.PollLimit))
	if len(c.cfg.Types) == 1 {
		q.Set("type", string(c.cfg.Types[0]))
	}
	if c.cfg.SubjectID != "" {
		q.Set("subject_id", c.cfg.SubjectID)
	}
	if !c.since.IsZero() {
		q.Set("since", c.since.UTC().Format(time.RFC3339Nano))
	}
	u := *c.base
	u.Path += "/v1/activities/recent"
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = c.header()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll recent activities: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var body recentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode recent activities: %w", err)
	}

	out := make([]activity.Update, 0, len(body.Activities))
	for i := len(body.Activities) - 1; i >= 0; i-- {
		a := body.Activities[i]
		if len(c.cfg.Types) > 1 && !slices.Contains(c.cfg.Types, a.Type) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Mode returns the current transport. It is only meaningful from the
// goroutine running Run or from OnModeChange.
func (c *Client) Mode() Mode { return c.mode }
