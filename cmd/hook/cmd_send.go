package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/hookpulse/internal/api"
	"github.com/onnwee/hookpulse/internal/hook"
)

// lookupTimeout bounds the request for the server's hook list.
const lookupTimeout = 2 * time.Second

// ErrIncompletePayload is returned when stdin timed out with unusable data.
var ErrIncompletePayload = errors.New("payload incomplete")

// deliveryError is a non-2xx answer from the server.
type deliveryError struct {
	Status  int
	Code    string
	Message string
}

func (e *deliveryError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	return fmt.Sprintf("server answered %d %s: %s", e.Status, e.Code, e.Message)
}

// hookSettings is what send needs to know about a hook.
type hookSettings struct {
	Name    string
	Timeout time.Duration
	Async   bool
}

func newSendCmd(g *globalOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "send <hook>",
		Short: "Read a JSON payload from stdin and deliver it",
		Long: "send reads one JSON payload from stdin and posts it to the named hook.\n" +
			"The hook's timeout bounds the whole delivery. When stdin is still open\n" +
			"after half of it, the payload read so far is sent marked incomplete.\n" +
			"Async hooks return as soon as the server has queued the event.\n\n" +
			"Delivery failures are reported on stderr and exit 0 unless --strict is set,\n" +
			"so a telemetry outage never fails the host's hook.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger(cmd)
			s := &sender{
				server:    g.server,
				token:     g.token,
				hooksFile: g.hooksFile,
				client:    &http.Client{},
				logger:    logger,
				now:       time.Now,
			}
			resp, err := s.send(cmd.Context(), args[0], cmd.InOrStdin())
			if err != nil {
				if strict {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "hook: %s: delivery failed: %v\n", args[0], err)
				return nil
			}
			logger.Debug("hook delivered",
				"hook", resp.Hook, "mode", resp.Mode, "event_id", resp.Result.EventID,
				"queued", resp.Result.Queued, "duplicate", resp.Result.Duplicate)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when delivery fails")
	return cmd
}

type sender struct {
	server    string
	token     string
	hooksFile string
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

func (s *sender) endpoint(path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(s.server, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid server url %q", s.server)
	}
	u.Path += path
	return u.String(), nil
}

func (s *sender) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

// resolve finds the hook's timeout and mode in the local configuration
// file when one is given, otherwise in the server's hook list.
func (s *sender) resolve(ctx context.Context, name string) (hookSettings, error) {
	if s.hooksFile != "" {
		reg, err := hook.Load(s.hooksFile)
		if err != nil {
			return hookSettings{}, err
		}
		h, err := reg.Lookup(name)
		if err != nil {
			return hookSettings{}, err
		}
		return hookSettings{Name: h.Name, Timeout: h.Timeout, Async: h.Async}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	target, err := s.endpoint("/v1/hooks")
	if err != nil {
		return hookSettings{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return hookSettings{}, err
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return hookSettings{}, fmt.Errorf("list hooks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hookSettings{}, readError(resp)
	}
	var list api.HooksResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return hookSettings{}, fmt.Errorf("decode hook list: %w", err)
	}
	for _, h := range list.Hooks {
		if h.Name != name {
			continue
		}
		if !h.Enabled {
			return hookSettings{}, fmt.Errorf("%w: %q", hook.ErrHookDisabled, name)
		}
		timeout := time.Duration(h.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = hook.DefaultTimeout
		}
		return hookSettings{Name: h.Name, Timeout: timeout, Async: h.Async}, nil
	}
	return hookSettings{}, fmt.Errorf("%w: %q", hook.ErrUnknownHook, name)
}

// readPayload reads r until EOF or the deadline. On timeout it returns what
// arrived so far with timedOut set.
func readPayload(r io.Reader, timeout time.Duration) (data []byte, timedOut bool, err error) {
	var (
		mu   sync.Mutex
		buf  bytes.Buffer
		done = make(chan error, 1)
	)
	go func() {
		chunk := make([]byte, 32*1024)
		for {
			n, err := r.Read(chunk)
			mu.Lock()
			buf.Write(chunk[:n])
			mu.Unlock()
			if errors.Is(err, io.EOF) {
				done <- nil
				return
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return buf.Bytes(), false, err
	case <-timer.C:
		mu.Lock()
		defer mu.Unlock()
		return bytes.Clone(buf.Bytes()), true, nil
	}
}

// normalize decodes the payload and stamps started_at when the host left it
// out. Numbers are preserved as written.
func normalize(data []byte, now time.Time) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	if v, ok := payload["started_at"]; !ok || v == nil || v == "" {
		payload["started_at"] = now.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(payload)
}

func readError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return &deliveryError{Status: resp.StatusCode}
	}
	return &deliveryError{Status: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
}

// send delivers one payload read from stdin.
func (s *sender) send(ctx context.Context, name string, stdin io.Reader) (*api.DeliveryResponse, error) {
	invoked := s.now()
	settings, err := s.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithDeadline(ctx, invoked.Add(settings.Timeout))
	defer cancel()

	// Half the timeout is left for the delivery itself.
	raw, timedOut, err := readPayload(stdin, time.Until(invoked.Add(settings.Timeout/2)))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	body, err := normalize(raw, invoked)
	if err != nil {
		if timedOut {
			return nil, fmt.Errorf("%w: stdin still open after %s", ErrIncompletePayload, settings.Timeout/2)
		}
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	target, err := s.endpoint("/v1/hooks/" + url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if timedOut {
		req.Header.Set(api.HeaderHookTimedOut, "true")
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, readError(resp)
	}
	var out api.DeliveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode delivery response: %w", err)
	}
	if settings.Async && !out.Result.Queued {
		s.logger.Debug("async hook was processed synchronously", "hook", name)
	}
	return &out, nil
}
