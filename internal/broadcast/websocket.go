package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// ErrDelivery marks a failed write to one live subscriber. It only ends
// that subscriber; ingestion and other subscribers are unaffected.
var ErrDelivery = errors.New("broadcast delivery failed")

// DeliveryError describes a failed delivery.
type DeliveryError struct {
	SubscriberID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is reports ErrDelivery.
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// WSConfig controls the WebSocket writer.
type WSConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// PongWait must exceed PingInterval.
	PongWait time.Duration
}

// Default WebSocket timings.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
)

func (c WSConfig) withDefaults() WSConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	return c
}

// ServeWS streams updates matching filter to conn until the client goes
// away, ctx ends or a write fails. The subscription is removed on return.
// A nil error means the client or server ended the session normally.
func (b *Broadcaster) ServeWS(ctx context.Context, conn *websocket.Conn, filter Filter, cfg WSConfig) error {
	cfg = cfg.withDefaults()
	sub := b.Subscribe(filter)
	defer b.Unsubscribe(sub)

	logger := b.cfg.Logger.With("subscriber_id", sub.ID())
	logger.Info("live subscriber connected")
	defer logger.Info("live subscriber disconnected")

	// Read to process pongs and detect disconnection; clients send nothing else.
	readDone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("websocket connection closed unexpectedly", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(cfg.PingInterval)
	defer ping.Stop()

	fail := func(err error) error {
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.IncDeliveryErrors()
		}
		derr := &DeliveryError{SubscriberID: sub.ID(), Err: err}
		logger.Warn("live delivery failed; client should fall back to polling", "error", derr)
		return derr
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(cfg.WriteTimeout))
			return nil
		case <-readDone:
			return nil
		case <-sub.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				return fail(err)
			}
		case <-sub.C():
			for {
				m, ok := sub.TryNext()
				if !ok {
					break
				}
				_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, m.Data); err != nil {
					return fail(err)
				}
			}
		}
	}
}
