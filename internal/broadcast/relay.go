package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/hookpulse/internal/activity"
)

// DefaultRelayChannel is the Redis Pub/Sub channel shared by instances.
const DefaultRelayChannel = "hookpulse:activity"

const relayBuffer = 1024

// relayEnvelope is the CBOR frame exchanged between instances.
type relayEnvelope struct {
	Origin string          `cbor:"1,keyasint"`
	Update activity.Update `cbor:"2,keyasint"`
}

var (
	relayEnc cbor.EncMode
	relayDec cbor.DecMode
)

func init() {
	var err error
	relayEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	relayDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeRelay(origin string, u activity.Update) ([]byte, error) {
	return relayEnc.Marshal(relayEnvelope{Origin: origin, Update: u})
}

func decodeRelay(data []byte) (relayEnvelope, error) {
	var env relayEnvelope
	if err := relayDec.Unmarshal(data, &env); err != nil {
		return relayEnvelope{}, fmt.Errorf("decode relay frame: %w", err)
	}
	return env, nil
}

// Relay fans updates out across instances through Redis Pub/Sub. Updates
// published locally are forwarded; updates from other instances are
// delivered to local subscribers only.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	b       *Broadcaster
	out     chan activity.Update
	logger  *slog.Logger
}

// NewRelay creates a relay and installs it as b's forwarder.
func NewRelay(client *redis.Client, channel string, b *Broadcaster) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	r := &Relay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		b:       b,
		out:     make(chan activity.Update, relayBuffer),
		logger:  b.cfg.Logger.With("component", "broadcast_relay"),
	}
	b.SetForwarder(r)
	return r
}

// Origin returns this instance's relay id.
func (r *Relay) Origin() string { return r.origin }

// Forward implements Forwarder. Updates are dropped when the relay is backed up.
func (r *Relay) Forward(u activity.Update) {
	select {
	case r.out <- u:
	default:
		r.incErrors("forward_dropped")
	}
}

func (r *Relay) incErrors(op string) {
	if r.b.cfg.Metrics != nil {
		r.b.cfg.Metrics.IncRelayErrors(op)
	}
}

// Run publishes forwarded updates and consumes remote ones until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel, "origin", r.origin)

	go r.publishLoop(ctx)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeRelay([]byte(msg.Payload))
			if err != nil {
				r.incErrors("decode")
				r.logger.Warn("dropping malformed relay frame", "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.b.Deliver(env.Update)
		}
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.out:
			data, err := encodeRelay(r.origin, u)
			if err != nil {
				r.incErrors("encode")
				r.logger.Error("failed to encode relay frame", "activity_id", u.ID, "error", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				r.incErrors("publish")
				r.logger.Warn("failed to publish relay frame", "activity_id", u.ID, "error", err)
			}
		}
	}
}
