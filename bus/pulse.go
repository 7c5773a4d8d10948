package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/theater-run/theater/id"
)

// PulseBus wraps an in-memory Bus for local fan-out and additionally
// broadcasts the observable subset of events (NewEvent, ActorError,
// ActorRuntimeError, ShuttingDown) to a Pulse stream so other processes in
// a multi-host deployment can observe this process's actors. The
// inter-actor command surface (SpawnActor, SendMessage, ...) carries
// response channels that cannot cross a process boundary, so those events
// are delivered only to local subscribers; the wire envelope carries the
// serializable subset.
type PulseBus struct {
	local  Bus
	stream *streaming.Stream
}

// pulseEnvelope is the wire form of a broadcastable Event.
type pulseEnvelope struct {
	Type      EventType `json:"type"`
	ActorID   string    `json:"actor_id,omitempty"`
	Chain     any       `json:"chain,omitempty"`
	Err       string    `json:"err,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PulseBusOptions configures NewPulseBus.
type PulseBusOptions struct {
	// Redis is the connection backing the Pulse stream. Required.
	Redis *redis.Client
	// StreamName names the Pulse stream events are broadcast to. Defaults
	// to "theater/events".
	StreamName string
	// StreamMaxLen bounds the number of entries Pulse retains per stream.
	// Zero uses the Pulse default.
	StreamMaxLen int
}

// NewPulseBus constructs a Bus that fans events out locally (same
// semantics as NewMemoryBus) and additionally broadcasts the observable
// subset over a Pulse/Redis stream for other processes.
func NewPulseBus(opts PulseBusOptions) (*PulseBus, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("bus: redis client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = "theater/events"
	}
	var streamOpts []streamopts.Stream
	if opts.StreamMaxLen > 0 {
		streamOpts = append(streamOpts, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
	}
	str, err := streaming.NewStream(name, opts.Redis, streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("bus: create pulse stream: %w", err)
	}
	return &PulseBus{local: NewMemoryBus(), stream: str}, nil
}

// Register delegates to the local in-memory bus. Subscribers see only
// locally published events; PulseBus does not read events back from the
// Pulse stream.
func (p *PulseBus) Register(sub Subscriber) (Subscription, error) {
	return p.local.Register(sub)
}

// Publish delivers event to every local subscriber, then — for the
// broadcastable event types — serializes and appends it to the Pulse
// stream. A Pulse failure never stops local delivery. The call returns
// the first local subscriber error if there was one, otherwise the Pulse
// error, so the caller's chain.Bus adapter can downgrade it to a warning,
// the same treatment every chain send failure gets.
func (p *PulseBus) Publish(ctx context.Context, event Event) error {
	localErr := p.local.Publish(ctx, event)

	if !broadcastable(event.Type) {
		return localErr
	}

	env := pulseEnvelope{Type: event.Type, Timestamp: time.Now().UTC()}
	if !event.ActorID.IsZero() {
		env.ActorID = event.ActorID.String()
	}
	if event.Type == EventNewEvent {
		env.Chain = event.Chain
	}
	if event.Err != nil {
		env.Err = event.Err.Error()
	}
	env.Data = event.Data

	payload, err := json.Marshal(env)
	if err != nil {
		return firstNonNil(localErr, fmt.Errorf("bus: marshal envelope: %w", err))
	}
	if _, err := p.stream.Add(ctx, string(event.Type), payload); err != nil {
		return firstNonNil(localErr, fmt.Errorf("bus: pulse publish: %w", err))
	}
	return localErr
}

func broadcastable(t EventType) bool {
	switch t {
	case EventNewEvent, EventActorError, EventActorRuntimeError, EventShuttingDown:
		return true
	default:
		return false
	}
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// Close releases the underlying Pulse stream's resources.
func (p *PulseBus) Close(ctx context.Context) error {
	return p.stream.Destroy(ctx)
}

// ParseActorID is a convenience for subscribers reading pulseEnvelope.ActorID
// back off the wire.
func ParseActorID(s string) (id.ActorID, error) { return id.ParseActorID(s) }

var _ Bus = (*PulseBus)(nil)
