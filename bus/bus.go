// Package bus implements the runtime-wide event/command bus connecting the
// core to the global actor registry / theater server. It carries three
// kinds of traffic: chain-recorder NewEvent notifications, actor lifecycle notices
// (ActorError, ActorRuntimeError, ShuttingDown), and the inter-actor
// command surface (SpawnActor, ResumeActor, StopActor, ...) that a parent
// actor's supervision handler and the message-server handler publish.
//
// One producer calls Publish, any number of Subscribers registered via
// Register receive every event. The in-memory Bus here is what every test
// and single-process deployment uses; bus/pulse.go adds an optional
// Redis-backed broadcast of the observable subset (NewEvent/ActorError/
// ActorRuntimeError/ShuttingDown) for multi-process deployments.
package bus

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
)

type (
	// EventType enumerates the well-known command/event kinds carried on
	// the bus.
	EventType string

	// Event is a single message published on the bus. Only the fields
	// relevant to Type are populated; Command carries the inter-actor
	// command surface payloads defined in commands.go.
	Event struct {
		Type EventType

		// ActorID names the actor the event concerns: the actor that
		// appended a chain event, errored, or is shutting down.
		ActorID id.ActorID

		// Chain carries the appended event for EventNewEvent.
		Chain chain.Event

		// Err carries the failure for EventActorError / EventActorRuntimeError.
		Err error

		// Data carries the ShuttingDown payload (the actor's last state,
		// by convention).
		Data []byte

		// Command carries one of the typed command structs in commands.go
		// for the inter-actor command surface event types. These payloads
		// hold response channels and are not serializable; only the
		// in-memory Bus can carry them. The Pulse-backed bus forwards
		// everything else across processes.
		Command any
	}

	// Subscriber receives every Event published on the bus.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts an ordinary function to Subscriber.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is returned by Register; Close unregisters the
	// subscriber.
	Subscription interface {
		Close() error
	}

	// Bus is the runtime-wide event/command bus. The core publishes to
	// it; the (out-of-scope) global registry subscribes to route
	// inter-actor commands and observe lifecycle events.
	Bus interface {
		Register(sub Subscriber) (Subscription, error)
		Publish(ctx context.Context, event Event) error
	}
)

// Well-known event types. The NewEvent/ActorError/ActorRuntimeError/
// ShuttingDown quartet are the actor-lifecycle notices; the rest are the
// inter-actor command surface.
const (
	EventNewEvent          EventType = "new_event"
	EventActorError        EventType = "actor_error"
	EventActorRuntimeError EventType = "actor_runtime_error"
	EventShuttingDown      EventType = "shutting_down"

	EventSpawnActor     EventType = "spawn_actor"
	EventResumeActor    EventType = "resume_actor"
	EventStopActor      EventType = "stop_actor"
	EventRestartActor   EventType = "restart_actor"
	EventGetActorState  EventType = "get_actor_state"
	EventGetActorEvents EventType = "get_actor_events"
	EventListChildren   EventType = "list_children"

	EventSendMessage    EventType = "send_message"
	EventChannelOpen    EventType = "channel_open"
	EventChannelMessage EventType = "channel_message"
	EventChannelClose   EventType = "channel_close"
)

// HandleEvent implements Subscriber.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return fn(ctx, event) }

// memoryBus fans events out to every registered Subscriber synchronously,
// in registration order, collecting the first error a subscriber returns
// without aborting delivery to the rest. It is the default Bus: every test
// and single-process deployment uses it directly or wraps it.
type memoryBus struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

// NewMemoryBus constructs an in-process Bus.
func NewMemoryBus() Bus {
	return &memoryBus{subs: make(map[int]Subscriber)}
}

func (b *memoryBus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, fmt.Errorf("bus: subscriber is required")
	}
	b.mu.Lock()
	subID := b.next
	b.next++
	b.subs[subID] = sub
	b.mu.Unlock()
	return &memorySubscription{bus: b, id: subID}, nil
}

func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, subID := range slices.Sorted(maps.Keys(b.subs)) {
		subs = append(subs, b.subs[subID])
	}
	b.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := s.HandleEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type memorySubscription struct {
	bus *memoryBus
	id  int
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

var _ Bus = (*memoryBus)(nil)
