package bus

import (
	"context"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
)

// chainBus adapts a runtime Bus to chain.Bus, so every chain.Append call
// fans out as an EventNewEvent on the runtime-wide bus. Chain notification
// failures are downgraded to warnings here: this adapter logs a publish
// error and never returns an error to Append (the chain itself never fails
// on publish).
type chainBus struct {
	bus    Bus
	logger interface {
		Warn(ctx context.Context, msg string, keyvals ...any)
	}
}

// NewChainBus wraps b as a chain.Bus. logger receives a warning if
// publishing fails; logger may be nil, in which case failures are
// silently discarded.
func NewChainBus(b Bus, logger interface {
	Warn(ctx context.Context, msg string, keyvals ...any)
}) chain.Bus {
	return &chainBus{bus: b, logger: logger}
}

func (c *chainBus) Publish(ctx context.Context, actorID id.ActorID, event chain.Event) {
	err := c.bus.Publish(ctx, Event{
		Type:    EventNewEvent,
		ActorID: actorID,
		Chain:   event,
	})
	if err != nil && c.logger != nil {
		c.logger.Warn(ctx, "bus: chain event publish failed", "actor_id", actorID.String(), "event_type", event.EventType, "err", err)
	}
}

var _ chain.Bus = (*chainBus)(nil)
