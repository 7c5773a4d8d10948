// Package chain implements Theater's event chain: the content-addressed,
// hash-linked append-only log that records every externally-visible action
// an actor takes. Events carry a typed envelope with a common shape, in the
// style of an events-with-a-base-struct model.
//
// Every event is linked to its predecessor by hash, so flipping a single
// byte anywhere in the chain is detectable by Verify. The chain never
// removes, reorders, or edits an event once appended.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/theater-run/theater/id"
)

type (
	// Event is a single immutable record in an actor's execution history.
	// Hash is computed over the canonical encoding of every other field with
	// Hash itself held empty, so it is both the event's identifier and a
	// commitment to its content.
	Event struct {
		Hash        []byte  `json:"hash"`
		ParentHash  []byte  `json:"parent_hash,omitempty"`
		EventType   string  `json:"event_type"`
		Data        []byte  `json:"data"`
		Description *string `json:"description,omitempty"`
	}

	// Data is the not-yet-hashed payload handed to Append. It carries
	// everything needed to build an Event except the hash linkage, which
	// Append computes from the chain's current head.
	Data struct {
		EventType   string
		Data        []byte
		Description *string
	}

	// Bus receives a copy of every event appended to any chain, mirroring
	// the runtime-wide NewEvent command fanned out to subscribers. Nil is
	// a valid Bus (NopBus) for actors that don't need global observability.
	Bus interface {
		Publish(ctx context.Context, actor id.ActorID, event Event)
	}

	nopBus struct{}

	// Chain is the append-only, hash-linked event log for one actor. All
	// methods are safe for concurrent use; the recorder, the info loop, and
	// the replay driver may all read or append concurrently.
	Chain struct {
		mu          sync.Mutex
		actorID     id.ActorID
		events      []Event
		currentHash []byte
		bus         Bus
	}
)

// NopBus discards every event. Useful in tests and for actors that run
// without a runtime-wide observability bus.
func NopBus() Bus { return nopBus{} }

func (nopBus) Publish(context.Context, id.ActorID, Event) {}

// New constructs an empty chain for the given actor. bus may be nil, in
// which case NopBus is used.
func New(actorID id.ActorID, bus Bus) *Chain {
	if bus == nil {
		bus = NopBus()
	}
	return &Chain{actorID: actorID, bus: bus}
}

// canonical produces the deterministic byte encoding hashed to derive an
// event's identity: a fixed field order, with Hash always empty. The same
// encoding is used for storage (Persist) so a stored event and its hash
// always agree.
func canonical(parentHash []byte, eventType string, data []byte, description *string) ([]byte, error) {
	shadow := Event{
		Hash:        nil,
		ParentHash:  parentHash,
		EventType:   eventType,
		Data:        data,
		Description: description,
	}
	encoded, err := json.Marshal(shadow)
	if err != nil {
		return nil, fmt.Errorf("chain: canonicalize event: %w", err)
	}
	return encoded, nil
}

// contentHash computes the collision-resistant content hash used to link
// chain events.
func contentHash(canonicalBytes []byte) []byte {
	sum := blake2b.Sum256(canonicalBytes)
	return sum[:]
}

// Append builds a new Event from data, linking it to the current head of
// the chain, computes its content hash, appends it, and asynchronously
// notifies the bus. Append is infallible except for serialization failure,
// Append never fails except on serialization error; the append itself is
// infallible.
func (c *Chain) Append(ctx context.Context, data Data) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	canonicalBytes, err := canonical(c.currentHash, data.EventType, data.Data, data.Description)
	if err != nil {
		return Event{}, err
	}

	event := Event{
		Hash:        contentHash(canonicalBytes),
		ParentHash:  c.currentHash,
		EventType:   data.EventType,
		Data:        data.Data,
		Description: data.Description,
	}

	c.events = append(c.events, event)
	c.currentHash = event.Hash

	go c.bus.Publish(ctx, c.actorID, event)

	return event, nil
}

// Verify walks the chain recomputing each event's hash from its canonical
// structure and checks it against the stored hash and the parent linkage.
// An empty chain is valid. Any single mismatch makes the whole chain invalid.
func (c *Chain) Verify() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return verify(c.events)
}

func verify(events []Event) bool {
	var prevHash []byte
	for _, event := range events {
		canonicalBytes, err := canonical(prevHash, event.EventType, event.Data, event.Description)
		if err != nil {
			return false
		}
		if !bytes.Equal(contentHash(canonicalBytes), event.Hash) {
			return false
		}
		if !bytes.Equal(prevHash, event.ParentHash) {
			return false
		}
		prevHash = event.Hash
	}
	return true
}

// CurrentHash returns the hash of the most recently appended event, or nil
// if the chain is empty.
func (c *Chain) CurrentHash() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentHash
}

// Events returns a defensive copy of the chain's events, oldest first.
func (c *Chain) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// LastEvent returns the most recent event, or false if the chain is empty.
func (c *Chain) LastEvent() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return Event{}, false
	}
	return c.events[len(c.events)-1], true
}

// ActorID returns the identifier of the actor this chain belongs to.
func (c *Chain) ActorID() id.ActorID { return c.actorID }

// Len reports the number of events currently in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// FromEvents rebuilds a Chain from a previously persisted, trusted event
// sequence (oldest first) without re-deriving hashes. Used by the content
// store's Load and by the replay driver. Callers that need integrity
// checking should call Verify afterward.
func FromEvents(actorID id.ActorID, bus Bus, events []Event) *Chain {
	c := New(actorID, bus)
	c.events = append(c.events, events...)
	if len(events) > 0 {
		c.currentHash = events[len(events)-1].Hash
	}
	return c
}
