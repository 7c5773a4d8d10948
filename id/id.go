// Package id defines the opaque identifiers used throughout Theater: actor
// identifiers, inter-actor channel identifiers, and the request identifiers
// used by the deferred-reply protocol in the message-server handler.
package id

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ActorID is a 128-bit opaque identifier for an actor, unique within a
// runtime process and immutable once assigned. It is backed by a UUID,
// which already satisfies the 128-bit requirement and gives a canonical
// on-wire textual form for free.
type ActorID struct {
	u uuid.UUID
}

// NewActorID mints a fresh, random ActorID.
func NewActorID() ActorID {
	return ActorID{u: uuid.New()}
}

// ParseActorID decodes an ActorID from its textual form.
func ParseActorID(s string) (ActorID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ActorID{}, fmt.Errorf("id: parse actor id %q: %w", s, err)
	}
	return ActorID{u: u}, nil
}

// String returns the canonical textual form of the identifier.
func (a ActorID) String() string { return a.u.String() }

// IsZero reports whether this is the zero-valued ActorID (no actor assigned).
func (a ActorID) IsZero() bool { return a.u == uuid.Nil }

// MarshalText implements encoding.TextMarshaler so ActorID can be used as a
// map key in JSON and embedded directly in manifests and chain event payloads.
func (a ActorID) MarshalText() ([]byte, error) { return []byte(a.u.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActorID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("id: unmarshal actor id: %w", err)
	}
	a.u = u
	return nil
}

// RequestID identifies a deferred message-server request so a later
// respond-to-request or cancel-request call can find its response sink.
type RequestID struct {
	u uuid.UUID
}

// NewRequestID mints a fresh request identifier.
func NewRequestID() RequestID { return RequestID{u: uuid.New()} }

// ParseRequestID decodes a RequestID from its textual form.
func ParseRequestID(s string) (RequestID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RequestID{}, fmt.Errorf("id: parse request id %q: %w", s, err)
	}
	return RequestID{u: u}, nil
}

// String returns the canonical textual form of the identifier.
func (r RequestID) String() string { return r.u.String() }

// ChannelID identifies an open channel between two actors, derived as
// H(initiator ∥ target). SHA-256 suffices: the channel identifier has no
// chain-integrity role, it is a lookup key, not a tamper-evident link.
type ChannelID [32]byte

// NewChannelID derives the channel identifier from the two participant actor
// IDs, in initiator-then-target order. The derivation is deterministic so
// both sides of a channel compute the same identifier independently.
func NewChannelID(initiator, target ActorID) ChannelID {
	h := sha256.New()
	h.Write([]byte(initiator.String()))
	h.Write([]byte(target.String()))
	var out ChannelID
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the hex encoding of the channel identifier.
func (c ChannelID) String() string { return fmt.Sprintf("%x", [32]byte(c)) }

// ParseChannelID decodes a ChannelID from its hex form.
func ParseChannelID(s string) (ChannelID, error) {
	var out ChannelID
	if len(s) != 64 {
		return out, fmt.Errorf("id: parse channel id %q: want 64 hex characters", s)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("id: parse channel id %q: %w", s, err)
	}
	copy(out[:], decoded)
	return out, nil
}
