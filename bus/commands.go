package bus

import (
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
)

// The types below are the inter-actor command surface delivered to the
// core by the runtime bus / global registry. Each carries a response channel rather than returning a
// value directly, since the registry that services them runs as an
// independent subscriber (possibly in another goroutine, or — for a
// production multi-process registry — across the process boundary the
// Pulse-backed Bus does not itself bridge; see bus/pulse.go).
type (
	// SpawnActor asks the registry to create a new actor from manifestRef,
	// with the publishing actor recorded as parent. InitBytes, if set, is
	// passed to callers as an override delivered at spawn time rather than
	// the manifest's InitialState.
	SpawnActor struct {
		ManifestRef string
		InitBytes   []byte
		ParentID    id.ActorID
		Response    chan<- SpawnActorResult
	}

	// SpawnActorResult is the reply to SpawnActor and ResumeActor.
	SpawnActorResult struct {
		ActorID id.ActorID
		Err     error
	}

	// ResumeActor asks the registry to create a new actor from
	// manifestRef and reconstruct its state via the Replay Driver instead
	// of running init fresh.
	ResumeActor struct {
		ManifestRef string
		StateBytes  []byte
		ParentID    id.ActorID
		Response    chan<- SpawnActorResult
	}

	// StopActor requests a graceful shutdown of the named actor.
	StopActor struct {
		ActorID  id.ActorID
		Response chan<- error
	}

	// RestartActor requests the registry stop then re-spawn the named
	// actor from the same manifest.
	RestartActor struct {
		ActorID  id.ActorID
		Response chan<- error
	}

	// GetActorState requests the current state blob of a child actor.
	GetActorState struct {
		ActorID  id.ActorID
		Response chan<- GetActorStateResult
	}

	// GetActorStateResult is the reply to GetActorState.
	GetActorStateResult struct {
		State []byte
		Err   error
	}

	// GetActorEvents requests a copy of a child actor's event chain.
	GetActorEvents struct {
		ActorID  id.ActorID
		Response chan<- GetActorEventsResult
	}

	// GetActorEventsResult is the reply to GetActorEvents.
	GetActorEventsResult struct {
		Events []chain.Event
		Err    error
	}

	// ListChildren requests the direct children of parentID.
	ListChildren struct {
		ParentID id.ActorID
		Response chan<- ListChildrenResult
	}

	// ListChildrenResult is the reply to ListChildren.
	ListChildrenResult struct {
		Children []id.ActorID
		Err      error
	}

	// SendMessageData is the fire-and-forget message pattern's payload.
	SendMessageData struct {
		Data []byte
	}

	// RequestMessageData is the request/reply message pattern's payload.
	// ResponseSink receives the eventual reply, whether the target actor
	// answers inline from handle-request or later via respond-to-request.
	RequestMessageData struct {
		RequestID    id.RequestID
		Data         []byte
		ResponseSink chan<- []byte
	}

	// ActorMessage is the payload of SendMessage: exactly one of Send or
	// Request is populated, the two non-channel message-server patterns.
	ActorMessage struct {
		Send    *SendMessageData
		Request *RequestMessageData
	}

	// SendMessage routes a message-server payload to ActorID.
	SendMessage struct {
		ActorID id.ActorID
		Message ActorMessage
	}

	// ChannelOpen requests that Target's handle-channel-open export be
	// invoked with InitialMsg. Response carries whether Target accepted.
	ChannelOpen struct {
		Initiator  id.ActorID
		Target     id.ActorID
		InitialMsg []byte
		Response   chan<- ChannelOpenResult
	}

	// ChannelOpenResult is the reply to ChannelOpen.
	ChannelOpenResult struct {
		ChannelID id.ChannelID
		Accepted  bool
		Message   []byte
		Err       error
	}

	// ChannelMessage routes data over an already-open channel.
	ChannelMessage struct {
		ChannelID id.ChannelID
		Data      []byte
	}

	// ChannelClose closes an open channel on both sides.
	ChannelClose struct {
		ChannelID id.ChannelID
	}
)
