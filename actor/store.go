// Package actor implements the per-actor runtime: the ActorStore (the
// sandbox-instance owner plus the actor-store context handlers see),
// the Operation and Info loops, the Metrics Collector, the Control Loop
// with its ten-step setup and four-command control surface, and the
// Replay Driver. This is the composition root that ties the chain,
// recorder, phase, sandbox, handler, and bus packages together into one
// running actor.
package actor

import (
	"sync"

	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/phase"
	"github.com/theater-run/theater/recorder"
	"github.com/theater-run/theater/sandbox"
)

// ChannelState tracks one side of an open inter-actor channel. Only "is
// it open" matters here; the two sides each hold their own ChannelState
// keyed by the same ChannelID.
type ChannelState struct {
	Open bool
}

// OutstandingRequest maps a deferred message-server request id to the
// channel its eventual response should be delivered on.
type OutstandingRequest struct {
	ResponseSink chan<- []byte
}

// Store is the actor-level context shared by the control loop, the
// operation loop, and every handler: identity, chain, sandbox ownership,
// the permission gate, and the message-server's request/channel
// bookkeeping. Store implements handler.ActorHandle.
type Store struct {
	id       id.ActorID
	parentID id.ActorID

	chain   *chain.Chain
	rec     *recorder.Recorder
	gate    *recorder.PermissionGate
	sandbox *sandbox.Wrapper
	phase   *phase.Manager
	bus     bus.Bus

	stateMu sync.RWMutex
	state   []byte

	reqMu       sync.Mutex
	outstanding map[id.RequestID]OutstandingRequest

	chanMu   sync.Mutex
	channels map[id.ChannelID]*ChannelState
}

// NewStore constructs a fresh actor context. parentID may be the zero
// value for a root actor with no supervisor.
func NewStore(actorID, parentID id.ActorID, c *chain.Chain, rec *recorder.Recorder, gate *recorder.PermissionGate, b bus.Bus) *Store {
	return &Store{
		id:          actorID,
		parentID:    parentID,
		chain:       c,
		rec:         rec,
		gate:        gate,
		sandbox:     sandbox.NewWrapper(),
		phase:       phase.New(),
		bus:         b,
		outstanding: make(map[id.RequestID]OutstandingRequest),
		channels:    make(map[id.ChannelID]*ChannelState),
	}
}

// ActorID implements handler.ActorHandle.
func (s *Store) ActorID() id.ActorID { return s.id }

// ParentID returns the supervising actor's id, or the zero ActorID for a
// root actor.
func (s *Store) ParentID() id.ActorID { return s.parentID }

// Sandbox implements handler.ActorHandle.
func (s *Store) Sandbox() *sandbox.Wrapper { return s.sandbox }

// Recorder implements handler.ActorHandle.
func (s *Store) Recorder() *recorder.Recorder { return s.rec }

// Gate implements handler.ActorHandle.
func (s *Store) Gate() *recorder.PermissionGate { return s.gate }

// Chain implements handler.ActorHandle.
func (s *Store) Chain() *chain.Chain { return s.chain }

// Phase returns the actor's phase manager.
func (s *Store) Phase() *phase.Manager { return s.phase }

// Bus returns the runtime-wide bus this actor publishes supervision and
// message-server commands to.
func (s *Store) Bus() bus.Bus { return s.bus }

// State returns the current actor-level state blob.
func (s *Store) State() []byte {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// SetState atomically replaces the actor-level state blob. Called by the
// operation loop after a successful CallFunction, and by setup step 7
// when a start-time override is supplied.
func (s *Store) SetState(state []byte) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// RegisterOutstandingRequest records a deferred message-server request so
// a later RespondToRequest or CancelRequest call can find it.
func (s *Store) RegisterOutstandingRequest(reqID id.RequestID, sink chan<- []byte) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.outstanding[reqID] = OutstandingRequest{ResponseSink: sink}
}

// TakeOutstandingRequest removes and returns the request registered under
// reqID, reporting whether it existed. Used by both RespondToRequest
// (delivers the payload) and CancelRequest (discards it).
func (s *Store) TakeOutstandingRequest(reqID id.RequestID) (OutstandingRequest, bool) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	req, ok := s.outstanding[reqID]
	if ok {
		delete(s.outstanding, reqID)
	}
	return req, ok
}

// OpenChannel installs a new ChannelState for chID, accepted on this
// side.
func (s *Store) OpenChannel(chID id.ChannelID) {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	s.channels[chID] = &ChannelState{Open: true}
}

// ChannelOpen reports whether chID is currently open on this side.
func (s *Store) ChannelOpen(chID id.ChannelID) bool {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	st, ok := s.channels[chID]
	return ok && st.Open
}

// CloseChannel marks chID closed on this side. A no-op if the channel
// was never opened here.
func (s *Store) CloseChannel(chID id.ChannelID) {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	if st, ok := s.channels[chID]; ok {
		st.Open = false
	}
}
