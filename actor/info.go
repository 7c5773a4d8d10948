package actor

import (
	"context"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/phase"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/telemetry"
)

type (
	// InfoRequest is one of the read-only query types the info loop
	// services: GetStatus, GetState, GetChain, GetMetrics, SaveChain.
	InfoRequest interface {
		isInfoRequest()
	}

	// GetStatus returns the actor's current phase.
	GetStatus struct {
		Response chan<- phase.Phase
	}

	// GetState returns the actor's current state blob (nil if none).
	GetState struct {
		Response chan<- []byte
	}

	// GetChain returns a copy of the actor's event chain, oldest first.
	GetChain struct {
		Response chan<- []chain.Event
	}

	// GetMetrics returns the Metrics Collector's current aggregates.
	GetMetrics struct {
		Response chan<- MetricsSnapshot
	}

	// SaveChain persists the actor's chain through the configured
	// ChainPersister.
	SaveChain struct {
		Response chan<- error
	}

	// ChainPersister is the narrow persistence surface SaveChain needs;
	// satisfied by contentstore/fs.ChainStore.
	ChainPersister interface {
		Persist(c *chain.Chain) error
	}

	// InfoLoop services read-only queries against the actor without
	// blocking the operation loop for long: every query takes the
	// wrapper's read lock (or no lock at all), never the write lock.
	InfoLoop struct {
		store     *Store
		requests  <-chan InfoRequest
		collector *Collector
		persister ChainPersister
		logger    telemetry.Logger
	}
)

func (GetStatus) isInfoRequest()  {}
func (GetState) isInfoRequest()   {}
func (GetChain) isInfoRequest()   {}
func (GetMetrics) isInfoRequest() {}
func (SaveChain) isInfoRequest()  {}

// NewInfoLoop constructs an InfoLoop reading from requests. persister may be
// nil, in which case SaveChain replies with an error. logger may be nil.
func NewInfoLoop(store *Store, requests <-chan InfoRequest, collector *Collector, persister ChainPersister, logger telemetry.Logger) *InfoLoop {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &InfoLoop{store: store, requests: requests, collector: collector, persister: persister, logger: logger}
}

// Run drives the loop until ctx is done or the phase reaches ShuttingDown.
// Unlike the operation loop, info queries are serviced in every phase —
// a paused actor still answers GetStatus and GetChain.
func (l *InfoLoop) Run(ctx context.Context) {
	shuttingDown := make(chan struct{})
	go func() {
		if _, err := l.store.Phase().WaitForAny(ctx, phase.ShuttingDown); err == nil {
			close(shuttingDown)
		}
	}()

	for {
		select {
		case req, ok := <-l.requests:
			if !ok {
				return
			}
			l.handle(ctx, req)
		case <-shuttingDown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *InfoLoop) handle(ctx context.Context, req InfoRequest) {
	switch q := req.(type) {
	case GetStatus:
		q.Response <- l.store.Phase().Get()
	case GetState:
		// Taken under the read lock so a GetState racing a function call
		// observes either the pre- or post-call state, never one mid-call.
		// If the instance is not installed yet the direct read is already
		// race-free: nothing else can be mutating the state.
		var state []byte
		err := l.store.Sandbox().WithRead(ctx, func(sandbox.Instance) error {
			state = l.store.State()
			return nil
		})
		if err != nil {
			state = l.store.State()
		}
		q.Response <- state
	case GetChain:
		q.Response <- l.store.Chain().Events()
	case GetMetrics:
		q.Response <- l.collector.Snapshot()
	case SaveChain:
		q.Response <- l.saveChain()
	}
}

func (l *InfoLoop) saveChain() error {
	if l.persister == nil {
		return errNoPersister
	}
	if err := l.persister.Persist(l.store.Chain()); err != nil {
		l.logger.Warn(context.Background(), "info loop: persist chain failed", "actor_id", l.store.ActorID().String(), "err", err)
		return err
	}
	return nil
}

var errNoPersister = persisterError{}

type persisterError struct{}

func (persisterError) Error() string { return "info loop: no chain persister configured" }
