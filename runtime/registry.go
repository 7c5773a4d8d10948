// Package runtime implements the process-wide actor registry: the bus
// endpoint that services the inter-actor command surface (spawn, resume,
// stop, restart, state/event queries, messages, channels), owns the
// parent→child graph, and delivers child lifecycle results to a parent's
// handle-child-error / handle-child-exit / handle-child-external-stop
// exports as ordinary function calls through the parent's operation loop.
//
// The registry is initialized once at process start and torn down at
// process exit; per-actor state lives with the actor, never here.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/theater-run/theater/actor"
	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/contentstore"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/manifest"
	"github.com/theater-run/theater/phase"
	"github.com/theater-run/theater/resolver"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/telemetry"
)

type (
	// Options wires the registry: the engine, the stores, the bus it
	// subscribes to, and the per-actor handler registry factory (each
	// actor needs a fresh handler.Registry since built handlers are
	// per-actor state).
	Options struct {
		Sandbox      sandbox.Runtime
		Resolver     *resolver.Resolver
		ContentStore contentstore.Store

		// ChainPersister, when non-nil, is handed to every actor for
		// SaveChain and teardown persistence.
		ChainPersister actor.ChainPersister

		Bus bus.Bus

		// NewHandlerRegistry builds the capability set for one actor.
		NewHandlerRegistry func() *handler.Registry

		Logger  telemetry.Logger
		Metrics telemetry.Metrics

		// OperationTimeout is passed through to every actor's operation
		// loop.
		OperationTimeout time.Duration

		// DeliveryTimeout bounds one lifecycle or message delivery into an
		// actor's operation loop.
		DeliveryTimeout time.Duration
	}

	entry struct {
		act         *actor.Actor
		cancel      context.CancelFunc
		manifestRef string
		parent      id.ActorID
		done        chan struct{}
	}

	channelPair struct {
		initiator id.ActorID
		target    id.ActorID
	}

	// Registry services the runtime-wide command surface. Construct with
	// New; it subscribes itself to the bus immediately.
	Registry struct {
		opts   Options
		logger telemetry.Logger
		sub    bus.Subscription

		mu       sync.Mutex
		actors   map[id.ActorID]*entry
		channels map[id.ChannelID]channelPair
	}
)

const defaultDeliveryTimeout = 30 * time.Second

// New constructs a Registry and registers it on the bus.
func New(opts Options) (*Registry, error) {
	if opts.Sandbox == nil || opts.Resolver == nil || opts.Bus == nil || opts.NewHandlerRegistry == nil {
		return nil, fmt.Errorf("runtime: sandbox, resolver, bus, and handler registry factory are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	r := &Registry{
		opts:     opts,
		logger:   opts.Logger,
		actors:   make(map[id.ActorID]*entry),
		channels: make(map[id.ChannelID]channelPair),
	}
	sub, err := opts.Bus.Register(r)
	if err != nil {
		return nil, fmt.Errorf("runtime: register on bus: %w", err)
	}
	r.sub = sub
	return r, nil
}

// Spawn resolves manifestRef, creates a new actor with parentID as its
// supervisor, and blocks until setup completes. initBytes, when non-nil,
// overrides the manifest's initial state.
func (r *Registry) Spawn(ctx context.Context, manifestRef string, initBytes []byte, parentID id.ActorID) (id.ActorID, error) {
	return r.spawn(ctx, manifestRef, parentID, id.ActorID{}, func(o *actor.Options) {
		o.InitialState = initBytes
	})
}

// Resume is spawn with state reconstruction: the new actor skips init and
// starts from stateBytes, the replay driver's degenerate case where the
// terminal state is supplied directly rather than re-derived call by call.
func (r *Registry) Resume(ctx context.Context, manifestRef string, stateBytes []byte, parentID id.ActorID) (id.ActorID, error) {
	return r.spawn(ctx, manifestRef, parentID, id.ActorID{}, func(o *actor.Options) {
		o.Replay = &actor.ReplaySpec{State: stateBytes}
	})
}

// ReplayFromChain spawns an actor in replay mode over recorded and drives
// the replay driver to its terminal-state check. The reconstructed actor
// stays registered and running afterward.
func (r *Registry) ReplayFromChain(ctx context.Context, manifestRef string, recorded []chain.Event, parentID id.ActorID) (id.ActorID, error) {
	actorID, err := r.spawn(ctx, manifestRef, parentID, id.ActorID{}, func(o *actor.Options) {
		o.Replay = &actor.ReplaySpec{Events: recorded}
	})
	if err != nil {
		return id.ActorID{}, err
	}
	e, ok := r.lookup(actorID)
	if !ok {
		return id.ActorID{}, fmt.Errorf("runtime: replayed actor %s disappeared", actorID)
	}
	if err := e.act.ReplayChain(ctx, recorded); err != nil {
		_ = r.stop(ctx, actorID, false)
		return id.ActorID{}, err
	}
	return actorID, nil
}

func (r *Registry) spawn(ctx context.Context, manifestRef string, parentID, pinnedID id.ActorID, customize func(*actor.Options)) (id.ActorID, error) {
	manifestBytes, err := r.opts.Resolver.Resolve(ctx, manifestRef)
	if err != nil {
		return id.ActorID{}, fmt.Errorf("runtime: resolve manifest %s: %w", manifestRef, err)
	}
	cfg, err := manifest.Parse(manifestBytes)
	if err != nil {
		return id.ActorID{}, err
	}

	opts := actor.Options{
		Manifest:         cfg,
		ManifestBytes:    manifestBytes,
		ActorID:          pinnedID,
		ParentID:         parentID,
		Runtime:          r.opts.Sandbox,
		Handlers:         r.opts.NewHandlerRegistry(),
		Resolver:         r.opts.Resolver,
		ContentStore:     r.opts.ContentStore,
		ChainPersister:   r.opts.ChainPersister,
		Bus:              r.opts.Bus,
		Logger:           r.opts.Logger,
		Metrics:          r.opts.Metrics,
		OperationTimeout: r.opts.OperationTimeout,
	}
	if customize != nil {
		customize(&opts)
	}

	act := actor.New(opts)

	// Actor lifetime is owned by the registry, not by whichever caller
	// happened to spawn it. The entry is registered before Run starts so
	// that an actor exiting from its own init (runtime.shutdown during
	// setup's init task) can already be found by the exit path.
	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{act: act, cancel: cancel, manifestRef: manifestRef, parent: parentID, done: make(chan struct{})}
	r.mu.Lock()
	r.actors[act.ID()] = e
	r.mu.Unlock()
	go func() {
		defer close(e.done)
		_ = act.Run(runCtx)
	}()

	unregister := func() {
		cancel()
		r.mu.Lock()
		delete(r.actors, act.ID())
		r.mu.Unlock()
	}
	select {
	case err := <-act.Ready():
		if err != nil {
			unregister()
			return id.ActorID{}, err
		}
	case <-ctx.Done():
		unregister()
		return id.ActorID{}, ctx.Err()
	}

	r.logger.Info(ctx, "actor spawned", "actor_id", act.ID().String(), "manifest", manifestRef, "parent_id", parentID.String())
	return act.ID(), nil
}

// Stop gracefully shuts down actorID and notifies its parent via
// handle-child-external-stop.
func (r *Registry) Stop(ctx context.Context, actorID id.ActorID) error {
	return r.stop(ctx, actorID, true)
}

func (r *Registry) stop(ctx context.Context, actorID id.ActorID, notifyParent bool) error {
	e, ok := r.lookup(actorID)
	if !ok {
		return fmt.Errorf("runtime: actor not found: %s", actorID)
	}

	resp := make(chan error, 1)
	select {
	case e.act.Control() <- actor.Shutdown{Response: resp}:
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.cancel()

	r.mu.Lock()
	delete(r.actors, actorID)
	r.mu.Unlock()

	// Delivered asynchronously: the stop may have been requested by the
	// parent's own stop-child host call, whose operation loop cannot take
	// the lifecycle call until that call returns.
	if notifyParent && !e.parent.IsZero() {
		go r.notifyParent(e.parent, "handle-child-external-stop", lifecycleParams{ChildID: actorID.String()})
	}
	return nil
}

// Restart stops actorID and spawns a replacement from the same manifest
// under the same id and parent.
func (r *Registry) Restart(ctx context.Context, actorID id.ActorID) error {
	e, ok := r.lookup(actorID)
	if !ok {
		return fmt.Errorf("runtime: actor not found: %s", actorID)
	}
	manifestRef, parent := e.manifestRef, e.parent

	if err := r.stop(ctx, actorID, false); err != nil {
		return err
	}
	_, err := r.spawn(ctx, manifestRef, parent, actorID, nil)
	return err
}

// Children returns the direct children of parentID.
func (r *Registry) Children(parentID id.ActorID) []id.ActorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []id.ActorID
	for actorID, e := range r.actors {
		if e.parent == parentID {
			out = append(out, actorID)
		}
	}
	return out
}

// State returns the current state blob of actorID via its info loop.
func (r *Registry) State(ctx context.Context, actorID id.ActorID) ([]byte, error) {
	e, ok := r.lookup(actorID)
	if !ok {
		return nil, fmt.Errorf("runtime: actor not found: %s", actorID)
	}
	resp := make(chan []byte, 1)
	select {
	case e.act.Info() <- actor.GetState{Response: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case state := <-resp:
		return state, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns a copy of actorID's event chain via its info loop.
func (r *Registry) Events(ctx context.Context, actorID id.ActorID) ([]chain.Event, error) {
	e, ok := r.lookup(actorID)
	if !ok {
		return nil, fmt.Errorf("runtime: actor not found: %s", actorID)
	}
	resp := make(chan []chain.Event, 1)
	select {
	case e.act.Info() <- actor.GetChain{Response: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case events := <-resp:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Phase returns actorID's current lifecycle phase.
func (r *Registry) Phase(actorID id.ActorID) (phase.Phase, bool) {
	e, ok := r.lookup(actorID)
	if !ok {
		return "", false
	}
	return e.act.Store().Phase().Get(), true
}

// Actor returns the live actor registered under actorID.
func (r *Registry) Actor(actorID id.ActorID) (*actor.Actor, bool) {
	e, ok := r.lookup(actorID)
	if !ok {
		return nil, false
	}
	return e.act, true
}

// Close stops every registered actor and unsubscribes from the bus.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]id.ActorID, 0, len(r.actors))
	for actorID := range r.actors {
		ids = append(ids, actorID)
	}
	r.mu.Unlock()

	var firstErr error
	for _, actorID := range ids {
		if err := r.stop(ctx, actorID, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.sub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *Registry) lookup(actorID id.ActorID) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.actors[actorID]
	return e, ok
}
