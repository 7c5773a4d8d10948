package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/theater-run/theater/actorerrors"
	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/contentstore"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/manifest"
	"github.com/theater-run/theater/phase"
	"github.com/theater-run/theater/recorder"
	"github.com/theater-run/theater/resolver"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
	"github.com/theater-run/theater/telemetry"
)

type (
	// ControlCommand is one of the four commands the control loop accepts
	// once the actor is running: Shutdown, Terminate, Pause, Resume.
	ControlCommand interface {
		isControlCommand()
	}

	// Shutdown gracefully stops the actor: the operation, info, and init
	// tasks are joined, then handler tasks receive a Graceful signal.
	Shutdown struct {
		Response chan<- error
	}

	// Terminate force-stops the actor: in-flight tasks are cancelled and
	// handler tasks receive a Force signal.
	Terminate struct {
		Response chan<- error
	}

	// Pause moves the actor to Paused; the operation loop stops taking
	// work until Resume.
	Pause struct {
		Response chan<- error
	}

	// Resume moves a Paused actor back to Running.
	Resume struct {
		Response chan<- error
	}

	// ReplaySpec puts an actor in replay mode: setup skips the init task,
	// host-function calls are answered from Events instead of performing
	// real work, and State (if set) is installed directly as the
	// reconstructed actor state.
	ReplaySpec struct {
		Events []chain.Event
		State  []byte
	}

	// Options wires one actor: its manifest, the engine and capability
	// set, the stores behind it, and the runtime bus it reports to.
	Options struct {
		Manifest      manifest.Config
		ManifestBytes []byte

		// ActorID, when non-zero, pins the actor's identity (used by
		// restart so the replacement keeps the original id). A zero value
		// mints a fresh id.
		ActorID  id.ActorID
		ParentID id.ActorID

		Runtime  sandbox.Runtime
		Handlers *handler.Registry
		Resolver *resolver.Resolver

		// ContentStore receives the manifest bytes at setup step 2. May be
		// nil, in which case the step is skipped.
		ContentStore contentstore.Store

		// ChainPersister services SaveChain info requests and the final
		// persist at teardown. May be nil.
		ChainPersister ChainPersister

		// Bus is the runtime-wide event/command bus. Nil gets a private
		// in-memory bus, useful for tests that only observe the chain.
		Bus bus.Bus

		Logger  telemetry.Logger
		Metrics telemetry.Metrics

		// OperationTimeout bounds one CallFunction; zero means no timeout.
		OperationTimeout time.Duration

		// HandlerStopTimeout bounds how long teardown waits for handler
		// tasks after a graceful signal before aborting them.
		HandlerStopTimeout time.Duration

		// InitialState, when non-nil, overrides the manifest's
		// initial_state at setup step 7 (the spawn-time init bytes).
		InitialState []byte

		// Replay, when non-nil, enables replay mode.
		Replay *ReplaySpec
	}

	// Actor owns one supervised sandbox instance: its store, its three
	// inbound channels, and the tasks that service them. Construct with
	// New, drive with Run.
	Actor struct {
		opts      Options
		store     *Store
		collector *Collector
		logger    telemetry.Logger

		operations chan CallFunction
		info       chan InfoRequest
		control    chan ControlCommand

		shut  *shutdownctl.Controller
		ready chan error
	}
)

func (Shutdown) isControlCommand()  {}
func (Terminate) isControlCommand() {}
func (Pause) isControlCommand()     {}
func (Resume) isControlCommand()    {}

const defaultHandlerStopTimeout = 5 * time.Second

// New constructs an Actor from opts. The actor does nothing until Run is
// called; Ready reports setup's outcome once Run starts.
func New(opts Options) *Actor {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewMemoryBus()
	}
	if opts.HandlerStopTimeout <= 0 {
		opts.HandlerStopTimeout = defaultHandlerStopTimeout
	}

	collector := NewCollector(opts.Metrics)

	actorID := opts.ActorID
	if actorID.IsZero() {
		actorID = id.NewActorID()
	}

	c := chain.New(actorID, bus.NewChainBus(opts.Bus, logger))
	rec := recorder.New(c, logger, collector)
	if opts.Replay != nil && len(opts.Replay.Events) > 0 {
		rec = rec.WithReplay(recorder.NewReplaySource(opts.Replay.Events))
	}
	gate := recorder.NewPermissionGate(opts.Manifest.Permissions)

	return &Actor{
		opts:       opts,
		store:      NewStore(actorID, opts.ParentID, c, rec, gate, opts.Bus),
		collector:  collector,
		logger:     logger,
		operations: make(chan CallFunction, 16),
		info:       make(chan InfoRequest, 16),
		control:    make(chan ControlCommand, 4),
		shut:       shutdownctl.New(),
		ready:      make(chan error, 1),
	}
}

// ID returns the actor's identifier.
func (a *Actor) ID() id.ActorID { return a.store.ActorID() }

// Store returns the actor-level context shared with handlers.
func (a *Actor) Store() *Store { return a.store }

// Operations is the inbound CallFunction channel.
func (a *Actor) Operations() chan<- CallFunction { return a.operations }

// Info is the inbound info-query channel.
func (a *Actor) Info() chan<- InfoRequest { return a.info }

// Control is the inbound control-command channel.
func (a *Actor) Control() chan<- ControlCommand { return a.control }

// Ready yields exactly one value once Run has finished setup: nil when the
// actor reached Running, or the setup error when it never will.
func (a *Actor) Ready() <-chan error { return a.ready }

// Run drives the actor to completion: setup, the operation/info/init tasks,
// the control command surface, and teardown. It returns once the actor has
// fully shut down. A setup failure is returned directly (and via Ready);
// no handler task is ever started in that case.
func (a *Actor) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		a.store.Phase().Set(phase.ShuttingDown)
		a.ready <- err
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	opCtx, opCancel := context.WithCancel(runCtx)
	infoCtx, infoCancel := context.WithCancel(runCtx)
	initCtx, initCancel := context.WithCancel(runCtx)
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()

	opLoop := NewOperationLoop(a.store, a.operations, a.opts.OperationTimeout, a.logger, a.collector)
	infoLoop := NewInfoLoop(a.store, a.info, a.collector, a.opts.ChainPersister, a.logger)

	opDone := make(chan struct{})
	go func() { defer close(opDone); opLoop.Run(opCtx) }()

	infoDone := make(chan struct{})
	go func() { defer close(infoDone); infoLoop.Run(infoCtx) }()

	// Step 9: init runs as its own task so handler start-up is never
	// blocked behind it. The init call is queued here, before Ready fires,
	// so it is the first operation the loop takes; only the wait for its
	// reply runs in the background. In replay mode the replay driver owns
	// init.
	initDone := make(chan struct{})
	if a.opts.Replay == nil {
		initResp := make(chan CallFunctionResult, 1)
		select {
		case a.operations <- CallFunction{Name: "init", Response: initResp}:
			go func() { defer close(initDone); a.awaitInit(initCtx, initResp) }()
		case <-initCtx.Done():
			close(initDone)
		}
	} else {
		close(initDone)
	}

	// Step 10: one task per handler.
	tasks := a.opts.Handlers.Start(handlerCtx, a.store, a.shut)

	a.store.Phase().Set(phase.Running)
	a.ready <- nil

	join := func() {
		<-opDone
		<-infoDone
		<-initDone
	}

	var runErr error
loop:
	for {
		select {
		case cmd := <-a.control:
			switch c := cmd.(type) {
			case Pause:
				reply(c.Response, a.pause())
			case Resume:
				reply(c.Response, a.resume())
			case Shutdown:
				a.store.Phase().Set(phase.ShuttingDown)
				// The operation loop exits without draining its queue, so
				// an init call still waiting in it would never be answered.
				initCancel()
				join()
				a.shut.Signal(shutdownctl.Graceful)
				reply(c.Response, nil)
				break loop
			case Terminate:
				a.store.Phase().Set(phase.ShuttingDown)
				opCancel()
				infoCancel()
				initCancel()
				join()
				a.shut.Signal(shutdownctl.Force)
				handlerCancel()
				reply(c.Response, nil)
				break loop
			}
		case <-ctx.Done():
			a.store.Phase().Set(phase.ShuttingDown)
			opCancel()
			infoCancel()
			initCancel()
			join()
			a.shut.Signal(shutdownctl.Force)
			handlerCancel()
			runErr = ctx.Err()
			break loop
		}
	}

	a.teardown(handlerCancel, tasks)
	return runErr
}

func (a *Actor) pause() error {
	if a.store.Phase().Get() == phase.ShuttingDown {
		return actorerrors.New(actorerrors.KindShuttingDown, "actor is shutting down")
	}
	a.store.Phase().Set(phase.Paused)
	return nil
}

func (a *Actor) resume() error {
	switch p := a.store.Phase().Get(); p {
	case phase.Starting, phase.Running:
		return actorerrors.New(actorerrors.KindNotPaused, string(p))
	case phase.ShuttingDown:
		return actorerrors.New(actorerrors.KindShuttingDown, "actor is shutting down")
	default:
		a.store.Phase().Set(phase.Running)
		return nil
	}
}

// teardown aborts any handler task still running after the stop grace
// period, drains their errors, persists the chain, and logs the final
// metrics.
func (a *Actor) teardown(handlerCancel context.CancelFunc, tasks *handler.TaskSet) {
	waited := make(chan struct{})
	go func() { defer close(waited); _ = tasks.Wait() }()
	select {
	case <-waited:
	case <-time.After(a.opts.HandlerStopTimeout):
		handlerCancel()
		<-waited
	}
	for err := range tasks.Errs() {
		a.logger.Warn(context.Background(), "handler task failed", "actor_id", a.ID().String(), "err", err)
	}

	if a.opts.ChainPersister != nil {
		if err := a.opts.ChainPersister.Persist(a.store.Chain()); err != nil {
			a.logger.Warn(context.Background(), "teardown: persist chain failed", "actor_id", a.ID().String(), "err", err)
		}
	}

	a.collector.LogFinal(context.Background(), a.logger)
	a.logger.Info(context.Background(), "actor stopped", "actor_id", a.ID().String(), "chain_len", a.store.Chain().Len())
}

// setup runs the checkpointed setup sequence. Before each step the phase is
// asserted to still be Starting; an external ShuttingDown transition during
// setup aborts it cleanly.
func (a *Actor) setup(ctx context.Context) error {
	checkpoint := func(step string) error {
		if p := a.store.Phase().Get(); p != phase.Starting {
			return &actorerrors.SetupError{
				Step: step,
				Err:  &actorerrors.ActorPhaseError{Expected: string(phase.Starting), Found: string(p)},
			}
		}
		return nil
	}

	// Step 1: the actor store was constructed by New; nothing to do but
	// assert we are still allowed to proceed.
	if err := checkpoint("construct actor store"); err != nil {
		return err
	}

	// Step 2: store the manifest bytes in the content store.
	if err := checkpoint("store manifest"); err != nil {
		return err
	}
	if a.opts.ContentStore != nil && len(a.opts.ManifestBytes) > 0 {
		if _, err := a.opts.ContentStore.Put(ctx, "manifest", a.opts.ManifestBytes); err != nil {
			return &actorerrors.SetupError{Step: "store manifest", Err: err}
		}
	}

	// Step 3: resolve the component reference to bytes.
	if err := checkpoint("resolve component"); err != nil {
		return err
	}
	if a.opts.Resolver == nil {
		return &actorerrors.SetupError{Step: "resolve component", Err: fmt.Errorf("no resolver configured")}
	}
	component, err := a.opts.Resolver.Resolve(ctx, a.opts.Manifest.Package)
	if err != nil {
		return &actorerrors.SetupError{Step: "resolve component", Err: err}
	}

	// Steps 4–5: collect handlers, build the linker, let each handler set
	// up its host functions, then instantiate the component. Any
	// import-registration failure aborts before instantiation.
	if err := checkpoint("setup handlers"); err != nil {
		return err
	}
	if a.opts.Runtime == nil || a.opts.Handlers == nil {
		return &actorerrors.SetupError{Step: "setup handlers", Err: fmt.Errorf("sandbox runtime and handler registry are required")}
	}
	linker := a.opts.Runtime.NewLinker()
	if err := a.opts.Handlers.Setup(ctx, a.store, a.store.Recorder(), linker, a.opts.Manifest.Handlers); err != nil {
		return &actorerrors.SetupError{Step: "setup handlers", Err: err}
	}

	if err := checkpoint("instantiate component"); err != nil {
		return err
	}
	inst, err := a.opts.Runtime.Instantiate(ctx, component, linker)
	if err != nil {
		return &actorerrors.SetupError{Step: "instantiate component", Err: err}
	}

	// Step 6: register required exports. The actor's init is mandatory;
	// a handler failing to register its exports is logged but not fatal.
	if err := checkpoint("register exports"); err != nil {
		return err
	}
	if !inst.HasExport("init") {
		return &actorerrors.SetupError{Step: "register exports", Err: fmt.Errorf("component has no init export")}
	}
	for _, h := range a.opts.Handlers.Handlers() {
		if err := h.RegisterExports(ctx, a.store, inst); err != nil {
			a.logger.Warn(ctx, "handler export registration failed", "handler", h.Name(), "err", err)
		}
	}
	a.opts.Handlers.FinishSetup(ctx, a.store.Recorder())

	// Step 7: apply the initial state: the spawn-time override wins over
	// the manifest's initial_state; replay-mode state reconstruction wins
	// over both.
	if err := checkpoint("apply initial state"); err != nil {
		return err
	}
	switch {
	case a.opts.Replay != nil && a.opts.Replay.State != nil:
		a.store.SetState(a.opts.Replay.State)
	case a.opts.InitialState != nil:
		a.store.SetState(a.opts.InitialState)
	case a.opts.Manifest.InitialState != nil:
		a.store.SetState(a.opts.Manifest.InitialState)
	}

	// Step 8: install the instance; from here on handlers may use it.
	if err := checkpoint("install instance"); err != nil {
		return err
	}
	if err := a.store.Sandbox().Install(ctx, inst); err != nil {
		return &actorerrors.SetupError{Step: "install instance", Err: err}
	}

	return nil
}

// awaitInit waits for the reply to the init call Run queued. Init goes
// through the operation loop so the call is recorded and pause-on-error
// applies to it like any other function call.
func (a *Actor) awaitInit(ctx context.Context, resp <-chan CallFunctionResult) {
	select {
	case res := <-resp:
		if res.Err != nil {
			a.logger.Error(ctx, "actor init failed", "actor_id", a.ID().String(), "err", res.Err)
		}
	case <-ctx.Done():
	}
}

func reply(ch chan<- error, err error) {
	if ch == nil {
		return
	}
	ch <- err
}
