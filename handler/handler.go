// Package handler implements the capability Handler contract and the
// Registry that wires every configured handler into a single actor: link
// imports into the sandbox, register exports, start each handler's
// background task, and collect the resulting task set for supervised
// shutdown. Handler tasks are independent, concurrently running, and must
// not cancel their siblings on a single failure.
package handler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/manifest"
	"github.com/theater-run/theater/recorder"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

type (
	// ActorHandle is the narrow surface a Handler needs back from the
	// actor that owns it: sandbox access, chain recording, and permission
	// checks. Defined here (not imported from actor) so this package never
	// depends on actor — actor depends on handler, not the reverse.
	ActorHandle interface {
		ActorID() id.ActorID
		Sandbox() *sandbox.Wrapper
		Recorder() *recorder.Recorder
		Gate() *recorder.PermissionGate
		Chain() *chain.Chain
	}

	// Handler is a capability provider: it contributes host-function
	// imports, may register additional sandbox exports of its own (rare,
	// but the contract allows it — e.g. a message-server handler needing a
	// callback export), runs an optional background task for the lifetime
	// of the actor, and reports the imports it defines, which
	// Registry.Setup records as per-function SetupStart/SetupSuccess events.
	Handler interface {
		// Name identifies the handler for chain events and logging, and is
		// the module portion of every host-function import it defines
		// (module.function).
		Name() string

		// SetupImports defines this handler's host functions against
		// linker. Called once per actor, before the sandbox is
		// instantiated.
		SetupImports(ctx context.Context, actor ActorHandle, linker sandbox.Linker) error

		// RegisterExports is called once per actor after the sandbox is
		// instantiated, letting a handler record or wrap exports it needs
		// to call directly (most handlers are no-ops here).
		RegisterExports(ctx context.Context, actor ActorHandle, instance sandbox.Instance) error

		// Start runs the handler's background task, if any, until ctx is
		// done or shut is signalled. Handlers with no background work
		// (most capability providers) return nil immediately. Start must
		// not itself cancel ctx or otherwise affect sibling handlers.
		Start(ctx context.Context, actor ActorHandle, shut *shutdownctl.Controller) error

		// Imports lists the "module.function" pairs this handler defines,
		// recorded by Registry.Setup as per-function setup events.
		Imports() []string

		// Exports lists the actor-side export names this handler (or the
		// registry on its behalf) calls back into, for introspection. Most
		// capability providers export-call nothing and return nil.
		Exports() []string
	}

	// Builder constructs a Handler from its manifest options, validating
	// them against an optional JSON Schema first.
	Builder struct {
		// OptionsSchema, if non-empty, validates HandlerSpec.Options before
		// New is called.
		OptionsSchema []byte
		New           func(options []byte) (Handler, error)
	}

	// Registry holds the builders for every known capability and, once
	// Setup runs, the live Handler instances wired into one actor.
	Registry struct {
		builders map[string]Builder
		handlers []Handler
	}

	// TaskSet is the supervised group of handler background tasks started
	// by Registry.Start. Wait blocks until every task has returned;
	// one task returning an error does not cancel its siblings, since
	// capability handlers are independent and a filesystem handler
	// misbehaving should not tear down the network handler.
	TaskSet struct {
		group *errgroup.Group
		errs  chan error
	}
)

// NewRegistry constructs an empty Registry. Register each capability
// builder before calling Setup.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder for capability. Registering the same capability
// twice is a programmer error and panics at wiring time.
func (r *Registry) Register(capability string, b Builder) {
	if _, exists := r.builders[capability]; exists {
		panic(fmt.Sprintf("handler: capability %q already registered", capability))
	}
	r.builders[capability] = b
}

// Setup builds one Handler per HandlerSpec in specs, validating its
// options against the builder's schema, then links its imports into
// linker. Chain events (HandlerSetupStart, LinkerInstanceSuccess/Error,
// per-function SetupStart/Success) are recorded for every handler via
// rec. Exports are registered by the caller once the instance exists, and
// HandlerSetupSuccess is emitted by FinishSetup.
func (r *Registry) Setup(ctx context.Context, actor ActorHandle, rec *recorder.Recorder, linker sandbox.Linker, specs []manifest.HandlerSpec) error {
	for _, spec := range specs {
		b, ok := r.builders[spec.Capability]
		if !ok {
			return fmt.Errorf("handler: unknown capability %q", spec.Capability)
		}

		rec.HandlerSetupStart(ctx, spec.Capability)

		if err := manifest.ValidateOptions(b.OptionsSchema, spec.Options); err != nil {
			rec.LinkerInstanceError(ctx, spec.Capability, err)
			return fmt.Errorf("handler: validate options for %q: %w", spec.Capability, err)
		}

		h, err := b.New(spec.Options)
		if err != nil {
			rec.LinkerInstanceError(ctx, spec.Capability, err)
			return fmt.Errorf("handler: build %q: %w", spec.Capability, err)
		}

		for _, imp := range h.Imports() {
			rec.SetupStart(ctx, spec.Capability, imp)
		}
		if err := h.SetupImports(ctx, actor, linker); err != nil {
			rec.LinkerInstanceError(ctx, spec.Capability, err)
			return fmt.Errorf("handler: setup imports for %q: %w", spec.Capability, err)
		}
		for _, imp := range h.Imports() {
			rec.SetupSuccess(ctx, spec.Capability, imp)
		}
		rec.LinkerInstanceSuccess(ctx, spec.Capability)

		r.handlers = append(r.handlers, h)
	}
	return nil
}

// FinishSetup emits HandlerSetupSuccess for every built handler, once the
// caller has registered each handler's exports against the instance.
// HandlerSetupSuccess must follow the complete setup of one handler
// (imports + exports), so it cannot be emitted from Setup, where exports
// don't exist yet.
func (r *Registry) FinishSetup(ctx context.Context, rec *recorder.Recorder) {
	for _, h := range r.handlers {
		rec.HandlerSetupSuccess(ctx, h.Name())
	}
}

// Start launches every handler's background task in its own goroutine
// and returns a TaskSet for joining them. A handler task returning an
// error is recorded but does not cancel ctx for its siblings — each
// handler's Start is expected to honor ctx / shut on its own.
func (r *Registry) Start(ctx context.Context, actor ActorHandle, shut *shutdownctl.Controller) *TaskSet {
	g := &errgroup.Group{}
	errs := make(chan error, len(r.handlers))
	for _, h := range r.handlers {
		h := h
		g.Go(func() error {
			err := h.Start(ctx, actor, shut)
			if err != nil {
				errs <- fmt.Errorf("handler %q: %w", h.Name(), err)
			}
			return nil // never fail the group; errors are reported via errs
		})
	}
	return &TaskSet{group: g, errs: errs}
}

// Handlers returns the live handlers built by Setup, in manifest order.
func (r *Registry) Handlers() []Handler { return r.handlers }

// Wait blocks until every handler task has returned.
func (t *TaskSet) Wait() error {
	err := t.group.Wait()
	close(t.errs)
	return err
}

// Errs returns the channel of per-handler task errors. Errs is only safe
// to drain after Wait returns, since Wait closes it.
func (t *TaskSet) Errs() <-chan error { return t.errs }
