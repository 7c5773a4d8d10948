package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/manifest"
	"github.com/theater-run/theater/recorder"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/sandbox/memory"
	"github.com/theater-run/theater/shutdownctl"
)

type stubHandle struct {
	actorID id.ActorID
	sandbox *sandbox.Wrapper
	rec     *recorder.Recorder
	gate    *recorder.PermissionGate
	chain   *chain.Chain
}

func (s *stubHandle) ActorID() id.ActorID                { return s.actorID }
func (s *stubHandle) Sandbox() *sandbox.Wrapper           { return s.sandbox }
func (s *stubHandle) Recorder() *recorder.Recorder        { return s.rec }
func (s *stubHandle) Gate() *recorder.PermissionGate      { return s.gate }
func (s *stubHandle) Chain() *chain.Chain                 { return s.chain }

func newStubHandle() *stubHandle {
	actorID := id.NewActorID()
	c := chain.New(actorID, nil)
	return &stubHandle{
		actorID: actorID,
		sandbox: sandbox.NewWrapper(),
		rec:     recorder.New(c, nil, nil),
		gate:    recorder.NewPermissionGate(nil),
		chain:   c,
	}
}

type echoHandler struct {
	startCalled bool
	shutSeen    bool
}

func (h *echoHandler) Name() string { return "echo" }

func (h *echoHandler) SetupImports(_ context.Context, _ handler.ActorHandle, linker sandbox.Linker) error {
	return linker.DefineFunc("echo", "call", func(_ context.Context, params []byte) ([]byte, error) {
		return params, nil
	})
}

func (h *echoHandler) RegisterExports(context.Context, handler.ActorHandle, sandbox.Instance) error {
	return nil
}

func (h *echoHandler) Start(ctx context.Context, _ handler.ActorHandle, shut *shutdownctl.Controller) error {
	h.startCalled = true
	select {
	case <-shut.Done():
		h.shutSeen = true
	case <-ctx.Done():
	}
	return nil
}

func (h *echoHandler) Imports() []string { return []string{"echo.call"} }

func (h *echoHandler) Exports() []string { return nil }

func TestRegistry_SetupWiresHandlerImports(t *testing.T) {
	r := handler.NewRegistry()
	r.Register("echo", handler.Builder{
		New: func([]byte) (handler.Handler, error) { return &echoHandler{}, nil },
	})

	actor := newStubHandle()
	linker := memory.NewLinker()

	err := r.Setup(context.Background(), actor, actor.rec, linker, []manifest.HandlerSpec{
		{Capability: "echo"},
	})
	require.NoError(t, err)
	require.Len(t, r.Handlers(), 1)

	events := actor.chain.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "handler:echo.HandlerSetupStart", events[0].EventType)
}

func TestRegistry_SetupRejectsUnknownCapability(t *testing.T) {
	r := handler.NewRegistry()
	actor := newStubHandle()
	linker := memory.NewLinker()

	err := r.Setup(context.Background(), actor, actor.rec, linker, []manifest.HandlerSpec{
		{Capability: "nope"},
	})
	assert.Error(t, err)
}

func TestRegistry_StartRunsEveryHandlerAndSiblingsSurviveOneError(t *testing.T) {
	r := handler.NewRegistry()
	r.Register("echo", handler.Builder{
		New: func([]byte) (handler.Handler, error) { return &echoHandler{}, nil },
	})
	r.Register("boom", handler.Builder{
		New: func([]byte) (handler.Handler, error) { return &failingHandler{}, nil },
	})

	actor := newStubHandle()
	linker := memory.NewLinker()
	require.NoError(t, r.Setup(context.Background(), actor, actor.rec, linker, []manifest.HandlerSpec{
		{Capability: "echo"}, {Capability: "boom"},
	}))

	shut := shutdownctl.New()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ts := r.Start(ctx, actor, shut)
	shut.Signal(shutdownctl.Graceful)
	require.NoError(t, ts.Wait())

	var errs []error
	for err := range ts.Errs() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
}

type failingHandler struct{}

func (failingHandler) Name() string { return "boom" }
func (failingHandler) SetupImports(context.Context, handler.ActorHandle, sandbox.Linker) error {
	return nil
}
func (failingHandler) RegisterExports(context.Context, handler.ActorHandle, sandbox.Instance) error {
	return nil
}
func (failingHandler) Start(context.Context, handler.ActorHandle, *shutdownctl.Controller) error {
	return assertAnError
}
func (failingHandler) Imports() []string { return nil }
func (failingHandler) Exports() []string { return nil }

var assertAnError = errNoSurvivors{}

type errNoSurvivors struct{}

func (errNoSurvivors) Error() string { return "handler failed" }
