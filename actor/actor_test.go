package actor_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/actor"
	"github.com/theater-run/theater/actorerrors"
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/contentstore/fs"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/manifest"
	"github.com/theater-run/theater/phase"
	"github.com/theater-run/theater/resolver"
	"github.com/theater-run/theater/sandbox/memory"
)

// writeRef writes a component reference file the resolver can read, whose
// contents name a component registered in the in-memory runtime.
func writeRef(t *testing.T, ref string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "component.ref")
	require.NoError(t, os.WriteFile(path, []byte(ref), 0o644))
	return path
}

// echoComponent answers ping with its params and keeps state untouched.
func echoComponent() *memory.Component {
	return memory.NewComponent("echo").
		WithExport("init", func(_ context.Context, state, _ []byte) ([]byte, []byte, error) {
			return state, nil, nil
		}).
		WithExport("ping", func(_ context.Context, state, params []byte) ([]byte, []byte, error) {
			return state, params, nil
		}).
		WithExport("crash", func(_ context.Context, _, _ []byte) ([]byte, []byte, error) {
			return nil, nil, fmt.Errorf("deliberate failure")
		})
}

// counterComponent keeps a decimal counter in state; inc adds one.
func counterComponent() *memory.Component {
	return memory.NewComponent("counter").
		WithExport("init", func(_ context.Context, _, _ []byte) ([]byte, []byte, error) {
			return []byte("0"), nil, nil
		}).
		WithExport("inc", func(_ context.Context, state, _ []byte) ([]byte, []byte, error) {
			n, err := strconv.Atoi(string(state))
			if err != nil {
				return nil, nil, err
			}
			next := []byte(strconv.Itoa(n + 1))
			return next, next, nil
		})
}

type testActor struct {
	act    *actor.Actor
	done   chan struct{}
	runErr error
}

func startActor(t *testing.T, comp *memory.Component, customize func(*actor.Options)) *testActor {
	t.Helper()

	rt := memory.NewRuntime()
	ref := "comp:" + comp.Name
	rt.Register(ref, comp)

	opts := actor.Options{
		Manifest: manifest.Config{Name: comp.Name, Package: writeRef(t, ref)},
		Runtime:  rt,
		Handlers: handler.NewRegistry(),
		Resolver: resolver.New(nil),
	}
	if customize != nil {
		customize(&opts)
	}

	act := actor.New(opts)
	ta := &testActor{act: act, done: make(chan struct{})}
	go func() {
		ta.runErr = act.Run(context.Background())
		close(ta.done)
	}()
	require.NoError(t, <-act.Ready())
	t.Cleanup(func() {
		select {
		case <-ta.done:
			return
		default:
		}
		resp := make(chan error, 1)
		act.Control() <- actor.Shutdown{Response: resp}
		select {
		case <-ta.done:
		case <-time.After(5 * time.Second):
			t.Error("actor did not stop during cleanup")
		}
	})
	return ta
}

func (ta *testActor) call(t *testing.T, name string, params []byte) actor.CallFunctionResult {
	t.Helper()
	resp := make(chan actor.CallFunctionResult, 1)
	ta.act.Operations() <- actor.CallFunction{Name: name, Params: params, Response: resp}
	select {
	case res := <-resp:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("call timed out")
		return actor.CallFunctionResult{}
	}
}

func (ta *testActor) control(t *testing.T, cmd func(chan<- error) actor.ControlCommand) error {
	t.Helper()
	resp := make(chan error, 1)
	ta.act.Control() <- cmd(resp)
	select {
	case err := <-resp:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("control command timed out")
		return nil
	}
}

func eventTypes(events []chain.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

func TestSetupFailureNeverReachesRunning(t *testing.T) {
	rt := memory.NewRuntime()
	act := actor.New(actor.Options{
		Manifest: manifest.Config{Name: "broken", Package: filepath.Join(t.TempDir(), "missing.ref")},
		Runtime:  rt,
		Handlers: handler.NewRegistry(),
		Resolver: resolver.New(nil),
	})
	err := act.Run(context.Background())
	require.Error(t, err)

	var setupErr *actorerrors.SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "resolve component", setupErr.Step)
	assert.Equal(t, phase.ShuttingDown, act.Store().Phase().Get())
	assert.Error(t, <-act.Ready())
}

func TestSetupRequiresInitExport(t *testing.T) {
	comp := memory.NewComponent("no-init").
		WithExport("ping", func(_ context.Context, state, params []byte) ([]byte, []byte, error) {
			return state, params, nil
		})
	rt := memory.NewRuntime()
	rt.Register("comp:no-init", comp)

	act := actor.New(actor.Options{
		Manifest: manifest.Config{Name: "no-init", Package: writeRef(t, "comp:no-init")},
		Runtime:  rt,
		Handlers: handler.NewRegistry(),
		Resolver: resolver.New(nil),
	})
	err := act.Run(context.Background())
	var setupErr *actorerrors.SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "register exports", setupErr.Step)
}

func TestCallFunctionEcho(t *testing.T) {
	ta := startActor(t, echoComponent(), nil)

	res := ta.call(t, "ping", []byte("hi"))
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("hi"), res.Result)
	assert.Equal(t, phase.Running, ta.act.Store().Phase().Get())

	types := eventTypes(ta.act.Store().Chain().Events())
	assert.Contains(t, types, "wasm.WasmCall")
	assert.Contains(t, types, "wasm.WasmResult")
	assert.True(t, ta.act.Store().Chain().Verify())
}

func TestCallFunctionErrorPausesActor(t *testing.T) {
	ta := startActor(t, echoComponent(), nil)

	res := ta.call(t, "crash", nil)
	require.Error(t, res.Err)
	var actorErr *actorerrors.ActorError
	require.ErrorAs(t, res.Err, &actorErr)
	assert.Equal(t, actorerrors.KindInternal, actorErr.Kind)
	assert.NotEmpty(t, actorErr.EventHash)

	last, ok := ta.act.Store().Chain().LastEvent()
	require.True(t, ok)
	assert.Equal(t, "wasm.WasmError", last.EventType)
	assert.Equal(t, phase.Paused, ta.act.Store().Phase().Get())

	// Resume brings the actor back; the next call is processed normally.
	require.NoError(t, ta.control(t, func(resp chan<- error) actor.ControlCommand { return actor.Resume{Response: resp} }))
	res = ta.call(t, "ping", []byte("back"))
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("back"), res.Result)
}

func TestCallFunctionNotFound(t *testing.T) {
	ta := startActor(t, echoComponent(), nil)

	res := ta.call(t, "no-such-export", nil)
	var actorErr *actorerrors.ActorError
	require.ErrorAs(t, res.Err, &actorErr)
	assert.Equal(t, actorerrors.KindFunctionNotFound, actorErr.Kind)
	// A caller mistake does not pause the actor.
	assert.Equal(t, phase.Running, ta.act.Store().Phase().Get())
}

func TestPauseAndResume(t *testing.T) {
	ta := startActor(t, echoComponent(), nil)

	require.Error(t, ta.control(t, func(resp chan<- error) actor.ControlCommand { return actor.Resume{Response: resp} }))

	require.NoError(t, ta.control(t, func(resp chan<- error) actor.ControlCommand { return actor.Pause{Response: resp} }))
	assert.Equal(t, phase.Paused, ta.act.Store().Phase().Get())

	require.NoError(t, ta.control(t, func(resp chan<- error) actor.ControlCommand { return actor.Resume{Response: resp} }))
	assert.Equal(t, phase.Running, ta.act.Store().Phase().Get())
}

func TestResumeWhileRunningIsNotPaused(t *testing.T) {
	ta := startActor(t, echoComponent(), nil)

	err := ta.control(t, func(resp chan<- error) actor.ControlCommand { return actor.Resume{Response: resp} })
	var actorErr *actorerrors.ActorError
	require.ErrorAs(t, err, &actorErr)
	assert.Equal(t, actorerrors.KindNotPaused, actorErr.Kind)
}

func TestOperationTimeoutPauses(t *testing.T) {
	slow := memory.NewComponent("slow").
		WithExport("init", func(_ context.Context, state, _ []byte) ([]byte, []byte, error) {
			return state, nil, nil
		}).
		WithExport("hang", func(ctx context.Context, _, _ []byte) ([]byte, []byte, error) {
			select {
			case <-time.After(10 * time.Second):
				return nil, nil, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		})

	ta := startActor(t, slow, func(o *actor.Options) {
		o.OperationTimeout = 50 * time.Millisecond
	})

	res := ta.call(t, "hang", nil)
	var actorErr *actorerrors.ActorError
	require.ErrorAs(t, res.Err, &actorErr)
	assert.Equal(t, actorerrors.KindOperationTimeout, actorErr.Kind)
	assert.Equal(t, phase.Paused, ta.act.Store().Phase().Get())
}

func TestInfoLoopQueries(t *testing.T) {
	home := t.TempDir()
	ta := startActor(t, counterComponent(), func(o *actor.Options) {
		o.ChainPersister = fs.NewChainStore(home)
	})

	require.NoError(t, ta.call(t, "inc", nil).Err)

	status := make(chan phase.Phase, 1)
	ta.act.Info() <- actor.GetStatus{Response: status}
	assert.Equal(t, phase.Running, <-status)

	state := make(chan []byte, 1)
	ta.act.Info() <- actor.GetState{Response: state}
	assert.Equal(t, []byte("1"), <-state)

	events := make(chan []chain.Event, 1)
	ta.act.Info() <- actor.GetChain{Response: events}
	assert.NotEmpty(t, <-events)

	metrics := make(chan actor.MetricsSnapshot, 1)
	ta.act.Info() <- actor.GetMetrics{Response: metrics}
	snapshot := <-metrics
	assert.NotEmpty(t, snapshot)

	saved := make(chan error, 1)
	ta.act.Info() <- actor.SaveChain{Response: saved}
	require.NoError(t, <-saved)

	loaded, err := fs.NewChainStore(home).Load(nil, ta.act.ID())
	require.NoError(t, err)
	assert.Equal(t, ta.act.Store().Chain().Len(), loaded.Len())
	assert.True(t, loaded.Verify())
}

func TestInitialStateOverride(t *testing.T) {
	keeper := memory.NewComponent("keeper").
		WithExport("init", func(_ context.Context, state, _ []byte) ([]byte, []byte, error) {
			return state, nil, nil
		}).
		WithExport("get", func(_ context.Context, state, _ []byte) ([]byte, []byte, error) {
			return state, state, nil
		})

	ta := startActor(t, keeper, func(o *actor.Options) {
		o.Manifest.InitialState = []byte("from-manifest")
		o.InitialState = []byte("from-spawn")
	})

	res := ta.call(t, "get", nil)
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("from-spawn"), res.Result)
}

func TestShutdownJoinsAndSignalsGraceful(t *testing.T) {
	ta := startActor(t, echoComponent(), nil)

	resp := make(chan error, 1)
	ta.act.Control() <- actor.Shutdown{Response: resp}
	require.NoError(t, <-resp)

	select {
	case <-ta.done:
		require.NoError(t, ta.runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not stop")
	}
	assert.Equal(t, phase.ShuttingDown, ta.act.Store().Phase().Get())
}

func TestReplayReachesSameTerminalState(t *testing.T) {
	original := startActor(t, counterComponent(), nil)
	for range 3 {
		require.NoError(t, original.call(t, "inc", nil).Err)
	}
	recorded := original.act.Store().Chain().Events()
	finalState := original.act.Store().State()
	require.Equal(t, []byte("3"), finalState)

	rt := memory.NewRuntime()
	rt.Register("comp:counter", counterComponent())
	replayed := actor.New(actor.Options{
		Manifest: manifest.Config{Name: "counter", Package: writeRef(t, "comp:counter")},
		Runtime:  rt,
		Handlers: handler.NewRegistry(),
		Resolver: resolver.New(nil),
		Replay:   &actor.ReplaySpec{Events: recorded},
	})
	done := make(chan error, 1)
	go func() { done <- replayed.Run(context.Background()) }()
	require.NoError(t, <-replayed.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, replayed.ReplayChain(ctx, recorded))
	assert.Equal(t, finalState, replayed.Store().State())

	resp := make(chan error, 1)
	replayed.Control() <- actor.Shutdown{Response: resp}
	<-resp
	<-done
}

func TestCollectorAggregates(t *testing.T) {
	c := actor.NewCollector(nil)
	c.RecordTimer("theater.operation.call_export.duration", 10*time.Millisecond, "function", "ping")
	c.RecordTimer("theater.operation.call_export.duration", 30*time.Millisecond, "function", "ping")
	c.IncCounter("theater.host_call.error", 1, "capability", "timing", "operation", "sleep")

	snapshot := c.Snapshot()
	stats := snapshot["theater.operation.call_export.duration:ping"]
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, 40*time.Millisecond, stats.Total)
	assert.Equal(t, 30*time.Millisecond, stats.Max)

	errStats := snapshot["theater.host_call.error:timing:sleep"]
	assert.Equal(t, int64(1), errStats.Errors)
}
