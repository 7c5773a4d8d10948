package recorder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/manifest"
	"github.com/theater-run/theater/recorder"
)

func newGate(t *testing.T, allow ...string) *recorder.PermissionGate {
	t.Helper()
	return recorder.NewPermissionGate(manifest.Permissions{
		"http": {Allow: allow},
	})
}

func TestRecorder_CallRecordsCallAndResult(t *testing.T) {
	c := chain.New(id.NewActorID(), nil)
	r := recorder.New(c, nil, nil)
	gate := newGate(t, "get")

	result, err := r.Call(context.Background(), gate, "http", "get", []byte("req"), func(_ context.Context, params []byte) ([]byte, error) {
		assert.Equal(t, []byte("req"), params)
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)

	events := c.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "theater:simple/http/get.Call", events[0].EventType)
	assert.Equal(t, "theater:simple/http/get.Result", events[1].EventType)
	assert.True(t, c.Verify())
}

func TestRecorder_CallRecordsError(t *testing.T) {
	c := chain.New(id.NewActorID(), nil)
	r := recorder.New(c, nil, nil)
	gate := newGate(t, "get")

	_, err := r.Call(context.Background(), gate, "http", "get", nil, func(context.Context, []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)

	events := c.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "theater:simple/http/get.Call", events[0].EventType)
	assert.Equal(t, "theater:simple/http/get.Error", events[1].EventType)
}

func TestRecorder_CallDeniedByGate(t *testing.T) {
	c := chain.New(id.NewActorID(), nil)
	r := recorder.New(c, nil, nil)
	gate := newGate(t, "get")

	called := false
	_, err := r.Call(context.Background(), gate, "http", "post", nil, func(context.Context, []byte) ([]byte, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called, "denied capability must never invoke the host function")

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "theater:simple/http/post.PermissionDenied", events[0].EventType)
}

func TestRecorder_WasmCallResultError(t *testing.T) {
	c := chain.New(id.NewActorID(), nil)
	r := recorder.New(c, nil, nil)

	r.WasmCall(context.Background(), "handle-message", []byte("p"))
	r.WasmResult(context.Background(), "handle-message", []byte("new-state"), []byte("res"))
	r.WasmError(context.Background(), "handle-message", assert.AnError)

	events := c.Events()
	require.Len(t, events, 3)

	fn, params, _, _, _, err := recorder.DecodeWasmEvent(events[0])
	require.NoError(t, err)
	assert.Equal(t, "handle-message", fn)
	assert.Equal(t, []byte("p"), params)

	fn, _, state, result, _, err := recorder.DecodeWasmEvent(events[1])
	require.NoError(t, err)
	assert.Equal(t, "handle-message", fn)
	assert.Equal(t, []byte("new-state"), state)
	assert.Equal(t, []byte("res"), result)

	fn, _, _, _, errMsg, err := recorder.DecodeWasmEvent(events[2])
	require.NoError(t, err)
	assert.Equal(t, "handle-message", fn)
	assert.NotEmpty(t, errMsg)
}

func TestRecorder_ReplayAnswersFromRecordedChain(t *testing.T) {
	c := chain.New(id.NewActorID(), nil)
	r := recorder.New(c, nil, nil)
	gate := newGate(t, "get")

	_, err := r.Call(context.Background(), gate, "http", "get", []byte("req-1"), func(context.Context, []byte) ([]byte, error) {
		return []byte("result-1"), nil
	})
	require.NoError(t, err)

	src := recorder.NewReplaySource(c.Events())
	replayChain := chain.New(c.ActorID(), nil)
	replayRecorder := recorder.New(replayChain, nil, nil).WithReplay(src)

	calledRealFn := false
	result, err := replayRecorder.Call(context.Background(), gate, "http", "get", []byte("req-1"), func(context.Context, []byte) ([]byte, error) {
		calledRealFn = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, calledRealFn, "replay must never invoke the real host function")
	assert.Equal(t, []byte("result-1"), result)
}

func TestPermissionGate_RateLimitExhaustedSurfacesContextError(t *testing.T) {
	gate := recorder.NewPermissionGate(manifest.Permissions{
		"http": {Allow: []string{"get"}, RatePerSec: 0.001, BurstSize: 1},
	})

	require.NoError(t, gate.Wait(context.Background(), "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	err := gate.Wait(ctx, "http")
	require.Error(t, err)
}

func TestPermissionGate_NoRateLimitConfiguredNeverBlocks(t *testing.T) {
	gate := recorder.NewPermissionGate(manifest.Permissions{
		"http": {Allow: []string{"get"}},
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, gate.Wait(context.Background(), "http"))
	}
}
