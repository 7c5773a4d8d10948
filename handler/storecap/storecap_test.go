package storecap_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/contentstore/fs"
	"github.com/theater-run/theater/handler/storecap"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/manifest"
	"github.com/theater-run/theater/recorder"
	"github.com/theater-run/theater/sandbox"
)

type stubHandle struct {
	actorID id.ActorID
	sb      *sandbox.Wrapper
	rec     *recorder.Recorder
	gate    *recorder.PermissionGate
	c       *chain.Chain
}

func (s *stubHandle) ActorID() id.ActorID            { return s.actorID }
func (s *stubHandle) Sandbox() *sandbox.Wrapper      { return s.sb }
func (s *stubHandle) Recorder() *recorder.Recorder   { return s.rec }
func (s *stubHandle) Gate() *recorder.PermissionGate { return s.gate }
func (s *stubHandle) Chain() *chain.Chain            { return s.c }

type testLinker struct {
	funcs map[string]sandbox.HostFunc
}

func (l *testLinker) DefineFunc(module, name string, fn sandbox.HostFunc) error {
	l.funcs[module+"."+name] = fn
	return nil
}

func (l *testLinker) call(t *testing.T, name string, params any) ([]byte, error) {
	t.Helper()
	encoded, err := json.Marshal(params)
	require.NoError(t, err)
	return l.funcs[storecap.Capability+"."+name](context.Background(), encoded)
}

func setup(t *testing.T) *testLinker {
	t.Helper()
	h, err := storecap.Builder(fs.New(t.TempDir())).New(nil)
	require.NoError(t, err)

	actorID := id.NewActorID()
	c := chain.New(actorID, nil)
	stub := &stubHandle{
		actorID: actorID,
		sb:      sandbox.NewWrapper(),
		rec:     recorder.New(c, nil, nil),
		gate: recorder.NewPermissionGate(manifest.Permissions{
			storecap.Capability: {Allow: []string{"put", "get", "put-label", "resolve-label"}},
		}),
		c: c,
	}
	linker := &testLinker{funcs: make(map[string]sandbox.HostFunc)}
	require.NoError(t, h.SetupImports(context.Background(), stub, linker))
	return linker
}

func TestPutGetRoundTrip(t *testing.T) {
	linker := setup(t)

	putResult, err := linker.call(t, "put", storecap.PutParams{Content: []byte("blob")})
	require.NoError(t, err)
	var ref storecap.RefResult
	require.NoError(t, json.Unmarshal(putResult, &ref))
	require.NotEmpty(t, ref.Hash)

	data, err := linker.call(t, "get", storecap.GetParams{Hash: ref.Hash})
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)
}

func TestLabelRoundTrip(t *testing.T) {
	linker := setup(t)

	putResult, err := linker.call(t, "put", storecap.PutParams{Content: []byte("labelled")})
	require.NoError(t, err)
	var ref storecap.RefResult
	require.NoError(t, json.Unmarshal(putResult, &ref))

	_, err = linker.call(t, "put-label", storecap.LabelParams{Label: "latest", Hash: ref.Hash})
	require.NoError(t, err)

	resolved, err := linker.call(t, "resolve-label", storecap.LabelParams{Label: "latest"})
	require.NoError(t, err)
	var got storecap.RefResult
	require.NoError(t, json.Unmarshal(resolved, &got))
	assert.Equal(t, ref.Hash, got.Hash)
}

func TestGetMissingBlobFails(t *testing.T) {
	linker := setup(t)
	_, err := linker.call(t, "get", storecap.GetParams{Hash: "deadbeef"})
	assert.Error(t, err)
}

func TestBuilderRequiresStore(t *testing.T) {
	_, err := storecap.Builder(nil).New(nil)
	assert.Error(t, err)
}
