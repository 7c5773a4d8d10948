package filesystem_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/handler/filesystem"
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

func setup(t *testing.T) (*testLinker, string) {
	t.Helper()
	root := t.TempDir()
	h, err := filesystem.Builder().New([]byte(fmt.Sprintf(`{"root": %q}`, root)))
	require.NoError(t, err)

	actorID := id.NewActorID()
	c := chain.New(actorID, nil)
	stub := &stubHandle{
		actorID: actorID,
		sb:      sandbox.NewWrapper(),
		rec:     recorder.New(c, nil, nil),
		gate: recorder.NewPermissionGate(manifest.Permissions{
			filesystem.Capability: {Allow: []string{"read-file", "write-file", "list-dir", "delete-file"}},
		}),
		c: c,
	}
	linker := &testLinker{funcs: make(map[string]sandbox.HostFunc)}
	require.NoError(t, h.SetupImports(context.Background(), stub, linker))
	return linker, root
}

func (l *testLinker) call(t *testing.T, name string, params any) ([]byte, error) {
	t.Helper()
	encoded, err := json.Marshal(params)
	require.NoError(t, err)
	return l.funcs[filesystem.Capability+"."+name](context.Background(), encoded)
}

func TestWriteReadListDeleteRoundTrip(t *testing.T) {
	linker, _ := setup(t)

	_, err := linker.call(t, "write-file", filesystem.WriteParams{Path: "notes/a.txt", Data: []byte("contents")})
	require.NoError(t, err)

	data, err := linker.call(t, "read-file", filesystem.PathParams{Path: "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), data)

	listed, err := linker.call(t, "list-dir", filesystem.PathParams{Path: "notes"})
	require.NoError(t, err)
	var entries filesystem.ListResult
	require.NoError(t, json.Unmarshal(listed, &entries))
	assert.Equal(t, []string{"a.txt"}, entries.Entries)

	_, err = linker.call(t, "delete-file", filesystem.PathParams{Path: "notes/a.txt"})
	require.NoError(t, err)

	_, err = linker.call(t, "read-file", filesystem.PathParams{Path: "notes/a.txt"})
	assert.Error(t, err)
}

func TestPathEscapeRejected(t *testing.T) {
	linker, _ := setup(t)

	_, err := linker.call(t, "read-file", filesystem.PathParams{Path: "../outside.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the configured root")
}

func TestOptionsRequireRoot(t *testing.T) {
	b := filesystem.Builder()
	require.Error(t, manifest.ValidateOptions(b.OptionsSchema, []byte(`{}`)))
	require.NoError(t, manifest.ValidateOptions(b.OptionsSchema, []byte(`{"root": "/tmp/x"}`)))
}
