package fs_test

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/contentstore"
	"github.com/theater-run/theater/contentstore/fs"
	"github.com/theater-run/theater/id"
)

func TestStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := fs.New(t.TempDir())

	ref, err := store.Put(ctx, "wasm_component", []byte("component bytes"))
	require.NoError(t, err)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("component bytes"), data)
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	store := fs.New(t.TempDir())
	_, err := store.Get(context.Background(), contentstore.ContentRef{StoreID: "s", Hash: "deadbeef"})
	assert.ErrorIs(t, err, contentstore.ErrNotFound)
}

func TestLabelResolvesToLatestWrite(t *testing.T) {
	ctx := context.Background()
	store := fs.New(t.TempDir())

	refA, err := store.Put(ctx, "s", []byte("v1"))
	require.NoError(t, err)
	refB, err := store.Put(ctx, "s", []byte("v2"))
	require.NoError(t, err)

	require.NoError(t, store.PutLabel(ctx, "s", "latest", refA))
	require.NoError(t, store.PutLabel(ctx, "s", "latest", refB))

	resolved, err := store.ResolveLabel(ctx, "s", "latest")
	require.NoError(t, err)
	assert.Equal(t, refB, resolved)
}

func TestChainStorePersistAndLoad(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	actorID := id.NewActorID()

	c := chain.New(actorID, nil)
	_, err := c.Append(ctx, chain.Data{EventType: "wasm.WasmCall", Data: []byte("params")})
	require.NoError(t, err)
	_, err = c.Append(ctx, chain.Data{EventType: "wasm.WasmResult", Data: []byte("result")})
	require.NoError(t, err)

	chainStore := fs.NewChainStore(home)
	require.NoError(t, chainStore.Persist(c))

	loaded, err := chainStore.Load(nil, actorID)
	require.NoError(t, err)
	assert.True(t, loaded.Verify())
	assert.Equal(t, c.Events(), loaded.Events())
	assert.Equal(t, c.CurrentHash(), loaded.CurrentHash())
}

func TestChainStoreLoadMissingActorReturnsEmptyChain(t *testing.T) {
	chainStore := fs.NewChainStore(t.TempDir())
	loaded, err := chainStore.Load(nil, id.NewActorID())
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
	assert.True(t, loaded.Verify())
}

func TestChainStoreTamperedEventFailsVerify(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	actorID := id.NewActorID()

	c := chain.New(actorID, nil)
	for _, payload := range []string{"1", "2", "3"} {
		_, err := c.Append(ctx, chain.Data{EventType: "t", Data: []byte(payload)})
		require.NoError(t, err)
	}

	chainStore := fs.NewChainStore(home)
	require.NoError(t, chainStore.Persist(c))

	// Flip one byte of the middle event's stored file.
	middle := c.Events()[1].Hash
	eventPath := filepath.Join(home, "events", hex.EncodeToString(middle))
	raw, err := os.ReadFile(eventPath)
	require.NoError(t, err)
	// The file's midpoint falls inside the base64 parent_hash value. The
	// flip either makes the file fail to decode (the walk stops after the
	// head event) or changes the stored parent link; either way the
	// recovered chain no longer verifies.
	idx := len(raw) / 2
	raw[idx] ^= 0x01
	require.NoError(t, os.WriteFile(eventPath, raw, 0o644))

	loaded, err := chainStore.Load(nil, actorID)
	require.NoError(t, err)
	assert.False(t, loaded.Verify())
	assert.LessOrEqual(t, loaded.Len(), 3)
}

func TestChainStoreLoadTerminatesAtBrokenLink(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	actorID := id.NewActorID()

	c := chain.New(actorID, nil)
	_, err := c.Append(ctx, chain.Data{EventType: "a", Data: []byte("1")})
	require.NoError(t, err)
	_, err = c.Append(ctx, chain.Data{EventType: "b", Data: []byte("2")})
	require.NoError(t, err)
	_, err = c.Append(ctx, chain.Data{EventType: "c", Data: []byte("3")})
	require.NoError(t, err)

	chainStore := fs.NewChainStore(home)
	require.NoError(t, chainStore.Persist(c))

	// Simulate corruption: delete the middle event's file.
	events := c.Events()
	middle := events[1].Hash
	eventPath := filepath.Join(home, "events", hex.EncodeToString(middle))
	require.NoError(t, os.Remove(eventPath))

	loaded, err := chainStore.Load(nil, actorID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len(), "walk should stop at the last readable event")
}
