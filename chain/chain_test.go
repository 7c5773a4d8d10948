package chain_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
)

func TestEmptyChainVerifies(t *testing.T) {
	c := chain.New(id.NewActorID(), nil)
	assert.True(t, c.Verify())
	assert.Nil(t, c.CurrentHash())
}

func TestAppendLinksAndVerifies(t *testing.T) {
	ctx := context.Background()
	c := chain.New(id.NewActorID(), nil)

	first, err := c.Append(ctx, chain.Data{EventType: "wasm.WasmCall", Data: []byte("hi")})
	require.NoError(t, err)
	assert.Nil(t, first.ParentHash)

	second, err := c.Append(ctx, chain.Data{EventType: "wasm.WasmResult", Data: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.ParentHash)

	assert.True(t, c.Verify())
	assert.Equal(t, second.Hash, c.CurrentHash())
	assert.Len(t, c.Events(), 2)
}

func TestVerifyDetectsTamperedData(t *testing.T) {
	ctx := context.Background()
	c := chain.New(id.NewActorID(), nil)
	_, err := c.Append(ctx, chain.Data{EventType: "wasm.WasmCall", Data: []byte("original")})
	require.NoError(t, err)

	events := c.Events()
	events[0].Data = []byte("tampered")
	tampered := chain.FromEvents(id.NewActorID(), nil, events)
	assert.False(t, tampered.Verify())
}

func TestVerifyDetectsBrokenParentLink(t *testing.T) {
	ctx := context.Background()
	c := chain.New(id.NewActorID(), nil)
	_, err := c.Append(ctx, chain.Data{EventType: "a", Data: []byte("1")})
	require.NoError(t, err)
	_, err = c.Append(ctx, chain.Data{EventType: "b", Data: []byte("2")})
	require.NoError(t, err)

	events := c.Events()
	events[1].ParentHash = []byte("not the real parent")
	tampered := chain.FromEvents(id.NewActorID(), nil, events)
	assert.False(t, tampered.Verify())
}

// TestPropertyFlippingAnyByteBreaksVerify checks that for every non-empty
// chain, Verify() returns true, and mutating any single byte of any event's
// serialized data causes Verify() to return false.
func TestPropertyFlippingAnyByteBreaksVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("random chains verify, and any single-byte flip breaks verification", prop.ForAll(
		func(payloads []string) bool {
			if len(payloads) == 0 {
				return true
			}
			ctx := context.Background()
			c := chain.New(id.NewActorID(), nil)
			for i, p := range payloads {
				if _, err := c.Append(ctx, chain.Data{EventType: "t", Data: []byte(p)}); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}
			if !c.Verify() {
				return false
			}

			events := c.Events()
			target := len(events) / 2
			if len(events[target].Data) == 0 {
				events[target].Data = []byte{0}
			} else {
				events[target].Data[0] ^= 0xFF
			}
			tampered := chain.FromEvents(id.NewActorID(), nil, events)
			return !tampered.Verify()
		},
		gen.SliceOfN(5, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
