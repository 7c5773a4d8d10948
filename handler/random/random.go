// Package random implements the random capability. Randomness drawn here is
// recorded on the chain like any other host call, which is what makes a
// replay of the actor deterministic: the replayed run reads the recorded
// bytes instead of drawing fresh ones.
package random

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under.
const Capability = "random"

// maxRequestBytes bounds a single random-bytes draw.
const maxRequestBytes = 1 << 20

type (
	// BytesParams is the wire shape of random-bytes' input.
	BytesParams struct {
		Length int `json:"length"`
	}

	// RangeParams is the wire shape of random-range's input: a draw from
	// [min, max).
	RangeParams struct {
		Min int64 `json:"min"`
		Max int64 `json:"max"`
	}

	// RangeResult is the wire shape of random-range's output.
	RangeResult struct {
		Value int64 `json:"value"`
	}

	// Handler implements handler.Handler for the random capability.
	Handler struct{}
)

// Builder returns the handler.Builder registered under Capability.
func Builder() handler.Builder {
	return handler.Builder{
		New: func([]byte) (handler.Handler, error) { return &Handler{}, nil },
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string {
	return []string{Capability + ".random-bytes", Capability + ".random-range"}
}

func (*Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	if err := linker.DefineFunc(Capability, "random-bytes", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "random-bytes", params, func(_ context.Context, params []byte) ([]byte, error) {
			var p BytesParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("random-bytes: decode params: %w", err)
			}
			if p.Length < 0 || p.Length > maxRequestBytes {
				return nil, fmt.Errorf("random-bytes %d: length out of range", p.Length)
			}
			out := make([]byte, p.Length)
			if _, err := rand.Read(out); err != nil {
				return nil, fmt.Errorf("random-bytes: %w", err)
			}
			return out, nil
		})
	}); err != nil {
		return err
	}

	return linker.DefineFunc(Capability, "random-range", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "random-range", params, func(_ context.Context, params []byte) ([]byte, error) {
			var p RangeParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("random-range: decode params: %w", err)
			}
			if p.Max <= p.Min {
				return nil, fmt.Errorf("random-range [%d, %d): empty range", p.Min, p.Max)
			}
			n, err := rand.Int(rand.Reader, big.NewInt(p.Max-p.Min))
			if err != nil {
				return nil, fmt.Errorf("random-range: %w", err)
			}
			return json.Marshal(RangeResult{Value: p.Min + n.Int64()})
		})
	})
}

func (*Handler) Exports() []string { return nil }

func (*Handler) RegisterExports(context.Context, handler.ActorHandle, sandbox.Instance) error {
	return nil
}

func (*Handler) Start(context.Context, handler.ActorHandle, *shutdownctl.Controller) error {
	return nil
}

var _ handler.Handler = (*Handler)(nil)
