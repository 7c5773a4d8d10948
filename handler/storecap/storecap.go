// Package storecap implements the store capability: content-addressed blob
// and label operations against the runtime's content store, scoped to a
// per-actor store id so actors cannot read each other's blobs unless a
// manifest deliberately shares a store id.
package storecap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/theater-run/theater/contentstore"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under.
const Capability = "store"

type (
	// PutParams is the wire shape of put's input.
	PutParams struct {
		Content []byte `json:"content"`
	}

	// RefResult is the wire shape of put's and resolve-label's output.
	RefResult struct {
		Hash string `json:"hash"`
	}

	// GetParams is the wire shape of get's input.
	GetParams struct {
		Hash string `json:"hash"`
	}

	// LabelParams is the wire shape of put-label and resolve-label inputs.
	LabelParams struct {
		Label string `json:"label"`
		Hash  string `json:"hash,omitempty"`
	}

	// Options configures the handler. StoreID defaults to the actor's own
	// id, giving each actor a private namespace.
	Options struct {
		StoreID string `json:"store_id,omitempty"`
	}

	// Handler implements handler.Handler for the store capability.
	Handler struct {
		store   contentstore.Store
		storeID string
	}
)

// OptionsSchema validates the handler's manifest options.
const OptionsSchema = `{
	"type": "object",
	"properties": {
		"store_id": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// Builder returns the handler.Builder registered under Capability, closing
// over the process-wide content store.
func Builder(store contentstore.Store) handler.Builder {
	return handler.Builder{
		OptionsSchema: []byte(OptionsSchema),
		New: func(options []byte) (handler.Handler, error) {
			if store == nil {
				return nil, fmt.Errorf("storecap: content store is required")
			}
			var opts Options
			if len(options) > 0 {
				if err := json.Unmarshal(options, &opts); err != nil {
					return nil, fmt.Errorf("storecap: decode options: %w", err)
				}
			}
			return &Handler{store: store, storeID: opts.StoreID}, nil
		},
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string {
	return []string{
		Capability + ".put",
		Capability + ".get",
		Capability + ".put-label",
		Capability + ".resolve-label",
	}
}

func (h *Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	storeID := h.storeID
	if storeID == "" {
		storeID = a.ActorID().String()
	}

	define := func(op string, impl func(ctx context.Context, params []byte) ([]byte, error)) error {
		return linker.DefineFunc(Capability, op, func(ctx context.Context, params []byte) ([]byte, error) {
			return a.Recorder().Call(ctx, a.Gate(), Capability, op, params, impl)
		})
	}

	if err := define("put", func(ctx context.Context, params []byte) ([]byte, error) {
		var p PutParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("put: decode params: %w", err)
		}
		ref, err := h.store.Put(ctx, storeID, p.Content)
		if err != nil {
			return nil, fmt.Errorf("put: %w", err)
		}
		return json.Marshal(RefResult{Hash: ref.Hash})
	}); err != nil {
		return err
	}

	if err := define("get", func(ctx context.Context, params []byte) ([]byte, error) {
		var p GetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("get: decode params: %w", err)
		}
		data, err := h.store.Get(ctx, contentstore.ContentRef{StoreID: storeID, Hash: p.Hash})
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", p.Hash, err)
		}
		return data, nil
	}); err != nil {
		return err
	}

	if err := define("put-label", func(ctx context.Context, params []byte) ([]byte, error) {
		var p LabelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("put-label: decode params: %w", err)
		}
		ref := contentstore.ContentRef{StoreID: storeID, Hash: p.Hash}
		if err := h.store.PutLabel(ctx, storeID, p.Label, ref); err != nil {
			return nil, fmt.Errorf("put-label %s: %w", p.Label, err)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	return define("resolve-label", func(ctx context.Context, params []byte) ([]byte, error) {
		var p LabelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("resolve-label: decode params: %w", err)
		}
		ref, err := h.store.ResolveLabel(ctx, storeID, p.Label)
		if err != nil {
			return nil, fmt.Errorf("resolve-label %s: %w", p.Label, err)
		}
		return json.Marshal(RefResult{Hash: ref.Hash})
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
