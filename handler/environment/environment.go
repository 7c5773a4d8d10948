// Package environment implements the environment capability: reads of
// process environment variables, restricted to an allowlist declared in the
// handler's manifest options.
package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under.
const Capability = "environment"

type (
	// GetParams is the wire shape of get-var's input.
	GetParams struct {
		Name string `json:"name"`
	}

	// GetResult is the wire shape of get-var's output. Present
	// distinguishes an unset variable from one set to the empty string.
	GetResult struct {
		Value   string `json:"value"`
		Present bool   `json:"present"`
	}

	// Options lists the variables the actor may read. An empty list grants
	// nothing.
	Options struct {
		Allow []string `json:"allow,omitempty"`
	}

	// Handler implements handler.Handler for the environment capability.
	Handler struct {
		allow map[string]bool
	}
)

// OptionsSchema validates the handler's manifest options.
const OptionsSchema = `{
	"type": "object",
	"properties": {
		"allow": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

// Builder returns the handler.Builder registered under Capability.
func Builder() handler.Builder {
	return handler.Builder{
		OptionsSchema: []byte(OptionsSchema),
		New: func(options []byte) (handler.Handler, error) {
			var opts Options
			if len(options) > 0 {
				if err := json.Unmarshal(options, &opts); err != nil {
					return nil, fmt.Errorf("environment: decode options: %w", err)
				}
			}
			allow := make(map[string]bool, len(opts.Allow))
			for _, name := range opts.Allow {
				allow[name] = true
			}
			return &Handler{allow: allow}, nil
		},
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string { return []string{Capability + ".get-var"} }

func (h *Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	return linker.DefineFunc(Capability, "get-var", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "get-var", params, func(_ context.Context, params []byte) ([]byte, error) {
			var p GetParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("get-var: decode params: %w", err)
			}
			if !h.allow[p.Name] {
				return nil, fmt.Errorf("get-var %s: not in allowlist", p.Name)
			}
			value, present := os.LookupEnv(p.Name)
			return json.Marshal(GetResult{Value: value, Present: present})
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
