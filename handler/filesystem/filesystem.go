// Package filesystem implements the filesystem capability: reads, writes,
// listings, and deletions confined to a root directory declared in the
// handler's manifest options. Path traversal out of the root is rejected
// before any I/O happens.
package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under.
const Capability = "filesystem"

type (
	// PathParams is the wire shape of read-file, list-dir, and delete-file
	// inputs.
	PathParams struct {
		Path string `json:"path"`
	}

	// WriteParams is the wire shape of write-file's input.
	WriteParams struct {
		Path string `json:"path"`
		Data []byte `json:"data,omitempty"`
	}

	// ListResult is the wire shape of list-dir's output.
	ListResult struct {
		Entries []string `json:"entries"`
	}

	// Options configures the handler: Root confines every path; required.
	Options struct {
		Root string `json:"root"`
	}

	// Handler implements handler.Handler for the filesystem capability.
	Handler struct {
		root string
	}
)

// OptionsSchema validates the handler's manifest options.
const OptionsSchema = `{
	"type": "object",
	"properties": {
		"root": {"type": "string", "minLength": 1}
	},
	"required": ["root"],
	"additionalProperties": false
}`

// Builder returns the handler.Builder registered under Capability.
func Builder() handler.Builder {
	return handler.Builder{
		OptionsSchema: []byte(OptionsSchema),
		New: func(options []byte) (handler.Handler, error) {
			var opts Options
			if err := json.Unmarshal(options, &opts); err != nil {
				return nil, fmt.Errorf("filesystem: decode options: %w", err)
			}
			root, err := filepath.Abs(opts.Root)
			if err != nil {
				return nil, fmt.Errorf("filesystem: resolve root %q: %w", opts.Root, err)
			}
			return &Handler{root: root}, nil
		},
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string {
	return []string{
		Capability + ".read-file",
		Capability + ".write-file",
		Capability + ".list-dir",
		Capability + ".delete-file",
	}
}

// resolve joins rel onto the root and rejects any result that escapes it.
func (h *Handler) resolve(rel string) (string, error) {
	full := filepath.Join(h.root, rel)
	if full != h.root && !strings.HasPrefix(full, h.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the configured root", rel)
	}
	return full, nil
}

func (h *Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	define := func(op string, impl func(ctx context.Context, params []byte) ([]byte, error)) error {
		return linker.DefineFunc(Capability, op, func(ctx context.Context, params []byte) ([]byte, error) {
			return a.Recorder().Call(ctx, a.Gate(), Capability, op, params, impl)
		})
	}

	if err := define("read-file", func(_ context.Context, params []byte) ([]byte, error) {
		var p PathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("read-file: decode params: %w", err)
		}
		full, err := h.resolve(p.Path)
		if err != nil {
			return nil, fmt.Errorf("read-file %s: %w", p.Path, err)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read-file %s: %w", p.Path, err)
		}
		return data, nil
	}); err != nil {
		return err
	}

	if err := define("write-file", func(_ context.Context, params []byte) ([]byte, error) {
		var p WriteParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("write-file: decode params: %w", err)
		}
		full, err := h.resolve(p.Path)
		if err != nil {
			return nil, fmt.Errorf("write-file %s: %w", p.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("write-file %s: %w", p.Path, err)
		}
		if err := os.WriteFile(full, p.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write-file %s: %w", p.Path, err)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := define("list-dir", func(_ context.Context, params []byte) ([]byte, error) {
		var p PathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("list-dir: decode params: %w", err)
		}
		full, err := h.resolve(p.Path)
		if err != nil {
			return nil, fmt.Errorf("list-dir %s: %w", p.Path, err)
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, fmt.Errorf("list-dir %s: %w", p.Path, err)
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		return json.Marshal(ListResult{Entries: names})
	}); err != nil {
		return err
	}

	return define("delete-file", func(_ context.Context, params []byte) ([]byte, error) {
		var p PathParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("delete-file: decode params: %w", err)
		}
		full, err := h.resolve(p.Path)
		if err != nil {
			return nil, fmt.Errorf("delete-file %s: %w", p.Path, err)
		}
		if err := os.Remove(full); err != nil {
			return nil, fmt.Errorf("delete-file %s: %w", p.Path, err)
		}
		return nil, nil
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
