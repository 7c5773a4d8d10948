// Package process implements the process capability: spawning external
// commands on the actor's behalf. Only binaries named in the handler's
// manifest options may run, and each run is bounded by a timeout.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under.
const Capability = "process"

const defaultRunTimeout = 60 * time.Second

type (
	// SpawnParams is the wire shape of os-spawn's input.
	SpawnParams struct {
		Command string   `json:"command"`
		Args    []string `json:"args,omitempty"`
		Stdin   []byte   `json:"stdin,omitempty"`
	}

	// SpawnResult is the wire shape of os-spawn's output.
	SpawnResult struct {
		ExitCode int    `json:"exit_code"`
		Stdout   []byte `json:"stdout,omitempty"`
		Stderr   []byte `json:"stderr,omitempty"`
	}

	// Options lists the binaries the actor may spawn. Required and
	// non-empty; a process capability with nothing allowed is a manifest
	// mistake worth failing loudly on.
	Options struct {
		AllowCommands []string `json:"allow_commands"`
		TimeoutMillis int64    `json:"timeout_millis,omitempty"`
	}

	// Handler implements handler.Handler for the process capability.
	Handler struct {
		allow   map[string]bool
		timeout time.Duration
	}
)

// OptionsSchema validates the handler's manifest options.
const OptionsSchema = `{
	"type": "object",
	"properties": {
		"allow_commands": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"timeout_millis": {"type": "integer", "minimum": 0}
	},
	"required": ["allow_commands"],
	"additionalProperties": false
}`

// Builder returns the handler.Builder registered under Capability.
func Builder() handler.Builder {
	return handler.Builder{
		OptionsSchema: []byte(OptionsSchema),
		New: func(options []byte) (handler.Handler, error) {
			var opts Options
			if err := json.Unmarshal(options, &opts); err != nil {
				return nil, fmt.Errorf("process: decode options: %w", err)
			}
			allow := make(map[string]bool, len(opts.AllowCommands))
			for _, cmd := range opts.AllowCommands {
				allow[cmd] = true
			}
			timeout := defaultRunTimeout
			if opts.TimeoutMillis > 0 {
				timeout = time.Duration(opts.TimeoutMillis) * time.Millisecond
			}
			return &Handler{allow: allow, timeout: timeout}, nil
		},
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string { return []string{Capability + ".os-spawn"} }

func (h *Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	return linker.DefineFunc(Capability, "os-spawn", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "os-spawn", params, h.spawn)
	})
}

func (h *Handler) spawn(ctx context.Context, params []byte) ([]byte, error) {
	var p SpawnParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("os-spawn: decode params: %w", err)
	}
	if !h.allow[p.Command] {
		return nil, fmt.Errorf("os-spawn %s: command not in allowlist", p.Command)
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.Command, p.Args...)
	if len(p.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(p.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("os-spawn %s: %w", p.Command, err)
		}
		exitCode = exitErr.ExitCode()
	}
	return json.Marshal(SpawnResult{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()})
}

func (*Handler) Exports() []string { return nil }

func (*Handler) RegisterExports(context.Context, handler.ActorHandle, sandbox.Instance) error {
	return nil
}

func (*Handler) Start(context.Context, handler.ActorHandle, *shutdownctl.Controller) error {
	return nil
}

var _ handler.Handler = (*Handler)(nil)
