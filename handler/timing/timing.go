// Package timing implements the timing capability: wall-clock reads and
// sleeps. Sleep is a suspension point that wakes early on shutdown so a
// sleeping actor never delays teardown.
package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under.
const Capability = "timing"

type (
	// NowResult is the wire shape of now's output.
	NowResult struct {
		UnixMillis int64 `json:"unix_millis"`
	}

	// SleepParams is the wire shape of sleep's input.
	SleepParams struct {
		Millis int64 `json:"millis"`
	}

	// Options bounds sleep durations; zero means no bound.
	Options struct {
		MaxSleepMillis int64 `json:"max_sleep_millis,omitempty"`
	}

	// Handler implements handler.Handler for the timing capability.
	Handler struct {
		opts Options
	}
)

// OptionsSchema validates the handler's manifest options.
const OptionsSchema = `{
	"type": "object",
	"properties": {
		"max_sleep_millis": {"type": "integer", "minimum": 0}
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
					return nil, fmt.Errorf("timing: decode options: %w", err)
				}
			}
			return &Handler{opts: opts}, nil
		},
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string {
	return []string{Capability + ".now", Capability + ".sleep"}
}

func (h *Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	if err := linker.DefineFunc(Capability, "now", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "now", params, func(context.Context, []byte) ([]byte, error) {
			return json.Marshal(NowResult{UnixMillis: time.Now().UnixMilli()})
		})
	}); err != nil {
		return err
	}

	return linker.DefineFunc(Capability, "sleep", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "sleep", params, func(ctx context.Context, params []byte) ([]byte, error) {
			var p SleepParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("sleep: decode params: %w", err)
			}
			if p.Millis < 0 {
				return nil, fmt.Errorf("sleep %d: negative duration", p.Millis)
			}
			if h.opts.MaxSleepMillis > 0 && p.Millis > h.opts.MaxSleepMillis {
				return nil, fmt.Errorf("sleep %d: exceeds maximum %d", p.Millis, h.opts.MaxSleepMillis)
			}
			timer := time.NewTimer(time.Duration(p.Millis) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
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
