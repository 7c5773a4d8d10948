// Package runtimecap implements the runtime capability: the host functions
// an actor uses to talk to its own runtime — structured logging and
// self-initiated shutdown with a result payload. A shutdown call publishes
// ShuttingDown on the runtime bus; the registry stops the actor and
// delivers the payload to the parent's handle-child-exit export.
package runtimecap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
	"github.com/theater-run/theater/telemetry"
)

// Capability is the name this handler registers under.
const Capability = "runtime"

type (
	// LogParams is the wire shape of log's input.
	LogParams struct {
		Level   string `json:"level,omitempty"`
		Message string `json:"message"`
	}

	// ShutdownParams is the wire shape of shutdown's input: the result
	// payload the parent receives via handle-child-exit.
	ShutdownParams struct {
		Data []byte `json:"data,omitempty"`
	}

	busHandle interface {
		handler.ActorHandle
		Bus() bus.Bus
	}

	// Handler implements handler.Handler for the runtime capability.
	Handler struct {
		logger telemetry.Logger
	}
)

// Builder returns the handler.Builder registered under Capability. logger
// receives the actor's log calls; nil discards them.
func Builder(logger telemetry.Logger) handler.Builder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return handler.Builder{
		New: func([]byte) (handler.Handler, error) { return &Handler{logger: logger}, nil },
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string {
	return []string{Capability + ".log", Capability + ".shutdown"}
}

func (h *Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	bh, ok := a.(busHandle)
	if !ok {
		return fmt.Errorf("runtime: actor handle has no bus")
	}

	if err := linker.DefineFunc(Capability, "log", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "log", params, func(ctx context.Context, params []byte) ([]byte, error) {
			var p LogParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("log: decode params: %w", err)
			}
			switch p.Level {
			case "debug":
				h.logger.Debug(ctx, p.Message, "actor_id", a.ActorID().String())
			case "warn":
				h.logger.Warn(ctx, p.Message, "actor_id", a.ActorID().String())
			case "error":
				h.logger.Error(ctx, p.Message, "actor_id", a.ActorID().String())
			default:
				h.logger.Info(ctx, p.Message, "actor_id", a.ActorID().String())
			}
			return nil, nil
		})
	}); err != nil {
		return err
	}

	return linker.DefineFunc(Capability, "shutdown", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "shutdown", params, func(ctx context.Context, params []byte) ([]byte, error) {
			var p ShutdownParams
			if len(params) > 0 {
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, fmt.Errorf("shutdown: decode params: %w", err)
				}
			}
			if err := bh.Bus().Publish(ctx, bus.Event{
				Type:    bus.EventShuttingDown,
				ActorID: a.ActorID(),
				Data:    p.Data,
			}); err != nil {
				return nil, fmt.Errorf("shutdown: %w", err)
			}
			return nil, nil
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
