// Package recorder implements Theater's host-function boundary discipline:
// the chain recorder and the permission gate that precedes every
// capability call. Every host-function invocation by sandboxed code
// is wrapped by Recorder.Call, which performs the permission check, then
// records a Call event before the host work starts and a Result or Error
// event before the host function returns to the sandbox — giving the
// chain a total, causally consistent order for the actor's external
// effects without every capability handler having to hand-roll that
// discipline itself.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/telemetry"
)

// HostFunc is the shape of the real capability work Recorder.Call wraps:
// it receives the decoded parameters and returns result bytes or an error.
type HostFunc func(ctx context.Context, params []byte) ([]byte, error)

// Recorder wraps host-function invocations with the chain-event and
// permission discipline. A Recorder is
// per-actor and not safe to share across actors (the underlying chain
// isn't).
type Recorder struct {
	chain   *chain.Chain
	logger  telemetry.Logger
	metrics telemetry.Metrics
	replay  *ReplaySource
}

// New constructs a Recorder over c. logger and metrics may be nil, in
// which case the Noop implementations are used.
func New(c *chain.Chain, logger telemetry.Logger, metrics telemetry.Metrics) *Recorder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Recorder{chain: c, logger: logger, metrics: metrics}
}

// WithReplay returns a copy of r that answers every Call from src instead
// of invoking the real HostFunc: handler calls that would normally reach
// external resources are intercepted and their recorded Results returned
// from the chain. Used by the Replay Driver to reconstruct an actor's
// state deterministically, without real I/O.
func (r *Recorder) WithReplay(src *ReplaySource) *Recorder {
	cp := *r
	cp.replay = src
	return &cp
}

// Chain returns the underlying event chain.
func (r *Recorder) Chain() *chain.Chain { return r.chain }

func eventType(capability, op, suffix string) string {
	return fmt.Sprintf("theater:simple/%s/%s.%s", capability, op, suffix)
}

func (r *Recorder) append(ctx context.Context, evType string, data any) chain.Event {
	encoded, err := json.Marshal(data)
	if err != nil {
		r.logger.Warn(ctx, "recorder: marshal event data failed", "event_type", evType, "err", err)
		encoded = nil
	}
	ev, err := r.chain.Append(ctx, chain.Data{EventType: evType, Data: encoded})
	if err != nil {
		// Chain notification/append failures are downgraded to warnings:
		// fatal for observability, not for the actor.
		r.logger.Warn(ctx, "recorder: append failed", "event_type", evType, "err", err)
	}
	return ev
}

// Call wraps a single host-function invocation: permission check, Call
// event, the real (or replayed) work, and a Result or Error event. fn is
// never invoked if gate denies the call; in replay mode fn is never
// invoked at all — the recorded Result or Error is replayed instead.
func (r *Recorder) Call(ctx context.Context, gate *PermissionGate, capability, op string, params []byte, fn HostFunc) ([]byte, error) {
	if r.replay == nil {
		if !gate.Allowed(capability, op) {
			r.append(ctx, eventType(capability, op, "PermissionDenied"), params)
			return nil, fmt.Errorf("%s.%s: permission denied", capability, op)
		}
		if err := gate.Wait(ctx, capability); err != nil {
			return nil, fmt.Errorf("%s.%s: rate limit wait: %w", capability, op, err)
		}
	}

	r.append(ctx, eventType(capability, op, "Call"), params)

	var (
		result []byte
		err    error
	)
	start := time.Now()
	if r.replay != nil {
		result, err = r.replayFn(capability, op)
	} else {
		result, err = fn(ctx, params)
	}
	r.metrics.RecordTimer("theater.host_call.duration", time.Since(start), "capability", capability, "operation", op)

	if err != nil {
		r.metrics.IncCounter("theater.host_call.error", 1, "capability", capability, "operation", op)
		r.append(ctx, eventType(capability, op, "Error"), err.Error())
		return nil, err
	}
	r.metrics.IncCounter("theater.host_call.result", 1, "capability", capability, "operation", op)
	r.append(ctx, eventType(capability, op, "Result"), result)
	return result, nil
}

func (r *Recorder) replayFn(capability, op string) ([]byte, error) {
	result, callErr, ok := r.replay.Next(capability, op)
	if !ok {
		return nil, fmt.Errorf("%s.%s: no recorded call left to replay", capability, op)
	}
	return result, callErr
}

// Handler setup checkpoints: setup of each handler emits
// HandlerSetupStart, LinkerInstanceSuccess/Error, per-function
// SetupStart/Success, and HandlerSetupSuccess.

func (r *Recorder) HandlerSetupStart(ctx context.Context, handlerName string) {
	r.append(ctx, "handler:"+handlerName+".HandlerSetupStart", nil)
}

func (r *Recorder) LinkerInstanceSuccess(ctx context.Context, handlerName string) {
	r.append(ctx, "handler:"+handlerName+".LinkerInstanceSuccess", nil)
}

func (r *Recorder) LinkerInstanceError(ctx context.Context, handlerName string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.append(ctx, "handler:"+handlerName+".LinkerInstanceError", msg)
}

func (r *Recorder) SetupStart(ctx context.Context, handlerName, fn string) {
	r.append(ctx, "handler:"+handlerName+".SetupStart:"+fn, nil)
}

func (r *Recorder) SetupSuccess(ctx context.Context, handlerName, fn string) {
	r.append(ctx, "handler:"+handlerName+".SetupSuccess:"+fn, nil)
}

func (r *Recorder) HandlerSetupSuccess(ctx context.Context, handlerName string) {
	r.append(ctx, "handler:"+handlerName+".HandlerSetupSuccess", nil)
}

// wasmEvent is the shape recorded for the operation loop's own chain
// events, carrying enough of CallFunction's inputs/outputs that the
// Replay Driver can reconstruct state and check terminal-state equality
// without a side channel.
type wasmEvent struct {
	Function string `json:"function"`
	Params   []byte `json:"params,omitempty"`
	State    []byte `json:"state,omitempty"`
	Result   []byte `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WasmCall records the operation loop's Call event for a CallFunction
// invocation.
func (r *Recorder) WasmCall(ctx context.Context, fn string, params []byte) chain.Event {
	return r.append(ctx, "wasm.WasmCall", wasmEvent{Function: fn, Params: params})
}

// WasmResult records the operation loop's Result event, including the
// state the function call produced so the Replay Driver can verify
// terminal-state equality against the original run.
func (r *Recorder) WasmResult(ctx context.Context, fn string, newState, result []byte) chain.Event {
	return r.append(ctx, "wasm.WasmResult", wasmEvent{Function: fn, State: newState, Result: result})
}

// WasmError records the operation loop's Error event for a failed
// CallFunction invocation.
func (r *Recorder) WasmError(ctx context.Context, fn string, callErr error) chain.Event {
	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}
	return r.append(ctx, "wasm.WasmError", wasmEvent{Function: fn, Error: msg})
}

// DecodeWasmEvent unmarshals the Data of a wasm.WasmCall/WasmResult/
// WasmError event. Used by the Replay Driver to walk a stored chain.
func DecodeWasmEvent(ev chain.Event) (fn string, params, state, result []byte, errMsg string, err error) {
	var we wasmEvent
	if err := json.Unmarshal(ev.Data, &we); err != nil {
		return "", nil, nil, nil, "", err
	}
	return we.Function, we.Params, we.State, we.Result, we.Error, nil
}

