package actor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/recorder"
)

// ReplayChain is the replay driver: against an actor started with a
// ReplaySpec carrying recorded (so init was skipped and host-function calls
// answer from the recording), it re-applies init and every recorded
// function call in order, then checks the terminal state byte-equals the
// state captured by the last wasm.WasmResult in the recording. A mismatch
// is a fatal replay failure.
//
// Calls that originally failed are re-issued too — they re-record their
// wasm.WasmError and re-pause the actor exactly as the original run did —
// and the driver resumes the actor before the next call, standing in for
// whoever resumed it the first time around.
func (a *Actor) ReplayChain(ctx context.Context, recorded []chain.Event) error {
	for _, ev := range recorded {
		if ev.EventType != "wasm.WasmCall" {
			continue
		}
		fn, params, _, _, _, err := recorder.DecodeWasmEvent(ev)
		if err != nil {
			return fmt.Errorf("replay: decode recorded call: %w", err)
		}

		res, err := a.call(ctx, fn, params)
		if err != nil {
			return err
		}
		if res.Err != nil {
			if err := a.resumeForReplay(ctx); err != nil {
				return err
			}
		}
	}

	want, ok := lastRecordedState(recorded)
	if !ok {
		// Nothing in the recording ever produced state; whatever the
		// actor started with is the terminal state by definition.
		return nil
	}
	if got := a.store.State(); !bytes.Equal(got, want) {
		return fmt.Errorf("replay: terminal state mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}
	return nil
}

func (a *Actor) call(ctx context.Context, fn string, params []byte) (CallFunctionResult, error) {
	resp := make(chan CallFunctionResult, 1)
	select {
	case a.operations <- CallFunction{Name: fn, Params: params, Response: resp}:
	case <-ctx.Done():
		return CallFunctionResult{}, ctx.Err()
	}
	select {
	case res := <-resp:
		return res, nil
	case <-ctx.Done():
		return CallFunctionResult{}, ctx.Err()
	}
}

func (a *Actor) resumeForReplay(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case a.control <- Resume{Response: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lastRecordedState returns the state carried by the last wasm.WasmResult
// event in recorded, reporting whether one exists.
func lastRecordedState(recorded []chain.Event) ([]byte, bool) {
	for i := len(recorded) - 1; i >= 0; i-- {
		if recorded[i].EventType != "wasm.WasmResult" {
			continue
		}
		_, _, state, _, _, err := recorder.DecodeWasmEvent(recorded[i])
		if err != nil {
			return nil, false
		}
		return state, true
	}
	return nil, false
}
