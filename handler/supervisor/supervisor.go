// Package supervisor implements the supervision capability: the host
// functions a parent actor uses to manage its children (spawn, resume,
// list-children, restart-child, stop-child, get-child-state,
// get-child-events). Each call is published as a command on the runtime bus
// and serviced by the registry that owns the parent/child graph; the
// handler itself only shapes the call, records it on the chain, and waits
// for the reply.
//
// A parent using this capability is expected to export handle-child-error,
// handle-child-exit, and handle-child-external-stop; the registry delivers
// child lifecycle results to those exports as ordinary function calls
// through the parent's operation loop.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under, the module of every
// import it defines, and the permission-gate key for its calls.
const Capability = "supervisor"

// LifecycleExports are the exports a supervising actor must provide to
// receive child termination results.
var LifecycleExports = []string{
	"handle-child-error",
	"handle-child-exit",
	"handle-child-external-stop",
}

type (
	// SpawnParams is the wire shape of spawn's input: a manifest reference
	// and optional init bytes.
	SpawnParams struct {
		Manifest string `json:"manifest"`
		Init     []byte `json:"init,omitempty"`
	}

	// ResumeParams is the wire shape of resume's input: a manifest
	// reference and optional state bytes the replay driver reconstructs
	// the child from.
	ResumeParams struct {
		Manifest string `json:"manifest"`
		State    []byte `json:"state,omitempty"`
	}

	// ChildParams names the child an operation targets.
	ChildParams struct {
		ActorID string `json:"actor_id"`
	}

	// SpawnResult is the wire shape of spawn's and resume's output.
	SpawnResult struct {
		ActorID string `json:"actor_id"`
	}

	// ListResult is the wire shape of list-children's output.
	ListResult struct {
		Children []string `json:"children"`
	}

	// StateResult is the wire shape of get-child-state's output.
	StateResult struct {
		State []byte `json:"state,omitempty"`
	}

	// EventsResult is the wire shape of get-child-events' output.
	EventsResult struct {
		Events []chain.Event `json:"events"`
	}

	// busHandle is what this handler needs beyond the base ActorHandle:
	// the runtime bus its commands travel on. Satisfied by *actor.Store.
	busHandle interface {
		handler.ActorHandle
		Bus() bus.Bus
	}

	// Handler implements handler.Handler for the supervision capability.
	Handler struct{}
)

// Builder returns the handler.Builder registered under Capability.
func Builder() handler.Builder {
	return handler.Builder{
		New: func([]byte) (handler.Handler, error) { return &Handler{}, nil },
	}
}

// Name implements handler.Handler.
func (*Handler) Name() string { return Capability }

// Imports implements handler.Handler.
func (*Handler) Imports() []string {
	return []string{
		Capability + ".spawn",
		Capability + ".resume",
		Capability + ".list-children",
		Capability + ".restart-child",
		Capability + ".stop-child",
		Capability + ".get-child-state",
		Capability + ".get-child-events",
	}
}

// SetupImports implements handler.Handler.
func (*Handler) SetupImports(_ context.Context, actor handler.ActorHandle, linker sandbox.Linker) error {
	h, ok := actor.(busHandle)
	if !ok {
		return fmt.Errorf("supervisor: actor handle has no bus")
	}

	define := func(op string, impl func(ctx context.Context, params []byte) ([]byte, error)) error {
		return linker.DefineFunc(Capability, op, func(ctx context.Context, params []byte) ([]byte, error) {
			return actor.Recorder().Call(ctx, actor.Gate(), Capability, op, params, impl)
		})
	}

	if err := define("spawn", func(ctx context.Context, params []byte) ([]byte, error) {
		var p SpawnParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("spawn: decode params: %w", err)
		}
		resp := make(chan bus.SpawnActorResult, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventSpawnActor, ActorID: actor.ActorID(), Command: bus.SpawnActor{
			ManifestRef: p.Manifest,
			InitBytes:   p.Init,
			ParentID:    actor.ActorID(),
			Response:    resp,
		}}); err != nil {
			return nil, fmt.Errorf("spawn %s: %w", p.Manifest, err)
		}
		res, err := wait(ctx, resp)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, fmt.Errorf("spawn %s: %w", p.Manifest, res.Err)
		}
		return json.Marshal(SpawnResult{ActorID: res.ActorID.String()})
	}); err != nil {
		return err
	}

	if err := define("resume", func(ctx context.Context, params []byte) ([]byte, error) {
		var p ResumeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("resume: decode params: %w", err)
		}
		resp := make(chan bus.SpawnActorResult, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventResumeActor, ActorID: actor.ActorID(), Command: bus.ResumeActor{
			ManifestRef: p.Manifest,
			StateBytes:  p.State,
			ParentID:    actor.ActorID(),
			Response:    resp,
		}}); err != nil {
			return nil, fmt.Errorf("resume %s: %w", p.Manifest, err)
		}
		res, err := wait(ctx, resp)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, fmt.Errorf("resume %s: %w", p.Manifest, res.Err)
		}
		return json.Marshal(SpawnResult{ActorID: res.ActorID.String()})
	}); err != nil {
		return err
	}

	if err := define("list-children", func(ctx context.Context, _ []byte) ([]byte, error) {
		resp := make(chan bus.ListChildrenResult, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventListChildren, ActorID: actor.ActorID(), Command: bus.ListChildren{
			ParentID: actor.ActorID(),
			Response: resp,
		}}); err != nil {
			return nil, fmt.Errorf("list-children: %w", err)
		}
		res, err := wait(ctx, resp)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, fmt.Errorf("list-children: %w", res.Err)
		}
		children := make([]string, len(res.Children))
		for i, c := range res.Children {
			children[i] = c.String()
		}
		return json.Marshal(ListResult{Children: children})
	}); err != nil {
		return err
	}

	if err := define("restart-child", func(ctx context.Context, params []byte) ([]byte, error) {
		childID, err := decodeChild(params)
		if err != nil {
			return nil, err
		}
		resp := make(chan error, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventRestartActor, ActorID: actor.ActorID(), Command: bus.RestartActor{
			ActorID:  childID,
			Response: resp,
		}}); err != nil {
			return nil, fmt.Errorf("restart-child %s: %w", childID, err)
		}
		res, err := wait(ctx, resp)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return nil, fmt.Errorf("restart-child %s: %w", childID, res)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := define("stop-child", func(ctx context.Context, params []byte) ([]byte, error) {
		childID, err := decodeChild(params)
		if err != nil {
			return nil, err
		}
		resp := make(chan error, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventStopActor, ActorID: actor.ActorID(), Command: bus.StopActor{
			ActorID:  childID,
			Response: resp,
		}}); err != nil {
			return nil, fmt.Errorf("stop-child %s: %w", childID, err)
		}
		res, err := wait(ctx, resp)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return nil, fmt.Errorf("stop-child %s: %w", childID, res)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := define("get-child-state", func(ctx context.Context, params []byte) ([]byte, error) {
		childID, err := decodeChild(params)
		if err != nil {
			return nil, err
		}
		resp := make(chan bus.GetActorStateResult, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventGetActorState, ActorID: actor.ActorID(), Command: bus.GetActorState{
			ActorID:  childID,
			Response: resp,
		}}); err != nil {
			return nil, fmt.Errorf("get-child-state %s: %w", childID, err)
		}
		res, err := wait(ctx, resp)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, fmt.Errorf("get-child-state %s: %w", childID, res.Err)
		}
		return json.Marshal(StateResult{State: res.State})
	}); err != nil {
		return err
	}

	return define("get-child-events", func(ctx context.Context, params []byte) ([]byte, error) {
		childID, err := decodeChild(params)
		if err != nil {
			return nil, err
		}
		resp := make(chan bus.GetActorEventsResult, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventGetActorEvents, ActorID: actor.ActorID(), Command: bus.GetActorEvents{
			ActorID:  childID,
			Response: resp,
		}}); err != nil {
			return nil, fmt.Errorf("get-child-events %s: %w", childID, err)
		}
		res, err := wait(ctx, resp)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, fmt.Errorf("get-child-events %s: %w", childID, res.Err)
		}
		return json.Marshal(EventsResult{Events: res.Events})
	})
}

// Exports lists the lifecycle exports the registry calls on a supervising
// actor's behalf.
func (*Handler) Exports() []string { return LifecycleExports }

// RegisterExports implements handler.Handler. The lifecycle exports are
// called by the registry, not by this handler, so nothing is bound here;
// a supervising actor missing them only fails when a child terminates.
func (*Handler) RegisterExports(context.Context, handler.ActorHandle, sandbox.Instance) error {
	return nil
}

// Start implements handler.Handler; the supervision capability has no
// background task.
func (*Handler) Start(context.Context, handler.ActorHandle, *shutdownctl.Controller) error {
	return nil
}

func decodeChild(params []byte) (id.ActorID, error) {
	var p ChildParams
	if err := json.Unmarshal(params, &p); err != nil {
		return id.ActorID{}, fmt.Errorf("decode child params: %w", err)
	}
	childID, err := id.ParseActorID(p.ActorID)
	if err != nil {
		return id.ActorID{}, err
	}
	return childID, nil
}

func wait[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

var _ handler.Handler = (*Handler)(nil)
