// Package msgserver implements the message-server capability: the three
// inter-actor message patterns from the runtime's messaging surface. Send is
// fire-and-forget; Request is request/reply with deferral — a target actor
// answering none from handle-request parks the request in its outstanding
// table and replies later through respond-to-request (or drops it with
// cancel-request); channels are a bidirectional stream opened by
// open-channel, carried by send-on-channel, torn down by close-channel.
//
// Outbound traffic is published as commands on the runtime bus; the
// registry routes each to the target actor's exports (handle-send,
// handle-request, handle-channel-open, handle-channel-message,
// handle-channel-close) through that actor's operation loop.
package msgserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/theater-run/theater/actor"
	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under and the permission
// gate key for its calls.
const Capability = "message-server"

// ErrChannelRejected is returned by open-channel when the target actor's
// handle-channel-open declines.
var ErrChannelRejected = errors.New("Channel request rejected by target actor")

type (
	// SendParams is the wire shape of send and request inputs.
	SendParams struct {
		Target string `json:"target"`
		Data   []byte `json:"data,omitempty"`
	}

	// OpenChannelParams is the wire shape of open-channel's input.
	OpenChannelParams struct {
		Target string `json:"target"`
		Msg    []byte `json:"msg,omitempty"`
	}

	// OpenChannelResult is the wire shape of open-channel's output.
	OpenChannelResult struct {
		ChannelID string `json:"channel_id"`
		Message   []byte `json:"message,omitempty"`
	}

	// ChannelParams is the wire shape of send-on-channel and close-channel
	// inputs.
	ChannelParams struct {
		ChannelID string `json:"channel_id"`
		Data      []byte `json:"data,omitempty"`
	}

	// RequestParams is the wire shape of respond-to-request and
	// cancel-request inputs.
	RequestParams struct {
		RequestID string `json:"request_id"`
		Data      []byte `json:"data,omitempty"`
	}

	// actorHandle is what this handler needs beyond the base ActorHandle:
	// the runtime bus and the actor's request/channel bookkeeping.
	// Satisfied by *actor.Store.
	actorHandle interface {
		handler.ActorHandle
		Bus() bus.Bus
		TakeOutstandingRequest(id.RequestID) (actor.OutstandingRequest, bool)
		OpenChannel(id.ChannelID)
		ChannelOpen(id.ChannelID) bool
		CloseChannel(id.ChannelID)
	}

	// Handler implements handler.Handler for the message-server capability.
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
		Capability + ".send",
		Capability + ".request",
		Capability + ".open-channel",
		Capability + ".send-on-channel",
		Capability + ".close-channel",
		Capability + ".respond-to-request",
		Capability + ".cancel-request",
	}
}

// SetupImports implements handler.Handler.
func (*Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	h, ok := a.(actorHandle)
	if !ok {
		return fmt.Errorf("message-server: actor handle has no messaging surface")
	}

	define := func(op string, impl func(ctx context.Context, params []byte) ([]byte, error)) error {
		return linker.DefineFunc(Capability, op, func(ctx context.Context, params []byte) ([]byte, error) {
			return a.Recorder().Call(ctx, a.Gate(), Capability, op, params, impl)
		})
	}

	if err := define("send", func(ctx context.Context, params []byte) ([]byte, error) {
		var p SendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("send: decode params: %w", err)
		}
		target, err := id.ParseActorID(p.Target)
		if err != nil {
			return nil, err
		}
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventSendMessage, ActorID: h.ActorID(), Command: bus.SendMessage{
			ActorID: target,
			Message: bus.ActorMessage{Send: &bus.SendMessageData{Data: p.Data}},
		}}); err != nil {
			return nil, fmt.Errorf("send to %s: %w", p.Target, err)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := define("request", func(ctx context.Context, params []byte) ([]byte, error) {
		var p SendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("request: decode params: %w", err)
		}
		target, err := id.ParseActorID(p.Target)
		if err != nil {
			return nil, err
		}
		reqID := id.NewRequestID()
		sink := make(chan []byte, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventSendMessage, ActorID: h.ActorID(), Command: bus.SendMessage{
			ActorID: target,
			Message: bus.ActorMessage{Request: &bus.RequestMessageData{RequestID: reqID, Data: p.Data, ResponseSink: sink}},
		}}); err != nil {
			return nil, fmt.Errorf("request to %s: %w", p.Target, err)
		}
		select {
		case reply := <-sink:
			return reply, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		return err
	}

	if err := define("open-channel", func(ctx context.Context, params []byte) ([]byte, error) {
		var p OpenChannelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("open-channel: decode params: %w", err)
		}
		target, err := id.ParseActorID(p.Target)
		if err != nil {
			return nil, err
		}
		resp := make(chan bus.ChannelOpenResult, 1)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventChannelOpen, ActorID: h.ActorID(), Command: bus.ChannelOpen{
			Initiator:  h.ActorID(),
			Target:     target,
			InitialMsg: p.Msg,
			Response:   resp,
		}}); err != nil {
			return nil, fmt.Errorf("open-channel to %s: %w", p.Target, err)
		}
		var res bus.ChannelOpenResult
		select {
		case res = <-resp:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, fmt.Errorf("open-channel to %s: %w", p.Target, res.Err)
		}
		if !res.Accepted {
			return nil, ErrChannelRejected
		}
		h.OpenChannel(res.ChannelID)
		return json.Marshal(OpenChannelResult{ChannelID: res.ChannelID.String(), Message: res.Message})
	}); err != nil {
		return err
	}

	if err := define("send-on-channel", func(ctx context.Context, params []byte) ([]byte, error) {
		var p ChannelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("send-on-channel: decode params: %w", err)
		}
		chID, err := id.ParseChannelID(p.ChannelID)
		if err != nil {
			return nil, err
		}
		if !h.ChannelOpen(chID) {
			return nil, fmt.Errorf("send-on-channel %s: channel closed", p.ChannelID)
		}
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventChannelMessage, ActorID: h.ActorID(), Command: bus.ChannelMessage{
			ChannelID: chID,
			Data:      p.Data,
		}}); err != nil {
			return nil, fmt.Errorf("send-on-channel %s: %w", p.ChannelID, err)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := define("close-channel", func(ctx context.Context, params []byte) ([]byte, error) {
		var p ChannelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("close-channel: decode params: %w", err)
		}
		chID, err := id.ParseChannelID(p.ChannelID)
		if err != nil {
			return nil, err
		}
		h.CloseChannel(chID)
		if err := h.Bus().Publish(ctx, bus.Event{Type: bus.EventChannelClose, ActorID: h.ActorID(), Command: bus.ChannelClose{
			ChannelID: chID,
		}}); err != nil {
			return nil, fmt.Errorf("close-channel %s: %w", p.ChannelID, err)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := define("respond-to-request", func(_ context.Context, params []byte) ([]byte, error) {
		var p RequestParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("respond-to-request: decode params: %w", err)
		}
		reqID, err := id.ParseRequestID(p.RequestID)
		if err != nil {
			return nil, err
		}
		req, ok := h.TakeOutstandingRequest(reqID)
		if !ok {
			return nil, fmt.Errorf("Request ID not found: %s", p.RequestID)
		}
		req.ResponseSink <- p.Data
		return nil, nil
	}); err != nil {
		return err
	}

	return define("cancel-request", func(_ context.Context, params []byte) ([]byte, error) {
		var p RequestParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("cancel-request: decode params: %w", err)
		}
		reqID, err := id.ParseRequestID(p.RequestID)
		if err != nil {
			return nil, err
		}
		if _, ok := h.TakeOutstandingRequest(reqID); !ok {
			return nil, fmt.Errorf("Request ID not found: %s", p.RequestID)
		}
		return nil, nil
	})
}

// Exports lists the actor exports the registry invokes to deliver inbound
// messages and channel traffic.
func (*Handler) Exports() []string {
	return []string{
		"handle-send",
		"handle-request",
		"handle-channel-open",
		"handle-channel-message",
		"handle-channel-close",
	}
}

// RegisterExports implements handler.Handler. The inbound exports
// (handle-send, handle-request, handle-channel-open, ...) are invoked by the
// registry through the operation loop, so nothing is bound here.
func (*Handler) RegisterExports(context.Context, handler.ActorHandle, sandbox.Instance) error {
	return nil
}

// Start implements handler.Handler; inbound delivery is the registry's
// responsibility, so there is no background task.
func (*Handler) Start(context.Context, handler.ActorHandle, *shutdownctl.Controller) error {
	return nil
}

var _ handler.Handler = (*Handler)(nil)
