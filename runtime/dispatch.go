package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/theater-run/theater/actor"
	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/id"
)

type (
	// lifecycleParams is the payload delivered to a parent's lifecycle
	// exports.
	lifecycleParams struct {
		ChildID string `json:"child_id"`
		Error   string `json:"error,omitempty"`
		Result  []byte `json:"result,omitempty"`
	}

	// requestParams is the payload delivered to handle-request.
	requestParams struct {
		RequestID string `json:"request_id"`
		Data      []byte `json:"data,omitempty"`
	}

	// sendParams is the payload delivered to handle-send.
	sendParams struct {
		Data []byte `json:"data,omitempty"`
	}

	// channelParams is the payload delivered to handle-channel-open,
	// handle-channel-message, and handle-channel-close.
	channelParams struct {
		ChannelID string `json:"channel_id"`
		Msg       []byte `json:"msg,omitempty"`
	}

	// channelOpenReply is the shape handle-channel-open returns.
	channelOpenReply struct {
		Accepted bool   `json:"accepted"`
		Message  []byte `json:"message,omitempty"`
	}
)

// HandleEvent implements bus.Subscriber. Command events are serviced on
// their own goroutines: the publisher is usually a host function running
// inside an actor's operation loop, and servicing the command may need to
// call back into that or another actor's loops.
func (r *Registry) HandleEvent(_ context.Context, event bus.Event) error {
	switch event.Type {
	case bus.EventSpawnActor:
		cmd, ok := event.Command.(bus.SpawnActor)
		if !ok {
			return fmt.Errorf("runtime: %s carries no SpawnActor command", event.Type)
		}
		go func() {
			actorID, err := r.Spawn(context.Background(), cmd.ManifestRef, cmd.InitBytes, cmd.ParentID)
			cmd.Response <- bus.SpawnActorResult{ActorID: actorID, Err: err}
		}()

	case bus.EventResumeActor:
		cmd, ok := event.Command.(bus.ResumeActor)
		if !ok {
			return fmt.Errorf("runtime: %s carries no ResumeActor command", event.Type)
		}
		go func() {
			actorID, err := r.Resume(context.Background(), cmd.ManifestRef, cmd.StateBytes, cmd.ParentID)
			cmd.Response <- bus.SpawnActorResult{ActorID: actorID, Err: err}
		}()

	case bus.EventStopActor:
		cmd, ok := event.Command.(bus.StopActor)
		if !ok {
			return fmt.Errorf("runtime: %s carries no StopActor command", event.Type)
		}
		go func() { cmd.Response <- r.Stop(context.Background(), cmd.ActorID) }()

	case bus.EventRestartActor:
		cmd, ok := event.Command.(bus.RestartActor)
		if !ok {
			return fmt.Errorf("runtime: %s carries no RestartActor command", event.Type)
		}
		go func() { cmd.Response <- r.Restart(context.Background(), cmd.ActorID) }()

	case bus.EventGetActorState:
		cmd, ok := event.Command.(bus.GetActorState)
		if !ok {
			return fmt.Errorf("runtime: %s carries no GetActorState command", event.Type)
		}
		go func() {
			state, err := r.State(context.Background(), cmd.ActorID)
			cmd.Response <- bus.GetActorStateResult{State: state, Err: err}
		}()

	case bus.EventGetActorEvents:
		cmd, ok := event.Command.(bus.GetActorEvents)
		if !ok {
			return fmt.Errorf("runtime: %s carries no GetActorEvents command", event.Type)
		}
		go func() {
			events, err := r.Events(context.Background(), cmd.ActorID)
			cmd.Response <- bus.GetActorEventsResult{Events: events, Err: err}
		}()

	case bus.EventListChildren:
		cmd, ok := event.Command.(bus.ListChildren)
		if !ok {
			return fmt.Errorf("runtime: %s carries no ListChildren command", event.Type)
		}
		go func() { cmd.Response <- bus.ListChildrenResult{Children: r.Children(cmd.ParentID)} }()

	case bus.EventSendMessage:
		cmd, ok := event.Command.(bus.SendMessage)
		if !ok {
			return fmt.Errorf("runtime: %s carries no SendMessage command", event.Type)
		}
		go r.deliverMessage(cmd)

	case bus.EventChannelOpen:
		cmd, ok := event.Command.(bus.ChannelOpen)
		if !ok {
			return fmt.Errorf("runtime: %s carries no ChannelOpen command", event.Type)
		}
		go r.deliverChannelOpen(cmd)

	case bus.EventChannelMessage:
		cmd, ok := event.Command.(bus.ChannelMessage)
		if !ok {
			return fmt.Errorf("runtime: %s carries no ChannelMessage command", event.Type)
		}
		go r.deliverChannelMessage(event.ActorID, cmd)

	case bus.EventChannelClose:
		cmd, ok := event.Command.(bus.ChannelClose)
		if !ok {
			return fmt.Errorf("runtime: %s carries no ChannelClose command", event.Type)
		}
		go r.deliverChannelClose(event.ActorID, cmd)

	case bus.EventActorError:
		go r.onActorError(event.ActorID, event.Err)

	case bus.EventShuttingDown:
		go r.onActorExit(event.ActorID, event.Data)
	}
	return nil
}

// onActorExit services a self-initiated shutdown: stop the actor (no
// external-stop notification, the exit was its own) and deliver the exit
// payload to the parent's handle-child-exit.
func (r *Registry) onActorExit(actorID id.ActorID, data []byte) {
	e, ok := r.lookup(actorID)
	if !ok {
		return
	}
	parent := e.parent

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DeliveryTimeout)
	defer cancel()
	if err := r.stop(ctx, actorID, false); err != nil {
		r.logger.Warn(ctx, "runtime: stop exiting actor failed", "actor_id", actorID.String(), "err", err)
		return
	}
	if !parent.IsZero() {
		r.notifyParent(parent, "handle-child-exit", lifecycleParams{ChildID: actorID.String(), Result: data})
	}
}

// onActorError delivers a child's function-call failure to its parent's
// handle-child-error. The child itself stays registered — it is Paused,
// not gone, and the parent decides whether to resume, restart, or stop it.
func (r *Registry) onActorError(actorID id.ActorID, actorErr error) {
	e, ok := r.lookup(actorID)
	if !ok || e.parent.IsZero() {
		return
	}
	msg := ""
	if actorErr != nil {
		msg = actorErr.Error()
	}
	r.notifyParent(e.parent, "handle-child-error", lifecycleParams{ChildID: actorID.String(), Error: msg})
}

func (r *Registry) notifyParent(parentID id.ActorID, export string, params lifecycleParams) {
	encoded, err := json.Marshal(params)
	if err != nil {
		r.logger.Warn(context.Background(), "runtime: marshal lifecycle params failed", "export", export, "err", err)
		return
	}
	if _, err := r.callExport(parentID, export, encoded); err != nil {
		r.logger.Warn(context.Background(), "runtime: lifecycle delivery failed",
			"parent_id", parentID.String(), "export", export, "err", err)
	}
}

func (r *Registry) deliverMessage(cmd bus.SendMessage) {
	switch {
	case cmd.Message.Send != nil:
		encoded, err := json.Marshal(sendParams{Data: cmd.Message.Send.Data})
		if err != nil {
			return
		}
		if _, err := r.callExport(cmd.ActorID, "handle-send", encoded); err != nil {
			r.logger.Warn(context.Background(), "runtime: send delivery failed", "actor_id", cmd.ActorID.String(), "err", err)
		}

	case cmd.Message.Request != nil:
		req := cmd.Message.Request
		encoded, err := json.Marshal(requestParams{RequestID: req.RequestID.String(), Data: req.Data})
		if err != nil {
			return
		}
		result, err := r.callExport(cmd.ActorID, "handle-request", encoded)
		if err != nil {
			r.logger.Warn(context.Background(), "runtime: request delivery failed", "actor_id", cmd.ActorID.String(), "err", err)
			return
		}
		if result == nil {
			// The actor deferred: park the sink so a later
			// respond-to-request (or cancel-request) can find it.
			if e, ok := r.lookup(cmd.ActorID); ok {
				e.act.Store().RegisterOutstandingRequest(req.RequestID, req.ResponseSink)
			}
			return
		}
		req.ResponseSink <- result
	}
}

func (r *Registry) deliverChannelOpen(cmd bus.ChannelOpen) {
	chID := id.NewChannelID(cmd.Initiator, cmd.Target)

	encoded, err := json.Marshal(channelParams{ChannelID: chID.String(), Msg: cmd.InitialMsg})
	if err != nil {
		cmd.Response <- bus.ChannelOpenResult{Err: err}
		return
	}
	result, err := r.callExport(cmd.Target, "handle-channel-open", encoded)
	if err != nil {
		cmd.Response <- bus.ChannelOpenResult{Err: err}
		return
	}
	var reply channelOpenReply
	if err := json.Unmarshal(result, &reply); err != nil {
		cmd.Response <- bus.ChannelOpenResult{Err: fmt.Errorf("runtime: decode handle-channel-open reply: %w", err)}
		return
	}
	if !reply.Accepted {
		cmd.Response <- bus.ChannelOpenResult{ChannelID: chID, Accepted: false}
		return
	}

	if e, ok := r.lookup(cmd.Target); ok {
		e.act.Store().OpenChannel(chID)
	}
	r.mu.Lock()
	r.channels[chID] = channelPair{initiator: cmd.Initiator, target: cmd.Target}
	r.mu.Unlock()

	cmd.Response <- bus.ChannelOpenResult{ChannelID: chID, Accepted: true, Message: reply.Message}
}

func (r *Registry) deliverChannelMessage(sender id.ActorID, cmd bus.ChannelMessage) {
	peer, ok := r.channelPeer(sender, cmd.ChannelID)
	if !ok {
		r.logger.Warn(context.Background(), "runtime: message on unknown channel", "channel_id", cmd.ChannelID.String())
		return
	}
	encoded, err := json.Marshal(channelParams{ChannelID: cmd.ChannelID.String(), Msg: cmd.Data})
	if err != nil {
		return
	}
	if _, err := r.callExport(peer, "handle-channel-message", encoded); err != nil {
		r.logger.Warn(context.Background(), "runtime: channel delivery failed", "actor_id", peer.String(), "err", err)
	}
}

func (r *Registry) deliverChannelClose(sender id.ActorID, cmd bus.ChannelClose) {
	peer, ok := r.channelPeer(sender, cmd.ChannelID)
	r.mu.Lock()
	delete(r.channels, cmd.ChannelID)
	r.mu.Unlock()
	if !ok {
		return
	}

	if e, found := r.lookup(peer); found {
		e.act.Store().CloseChannel(cmd.ChannelID)
	}
	encoded, err := json.Marshal(channelParams{ChannelID: cmd.ChannelID.String()})
	if err != nil {
		return
	}
	if _, err := r.callExport(peer, "handle-channel-close", encoded); err != nil {
		r.logger.Warn(context.Background(), "runtime: channel close delivery failed", "actor_id", peer.String(), "err", err)
	}
}

func (r *Registry) channelPeer(sender id.ActorID, chID id.ChannelID) (id.ActorID, bool) {
	r.mu.Lock()
	pair, ok := r.channels[chID]
	r.mu.Unlock()
	if !ok {
		return id.ActorID{}, false
	}
	if sender == pair.initiator {
		return pair.target, true
	}
	return pair.initiator, true
}

// callExport invokes one of actorID's exports through its operation loop
// and waits for the reply, bounded by the delivery timeout.
func (r *Registry) callExport(actorID id.ActorID, export string, params []byte) ([]byte, error) {
	e, ok := r.lookup(actorID)
	if !ok {
		return nil, fmt.Errorf("runtime: actor not found: %s", actorID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DeliveryTimeout)
	defer cancel()

	resp := make(chan actor.CallFunctionResult, 1)
	select {
	case e.act.Operations() <- actor.CallFunction{Name: export, Params: params, Response: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-resp:
		return res.Result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ bus.Subscriber = (*Registry)(nil)
