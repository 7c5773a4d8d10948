package actor

import (
	"context"
	"time"

	"github.com/theater-run/theater/actorerrors"
	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/phase"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/telemetry"
)

// CallFunction is the one operation-loop request type: invoke a
// named export against the sandbox instance with the actor's current
// state and the caller-supplied parameters.
type CallFunction struct {
	Name     string
	Params   []byte
	Response chan<- CallFunctionResult
}

// CallFunctionResult is the reply to CallFunction.
type CallFunctionResult struct {
	Result []byte
	Err    error
}

// OperationLoop processes CallFunction requests against the sandbox,
// enforcing at-most-one concurrent function call per actor via the
// wrapper's write lock, a default operation timeout, and pause-on-error.
type OperationLoop struct {
	store      *Store
	operations <-chan CallFunction
	timeout    time.Duration
	logger     telemetry.Logger
	metrics    telemetry.Metrics
}

// NewOperationLoop constructs an OperationLoop reading from operations.
// logger/metrics may be nil (Noop implementations are substituted).
func NewOperationLoop(store *Store, operations <-chan CallFunction, timeout time.Duration, logger telemetry.Logger, metrics telemetry.Metrics) *OperationLoop {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &OperationLoop{store: store, operations: operations, timeout: timeout, logger: logger, metrics: metrics}
}

// Run drives the loop until ctx is done or the phase reaches
// ShuttingDown. It gates on Running (Starting and Paused both wait
// here), processes exactly one operation per wake, then re-gates —
// since a function-call error sets Paused, the next operation must not
// run until Resume brings the actor back to Running.
func (l *OperationLoop) Run(ctx context.Context) {
	shuttingDown := make(chan struct{})
	go func() {
		if _, err := l.store.Phase().WaitForAny(ctx, phase.ShuttingDown); err == nil {
			close(shuttingDown)
		}
	}()

	for {
		p, err := l.store.Phase().WaitForAny(ctx, phase.Running, phase.ShuttingDown)
		if err != nil {
			return
		}
		if p == phase.ShuttingDown {
			return
		}

		select {
		case op, ok := <-l.operations:
			if !ok {
				return
			}
			l.handle(ctx, op)
		case <-shuttingDown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *OperationLoop) handle(ctx context.Context, op CallFunction) {
	callCtx := ctx
	var cancel context.CancelFunc
	if l.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var (
		newState, result []byte
		callErr          error
	)

	lockErr := l.store.Sandbox().WithWrite(callCtx, func(inst sandbox.Instance) error {
		if !inst.HasExport(op.Name) {
			callErr = actorerrors.New(actorerrors.KindFunctionNotFound, op.Name)
			return nil
		}

		l.store.Recorder().WasmCall(callCtx, op.Name, op.Params)
		state := l.store.State()

		start := time.Now()
		newState, result, callErr = inst.CallExport(callCtx, op.Name, state, op.Params)
		l.metrics.RecordTimer("theater.operation.call_export.duration", time.Since(start), "function", op.Name)
		return nil
	})

	switch {
	case lockErr != nil:
		l.replyRuntimeError(op, lockErr)
	case callErr != nil:
		l.replyCallError(callCtx, op, callErr)
	default:
		l.store.Recorder().WasmResult(callCtx, op.Name, newState, result)
		l.store.SetState(newState)
		l.reply(op, CallFunctionResult{Result: result})
	}
}

func (l *OperationLoop) replyRuntimeError(op CallFunction, err error) {
	l.publishActorRuntimeError(err)
	l.reply(op, CallFunctionResult{Err: err})
}

func (l *OperationLoop) replyCallError(ctx context.Context, op CallFunction, callErr error) {
	if ae, ok := callErr.(*actorerrors.ActorError); ok && ae.Kind == actorerrors.KindFunctionNotFound {
		// Function-not-found is a caller mistake, not a sandbox failure:
		// no chain event, no pause.
		l.reply(op, CallFunctionResult{Err: callErr})
		return
	}

	// Recording and publishing must not be skipped just because the
	// per-call timeout expired; use a fresh context for bookkeeping.
	recordCtx := context.Background()
	ev := l.store.Recorder().WasmError(recordCtx, op.Name, callErr)
	l.publishActorError(callErr, ev.Hash)
	l.store.Phase().Set(phase.Paused)

	if ctx.Err() != nil {
		l.reply(op, CallFunctionResult{Err: actorerrors.New(actorerrors.KindOperationTimeout, callErr.Error())})
		return
	}
	l.reply(op, CallFunctionResult{Err: actorerrors.Internal(ev.Hash, callErr)})
}

func (l *OperationLoop) publishActorRuntimeError(err error) {
	pubErr := l.store.Bus().Publish(context.Background(), bus.Event{
		Type:    bus.EventActorRuntimeError,
		ActorID: l.store.ActorID(),
		Err:     err,
	})
	if pubErr != nil {
		l.logger.Warn(context.Background(), "operation loop: publish ActorRuntimeError failed", "err", pubErr)
	}
}

func (l *OperationLoop) publishActorError(callErr error, eventHash []byte) {
	pubErr := l.store.Bus().Publish(context.Background(), bus.Event{
		Type:    bus.EventActorError,
		ActorID: l.store.ActorID(),
		Err:     callErr,
		Data:    eventHash,
	})
	if pubErr != nil {
		l.logger.Warn(context.Background(), "operation loop: publish ActorError failed", "err", pubErr)
	}
}

func (l *OperationLoop) reply(op CallFunction, result CallFunctionResult) {
	if op.Response == nil {
		return
	}
	op.Response <- result
}
