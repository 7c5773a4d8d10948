// Package actorerrors defines the closed set of error kinds an actor's
// control, operation, and info loops can produce. Every host-callable
// function ultimately returns one of these, wrapped with fmt.Errorf("%w"),
// so callers can branch on kind with errors.As instead of matching
// strings.
package actorerrors

import (
	"errors"
	"fmt"
)

// SetupError is returned when actor setup fails before Running is reached.
// Setup errors are not recoverable for that actor; they surface as a
// failure of the spawn response.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("actor setup failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ActorInstanceNotFound is returned when an operation targets a sandbox
// instance that has not yet been installed in the wrapper (setup has not
// completed, or the actor has already shut down).
var ActorInstanceNotFound = errors.New("actor instance not found")

// ActorPhaseError reports that the actor left the phase a step required;
// setup checkpoints wrap it in a SetupError when the phase is no longer
// Starting.
type ActorPhaseError struct {
	Expected string
	Found    string
}

func (e *ActorPhaseError) Error() string {
	return fmt.Sprintf("actor phase error: expected %s, found %s", e.Expected, e.Found)
}

// Kind enumerates the ActorError variants from the operation surface.
type Kind string

const (
	KindFunctionNotFound    Kind = "FunctionNotFound"
	KindTypeMismatch        Kind = "TypeMismatch"
	KindUpdateComponent     Kind = "UpdateComponent"
	KindInternal            Kind = "Internal"
	KindShuttingDown        Kind = "ShuttingDown"
	KindNotPaused           Kind = "NotPaused"
	KindOperationTimeout    Kind = "OperationTimeout"
	KindChannelClosed       Kind = "ChannelClosed"
	KindSerializationError  Kind = "SerializationError"
)

// ActorError is the typed error returned by operation-loop and supervision
// calls. EventHash, when non-nil, names the chain event that recorded the
// failure (used by Internal errors per the operation loop's CallFunction
// contract).
type ActorError struct {
	Kind      Kind
	Message   string
	EventHash []byte
}

func (e *ActorError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("actor error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("actor error (%s)", e.Kind)
}

// Is reports whether target is an ActorError of the same Kind, so callers
// can write errors.Is(err, actorerrors.New(actorerrors.KindFunctionNotFound, "")).
func (e *ActorError) Is(target error) bool {
	other, ok := target.(*ActorError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New constructs an ActorError of the given kind.
func New(kind Kind, message string) *ActorError {
	return &ActorError{Kind: kind, Message: message}
}

// Internal constructs an Internal ActorError tagged with the chain event
// that recorded the underlying failure.
func Internal(eventHash []byte, err error) *ActorError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ActorError{Kind: KindInternal, Message: msg, EventHash: eventHash}
}

// UnknownError wraps any failure that does not fit the closed set above,
// preserving the original error for logging while still presenting a
// typed boundary to callers.
type UnknownError struct {
	Err error
}

func (e *UnknownError) Error() string { return fmt.Sprintf("unknown error: %v", e.Err) }
func (e *UnknownError) Unwrap() error { return e.Err }
