package actorerrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/theater-run/theater/actorerrors"
)

func TestActorErrorIsMatchesByKind(t *testing.T) {
	err := actorerrors.New(actorerrors.KindFunctionNotFound, "ping")
	assert.True(t, errors.Is(err, actorerrors.New(actorerrors.KindFunctionNotFound, "")))
	assert.False(t, errors.Is(err, actorerrors.New(actorerrors.KindTypeMismatch, "")))
}

func TestInternalCarriesEventHash(t *testing.T) {
	cause := errors.New("boom")
	err := actorerrors.Internal([]byte{1, 2, 3}, cause)
	assert.Equal(t, actorerrors.KindInternal, err.Kind)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []byte{1, 2, 3}, err.EventHash)
}

func TestSetupErrorUnwraps(t *testing.T) {
	cause := errors.New("linker failed")
	err := &actorerrors.SetupError{Step: "instantiate", Err: cause}
	assert.ErrorIs(t, err, cause)
}
