package phase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/phase"
)

func TestValidTransitions(t *testing.T) {
	assert.True(t, phase.Starting.Valid(phase.Running))
	assert.True(t, phase.Running.Valid(phase.Paused))
	assert.True(t, phase.Paused.Valid(phase.Running))
	assert.True(t, phase.Running.Valid(phase.ShuttingDown))
	assert.False(t, phase.ShuttingDown.Valid(phase.Running))
	assert.False(t, phase.Starting.Valid(phase.Paused))
}

func TestGetReflectsLatestSet(t *testing.T) {
	m := phase.New()
	assert.Equal(t, phase.Starting, m.Get())
	m.Set(phase.Running)
	assert.Equal(t, phase.Running, m.Get())
}

func TestWaitForReturnsImmediatelyWhenAlreadyAtTarget(t *testing.T) {
	m := phase.New()
	err := m.WaitFor(context.Background(), phase.Starting)
	assert.NoError(t, err)
}

func TestWaitForWakesOnSet(t *testing.T) {
	m := phase.New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, m.WaitFor(context.Background(), phase.Running))
	}()

	time.Sleep(10 * time.Millisecond)
	m.Set(phase.Running)
	wg.Wait()
}

func TestWaitForRespectsContextCancellation(t *testing.T) {
	m := phase.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.WaitFor(ctx, phase.Paused)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForAnyReturnsImmediatelyWhenAlreadyAtATarget(t *testing.T) {
	m := phase.New()
	got, err := m.WaitForAny(context.Background(), phase.Running, phase.Starting)
	require.NoError(t, err)
	assert.Equal(t, phase.Starting, got)
}

func TestWaitForAnyWakesOnWhicheverTargetIsSet(t *testing.T) {
	m := phase.New()
	result := make(chan phase.Phase, 1)
	go func() {
		got, err := m.WaitForAny(context.Background(), phase.Running, phase.ShuttingDown)
		require.NoError(t, err)
		result <- got
	}()

	time.Sleep(10 * time.Millisecond)
	m.Set(phase.ShuttingDown)

	assert.Equal(t, phase.ShuttingDown, <-result)
}

func TestWaitForAnyRespectsContextCancellation(t *testing.T) {
	m := phase.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.WaitForAny(ctx, phase.Paused, phase.ShuttingDown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
