package shutdownctl_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/shutdownctl"
)

func TestController_SignalWakesObservers(t *testing.T) {
	c := shutdownctl.New()
	assert.False(t, c.Signalled())

	woke := make(chan shutdownctl.Mode, 1)
	go func() {
		<-c.Done()
		woke <- c.Mode()
	}()

	c.Signal(shutdownctl.Force)

	select {
	case mode := <-woke:
		assert.Equal(t, shutdownctl.Force, mode)
	case <-time.After(time.Second):
		t.Fatal("observer did not wake")
	}
	assert.True(t, c.Signalled())
}

func TestController_SignalIdempotent(t *testing.T) {
	c := shutdownctl.New()
	c.Signal(shutdownctl.Graceful)
	c.Signal(shutdownctl.Force)
	require.True(t, c.Signalled())
	assert.Equal(t, shutdownctl.Graceful, c.Mode())
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "Graceful", shutdownctl.Graceful.String())
	assert.Equal(t, "Force", shutdownctl.Force.String())
}
