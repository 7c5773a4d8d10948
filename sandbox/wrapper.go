package sandbox

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/theater-run/theater/actorerrors"
)

// maxReaders bounds how many concurrent readers Wrapper admits. Acquiring
// the full weight excludes every reader, which is the documented pattern
// for turning a weighted semaphore into a read/write lock.
const maxReaders = 1 << 20

// Wrapper is the shared, interior-mutable holder of a sandbox Instance.
// The operation loop takes exclusive (write) access for the duration of a
// function call; the info loop, handlers, and the replay driver take
// shared (read) access. Once installed, the wrapper stays non-empty until
// the control loop drops the actor.
type Wrapper struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	instance Instance
}

// NewWrapper constructs an empty Wrapper.
func NewWrapper() *Wrapper {
	return &Wrapper{sem: semaphore.NewWeighted(maxReaders)}
}

// Install publishes inst as the wrapper's instance, taking exclusive access
// to do so. Called once, at the end of setup.
func (w *Wrapper) Install(ctx context.Context, inst Instance) error {
	if err := w.sem.Acquire(ctx, maxReaders); err != nil {
		return err
	}
	defer w.sem.Release(maxReaders)
	w.mu.Lock()
	w.instance = inst
	w.mu.Unlock()
	return nil
}

// WithRead runs fn with shared read access to the current instance. Many
// readers may run concurrently as long as no writer holds the wrapper.
func (w *Wrapper) WithRead(ctx context.Context, fn func(Instance) error) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)
	return w.withCurrent(fn)
}

// WithWrite runs fn with exclusive access to the current instance. At most
// one writer, and no concurrent readers, run at a time.
func (w *Wrapper) WithWrite(ctx context.Context, fn func(Instance) error) error {
	if err := w.sem.Acquire(ctx, maxReaders); err != nil {
		return err
	}
	defer w.sem.Release(maxReaders)
	return w.withCurrent(fn)
}

func (w *Wrapper) withCurrent(fn func(Instance) error) error {
	w.mu.Lock()
	inst := w.instance
	w.mu.Unlock()
	if inst == nil {
		return actorerrors.ActorInstanceNotFound
	}
	return fn(inst)
}

// Installed reports whether an instance has been published yet.
func (w *Wrapper) Installed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instance != nil
}
