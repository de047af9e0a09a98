package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDrainTimeout = errors.New("timeout waiting for in-flight work to drain")

// DrainManager tracks draining state and in-flight work: live agent command
// streams and blocking command executions. Once draining starts, new work is
// refused while tracked work is allowed to finish.
type DrainManager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

func (m *DrainManager) Active() int64 {
	return m.active.Load()
}

// Track registers one unit of in-flight work and returns a release callback.
// The callback is safe to call more than once.
func (m *DrainManager) Track() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

// Wait blocks until all tracked work has released or the context expires.
func (m *DrainManager) Wait(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return errDrainTimeout
	case <-waitDone:
		return nil
	}
}
