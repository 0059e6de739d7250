package coordination

import (
	"context"
	"sync"
)

// LocalCoordinator is the no-etcd fallback: an in-process mutex per key,
// sufficient for a single pipelexd process running standalone (the default;
// see DESIGN.md's Open Question resolution).
type LocalCoordinator struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalCoordinator builds an in-process Coordinator.
func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{locks: map[string]*sync.Mutex{}}
}

func (c *LocalCoordinator) namedMutex(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[name]
	if !ok {
		m = &sync.Mutex{}
		c.locks[name] = m
	}
	return m
}

// Lock acquires the in-process mutex for name. It never blocks on ctx since
// there is no network round trip to cancel, but ctx is accepted to satisfy
// the Coordinator interface.
func (c *LocalCoordinator) Lock(ctx context.Context, name string) (Lock, error) {
	m := c.namedMutex(name)
	m.Lock()
	return &localLock{m: m}, nil
}

// Close is a no-op for the in-process coordinator.
func (c *LocalCoordinator) Close() error { return nil }

type localLock struct {
	m *sync.Mutex
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.m.Unlock()
	return nil
}
