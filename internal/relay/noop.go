package relay

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// NoopRuntime is the single degraded implementation of Runtime: it records
// state in memory and runs nothing. Used when no container engine is
// available, and by tests exercising lifecycle logic.
type NoopRuntime struct {
	mu         sync.Mutex
	containers map[string]Container // handle -> container
	byGroup    map[string]string    // group id -> handle
	next       int

	// StartErr, when set, makes Start fail. Tests use it to exercise rollback.
	StartErr error
}

// NewNoopRuntime returns an empty in-memory runtime.
func NewNoopRuntime() *NoopRuntime {
	return &NoopRuntime{
		containers: make(map[string]Container),
		byGroup:    make(map[string]string),
	}
}

// Start implements Runtime. The requested bindings are echoed back unchanged.
func (n *NoopRuntime) Start(_ context.Context, req StartRequest) (Container, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.StartErr != nil {
		return Container{}, n.StartErr
	}
	n.next++
	handle := "noop-" + req.GroupID + "-" + strconv.Itoa(n.next)
	c := Container{Handle: handle, Running: true, Bindings: req.Bindings}
	n.containers[handle] = c
	n.byGroup[req.GroupID] = handle
	return c, nil
}

// Stop implements Runtime.
func (n *NoopRuntime) Stop(_ context.Context, handle string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.containers[handle]; ok {
		c.Running = false
		n.containers[handle] = c
	}
	return nil
}

// Remove implements Runtime.
func (n *NoopRuntime) Remove(_ context.Context, handle string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.containers, handle)
	for gid, h := range n.byGroup {
		if h == handle {
			delete(n.byGroup, gid)
		}
	}
	return nil
}

// Inspect implements Runtime. An unknown handle reports a stopped container.
func (n *NoopRuntime) Inspect(_ context.Context, handle string) (Container, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.containers[handle]; ok {
		return c, nil
	}
	return Container{Handle: handle}, nil
}

// FindByGroup implements Runtime.
func (n *NoopRuntime) FindByGroup(_ context.Context, groupID string) (Container, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	handle, ok := n.byGroup[groupID]
	if !ok {
		return Container{}, false, nil
	}
	return n.containers[handle], true, nil
}
