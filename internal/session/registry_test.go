package session

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"portfolio-analyzer/internal/observability"
)

func registryController(id string) *Controller {
	return NewController(id, newFakeConn(), &fakeStarter{}, NewRegistry(), time.Second,
		observability.New(), slog.New(slog.DiscardHandler))
}

func TestRegistryAddReturnsPrevious(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	first := registryController("s-1-aaaa")
	second := registryController("s-1-aaaa")

	assert.Nil(t, reg.Add(first))
	assert.Same(t, first, reg.Add(second))
	assert.Same(t, second, reg.Get("s-1-aaaa"))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryRemoveOnlyDropsOwnMapping(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	first := registryController("s-1-aaaa")
	second := registryController("s-1-aaaa")
	reg.Add(first)
	reg.Add(second)

	// The replaced controller's teardown must not unregister its successor.
	reg.Remove(first)
	assert.Same(t, second, reg.Get("s-1-aaaa"))

	reg.Remove(second)
	assert.Nil(t, reg.Get("s-1-aaaa"))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistrySnapshotIsStable(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	a := registryController("s-1-aaaa")
	b := registryController("s-2-bbbb")
	reg.Add(a)
	reg.Add(b)

	snap := reg.Snapshot()
	reg.Remove(a)
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := registryController(fmt.Sprintf("s-%d-cccc", i))
			reg.Add(c)
			reg.Snapshot()
			reg.Get(c.SessionID())
			reg.Remove(c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryShutdownWaitsForControllers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	c := NewController("s-1-aaaa", newFakeConn(), &fakeStarter{}, reg, time.Minute,
		observability.New(), slog.New(slog.DiscardHandler))
	reg.Add(c)
	go c.Serve()

	done := make(chan struct{})
	go func() {
		reg.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Shutdown returned before controller finished")
	}
}
