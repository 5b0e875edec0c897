package lock

import (
	"context"
	"fmt"
	"sync"
)

// LocalCoordinator serialises access within a single process. Each account
// gets a one-slot channel so waiting can be abandoned when ctx is done.
// Slots are reference counted and dropped once nobody holds or waits on them.
type LocalCoordinator struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalCoordinator creates an in-process coordinator
func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{slots: make(map[string]*slot)}
}

// Acquire implements Coordinator.
func (c *LocalCoordinator) Acquire(ctx context.Context, accountA, accountB string) (Lease, error) {
	keys := lockOrder(accountA, accountB)
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		s := c.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			c.unref(key)
			c.unlock(held)
			return nil, fmt.Errorf("%w: account %s: %v", ErrLeaseUnavailable, key, ctx.Err())
		}
	}

	return &localLease{coordinator: c, keys: held}, nil
}

// Held reports how many accounts currently have a holder or waiter (for testing)
func (c *LocalCoordinator) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

func (c *LocalCoordinator) ref(key string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		c.slots[key] = s
	}
	s.refs++
	return s
}

func (c *LocalCoordinator) unref(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(c.slots, key)
	}
}

// unlock releases keys in reverse acquisition order.
func (c *LocalCoordinator) unlock(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		c.mu.Lock()
		s := c.slots[keys[i]]
		c.mu.Unlock()

		<-s.ch
		c.unref(keys[i])
	}
}

type localLease struct {
	coordinator *LocalCoordinator
	keys        []string
	once        sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.coordinator.unlock(l.keys)
	})
	return nil
}
