package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockOrder(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, lockOrder("B", "A"))
	assert.Equal(t, []string{"A", "B"}, lockOrder("A", "B"))
	assert.Equal(t, []string{"A"}, lockOrder("A", "A"))
}

func TestLocalCoordinator_ExclusiveOnSharedAccount(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "A", "B")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		l, err := c.Acquire(ctx, "B", "C")
		if err == nil {
			close(acquired)
			l.Release(ctx)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lease acquired while B was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lease.Release(ctx))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lease never acquired after release")
	}
}

func TestLocalCoordinator_DisjointPairsDoNotBlock(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	l1, err := c.Acquire(ctx, "A", "B")
	require.NoError(t, err)
	defer l1.Release(ctx)

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	l2, err := c.Acquire(ctx2, "C", "D")
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestLocalCoordinator_ContextTimeout(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "A", "B")
	require.NoError(t, err)

	// A is free, B is not: the partial hold on A must be rolled back
	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(tctx, "A", "B")
	require.ErrorIs(t, err, ErrLeaseUnavailable)

	require.NoError(t, lease.Release(ctx))
	assert.Equal(t, 0, c.Held())

	again, err := c.Acquire(ctx, "B", "A")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalCoordinator_ReleaseIsIdempotent(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "A", "B")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.Equal(t, 0, c.Held())
}

// Opposite-direction transfers over the same pair must all complete.
func TestLocalCoordinator_SwappedPairsNoDeadlock(t *testing.T) {
	c := NewLocalCoordinator()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "A", "B"
			if i%2 == 1 {
				a, b = b, a
			}
			lease, err := c.Acquire(ctx, a, b)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			inside.Add(-1)
			lease.Release(ctx)
		}(i)
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, c.Held())
}

func TestNopCoordinator(t *testing.T) {
	lease, err := NopCoordinator{}.Acquire(context.Background(), "A", "B")
	require.NoError(t, err)
	assert.NoError(t, lease.Release(context.Background()))
}
