package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Release when a lock had already expired in Redis.
var ErrLeaseLost = errors.New("lease expired before release")

// RedisOptions configures the distributed coordinator.
type RedisOptions struct {
	// KeyPrefix namespaces the lock keys, e.g. "lock:account:".
	KeyPrefix string
	// Expiry bounds how long a crashed holder can block an account.
	Expiry time.Duration
	// Tries and RetryDelay control how long Acquire polls a busy lock.
	Tries      int
	RetryDelay time.Duration
}

// DefaultRedisOptions returns defaults tuned for sub-second critical sections.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		KeyPrefix:  "lock:account:",
		Expiry:     10 * time.Second,
		Tries:      64,
		RetryDelay: 50 * time.Millisecond,
	}
}

// RedisCoordinator serialises access across service instances using one
// redsync mutex per account.
type RedisCoordinator struct {
	redsync *redsync.Redsync
	opts    RedisOptions
	logger  *slog.Logger
}

// NewRedisCoordinator creates a coordinator backed by client
func NewRedisCoordinator(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *RedisCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCoordinator{
		redsync: redsync.New(goredis.NewPool(client)),
		opts:    opts,
		logger:  logger,
	}
}

// Acquire implements Coordinator.
func (c *RedisCoordinator) Acquire(ctx context.Context, accountA, accountB string) (Lease, error) {
	keys := lockOrder(accountA, accountB)
	held := make([]*redsync.Mutex, 0, len(keys))

	for _, key := range keys {
		mutex := c.redsync.NewMutex(
			c.opts.KeyPrefix+key,
			redsync.WithExpiry(c.opts.Expiry),
			redsync.WithTries(c.opts.Tries),
			redsync.WithRetryDelay(c.opts.RetryDelay),
		)

		if err := mutex.LockContext(ctx); err != nil {
			if rerr := unlockAll(context.WithoutCancel(ctx), held); rerr != nil {
				c.logger.WarnContext(ctx, "failed to roll back partial lease", "error", rerr)
			}
			return nil, fmt.Errorf("%w: account %s: %v", ErrLeaseUnavailable, key, err)
		}
		held = append(held, mutex)
	}

	return &redisLease{mutexes: held}, nil
}

type redisLease struct {
	mutexes []*redsync.Mutex
	once    sync.Once
	err     error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = unlockAll(ctx, l.mutexes)
	})
	return l.err
}

func unlockAll(ctx context.Context, mutexes []*redsync.Mutex) error {
	var errs []error
	for i := len(mutexes) - 1; i >= 0; i-- {
		ok, err := mutexes[i].UnlockContext(ctx)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("unlock %s: %w", mutexes[i].Name(), err))
		case !ok:
			errs = append(errs, fmt.Errorf("unlock %s: %w", mutexes[i].Name(), ErrLeaseLost))
		}
	}
	return errors.Join(errs...)
}
