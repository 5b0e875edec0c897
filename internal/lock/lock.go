// Package lock implements the concurrency coordinator that serialises
// transfers touching the same accounts.
//
// Leases always take per-account locks in ascending account-number order,
// whichever account is the source, so two transfers over the same pair in
// opposite directions cannot deadlock.
package lock

import (
	"context"
	"errors"
	"sort"
)

// ErrLeaseUnavailable wraps every failure to obtain a lease (timeout,
// contention exhausted, backend down). Callers treat it as retryable.
var ErrLeaseUnavailable = errors.New("lease unavailable")

// Lease is exclusive access to a set of accounts. Release must be called on
// every exit path; calling it more than once is a no-op.
type Lease interface {
	Release(ctx context.Context) error
}

// Coordinator hands out leases over account pairs.
type Coordinator interface {
	// Acquire blocks until both accounts are held or ctx is done.
	Acquire(ctx context.Context, accountA, accountB string) (Lease, error)
}

// lockOrder returns the distinct account numbers in ascending order.
func lockOrder(accounts ...string) []string {
	keys := make([]string, 0, len(accounts))
	seen := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		keys = append(keys, a)
	}
	sort.Strings(keys)
	return keys
}

// NopCoordinator grants leases immediately. It is used in optimistic mode,
// where the version-conditioned commit alone prevents lost updates.
type NopCoordinator struct{}

func (NopCoordinator) Acquire(context.Context, string, string) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }
