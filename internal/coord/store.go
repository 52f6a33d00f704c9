// Package coord provides the shared coordination store used to track fences,
// tasksets and advisory locks across scheduler, monitor and worker processes.
package coord

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrLockNotAcquired is returned by AcquireLock when another holder owns the lock
	ErrLockNotAcquired = errors.New("lock is held by another owner")
	// ErrLockNotOwned is returned when a lock operation is attempted after the lock expired
	// or was taken over by another holder
	ErrLockNotOwned = errors.New("lock is not owned")
)

// Store is the key/value, set and lock surface needed by the fence machinery.
// All operations are individually atomic. Reads observe prior writes from any client.
type Store interface {
	// Exists reports whether the key is present
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns the value of the key and whether it was present
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value of a key without expiry
	Set(ctx context.Context, key, value string) error
	// Delete removes the keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// SetAdd inserts a member into a set
	SetAdd(ctx context.Context, setKey, member string) error
	// SetRemove removes a member from a set. Missing members are not an error.
	SetRemove(ctx context.Context, setKey, member string) error
	// SetSize returns the cardinality of a set, 0 when the set does not exist
	SetSize(ctx context.Context, setKey string) (int64, error)

	// ScanKeys iterates all keys starting with prefix. Iteration stops at the first error.
	ScanKeys(ctx context.Context, prefix string) iter.Seq2[string, error]

	// AcquireLock tries once to take the named lock with the given expiry.
	// It returns ErrLockNotAcquired when the lock is held elsewhere.
	AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error)

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}

// Lock is an advisory lock with expiry. A holder that stalls past the timeout
// loses the lock silently; Reacquire and Release then return ErrLockNotOwned.
type Lock interface {
	// Name returns the lock key
	Name() string
	// Timeout returns the expiry applied on acquire and reacquire
	Timeout() time.Duration
	// Reacquire resets the expiry to the full timeout
	Reacquire(ctx context.Context) error
	// Owned reports whether this holder still owns the lock
	Owned(ctx context.Context) (bool, error)
	// Release frees the lock if this holder still owns it
	Release(ctx context.Context) error
}

// ReleaseIfOwned releases the lock when it is still owned by this holder and
// reports whether anything was released. It is meant for deferred cleanup.
func ReleaseIfOwned(ctx context.Context, lock Lock) (bool, error) {
	owned, err := lock.Owned(ctx)
	if err != nil {
		return false, err
	}
	if !owned {
		return false, nil
	}
	if err := lock.Release(ctx); err != nil {
		if errors.Is(err, ErrLockNotOwned) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
