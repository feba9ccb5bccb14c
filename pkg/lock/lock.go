// Package lock keeps two remediation runs from acting on the cluster at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAcquired indicates that another run currently holds the lock.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager hands out the run-exclusion lock.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease represents a held lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
}

// Holder identifies the process that owns a lease.
type Holder struct {
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (h Holder) String() string {
	if h.Host == "" {
		return "unknown holder"
	}
	return fmt.Sprintf("%s (pid %d) since %s", h.Host, h.PID, h.AcquiredAt.UTC().Format(time.RFC3339))
}

// HeldError is returned by Acquire when another holder owns the lock. It matches ErrNotAcquired.
type HeldError struct {
	Holder Holder
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%v: held by %s", ErrNotAcquired, e.Holder)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrNotAcquired
}

// NoopManager is used when the lock is disabled; every Acquire succeeds.
type NoopManager struct{}

func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

func (m *NoopManager) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

var _ Manager = (*NoopManager)(nil)
var _ Lease = noopLease{}
