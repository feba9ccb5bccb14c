package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notready-remediator/notready-remediator/pkg/lock"
	"github.com/notready-remediator/notready-remediator/pkg/observability"
)

// ErrRunInProgress is returned when another remediation run holds the run lock.
var ErrRunInProgress = errors.New("another remediation run is in progress")

// LockedRunner runs a pass only while holding the run-exclusion lock.
type LockedRunner struct {
	runner         SinglePassRunner
	locker         lock.Manager
	reporter       Reporter
	releaseTimeout time.Duration
}

// LockedRunnerOption configures a LockedRunner.
type LockedRunnerOption func(*LockedRunner)

// WithLockReporter sets the reporter used for skipped runs and release failures.
func WithLockReporter(rep Reporter) LockedRunnerOption {
	return func(l *LockedRunner) {
		if rep != nil {
			l.reporter = rep
		}
	}
}

// WithReleaseTimeout bounds how long releasing the lease may take.
func WithReleaseTimeout(d time.Duration) LockedRunnerOption {
	return func(l *LockedRunner) {
		if d > 0 {
			l.releaseTimeout = d
		}
	}
}

// NewLockedRunner wraps runner so each pass holds a lease from locker.
func NewLockedRunner(runner SinglePassRunner, locker lock.Manager, opts ...LockedRunnerOption) (*LockedRunner, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if locker == nil {
		return nil, errors.New("lock manager must not be nil")
	}
	l := &LockedRunner{
		runner:         runner,
		locker:         locker,
		reporter:       NoopReporter{},
		releaseTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// RunOnce acquires the lock, runs one pass and releases the lock. A contended
// lock returns ErrRunInProgress without running.
func (l *LockedRunner) RunOnce(ctx context.Context) (summary Summary, err error) {
	lease, err := l.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			l.recordSkipped(ctx, err)
			return Summary{}, fmt.Errorf("%w: %w", ErrRunInProgress, err)
		}
		return Summary{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer l.release(lease, &err)

	return l.runner.RunOnce(ctx)
}

func (l *LockedRunner) release(lease lock.Lease, errPtr *error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.releaseTimeout)
	defer cancel()

	releaseErr := lease.Release(ctx)
	if releaseErr == nil {
		return
	}
	l.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "lock_release_failed",
		Message: releaseErr.Error(),
	})
	if *errPtr == nil {
		*errPtr = fmt.Errorf("release run lock: %w", releaseErr)
	}
}

func (l *LockedRunner) recordSkipped(ctx context.Context, err error) {
	fields := map[string]interface{}{}
	var held *lock.HeldError
	if errors.As(err, &held) && held.Holder.Host != "" {
		fields["holder_host"] = held.Holder.Host
		fields["holder_pid"] = held.Holder.PID
	}
	l.reporter.RecordMetric(observability.Counter(metricRuns, "Number of remediation runs grouped by result.",
		map[string]string{"result": "skipped"}))
	l.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "run_skipped",
		Message: err.Error(),
		Fields:  fields,
	})
}

var _ SinglePassRunner = (*Runner)(nil)
var _ SinglePassRunner = (*LockedRunner)(nil)
