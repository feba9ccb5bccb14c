package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/notready-remediator/notready-remediator/pkg/mapping"
)

const (
	// DefaultMaxAttempts is the total number of attempts, including the first.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the fixed pause between attempts.
	DefaultRetryDelay = 10 * time.Second
)

// RebootFailedError is returned once the retry budget is spent, or when an
// attempt fails in a way that retrying cannot fix.
type RebootFailedError struct {
	Attempts int
	LastErr  error
}

func (e *RebootFailedError) Error() string {
	return fmt.Sprintf("reboot failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RebootFailedError) Unwrap() error { return e.LastErr }

// Attempt describes one finished call to the underlying Executor.
type Attempt struct {
	Number    int
	Target    mapping.Target
	Command   string
	Result    CommandResult
	Err       error
	Duration  time.Duration
	WillRetry bool
}

// AttemptObserver is notified after every attempt.
type AttemptObserver func(context.Context, Attempt)

type observerKey struct{}

// WithAttemptObserver returns a context whose RetryRunner calls report to fn.
// Observers attached to parent contexts are notified as well.
func WithAttemptObserver(ctx context.Context, fn AttemptObserver) context.Context {
	if fn == nil {
		return ctx
	}
	parent := observerFromContext(ctx)
	if parent == nil {
		return context.WithValue(ctx, observerKey{}, fn)
	}
	return context.WithValue(ctx, observerKey{}, AttemptObserver(func(ctx context.Context, a Attempt) {
		parent(ctx, a)
		fn(ctx, a)
	}))
}

func observerFromContext(ctx context.Context) AttemptObserver {
	fn, _ := ctx.Value(observerKey{}).(AttemptObserver)
	return fn
}

// IsRetryable reports whether err is a transient remote failure worth another attempt.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	var cmdErr *CommandError
	return errors.As(err, &connErr) || errors.As(err, &cmdErr)
}

// RetryRunner wraps an Executor with a bounded, fixed-delay retry policy.
type RetryRunner struct {
	executor    Executor
	maxAttempts int
	delay       time.Duration
	// sleep replaces the timer between attempts when set.
	sleep func(time.Duration)
}

// RetryOption configures a RetryRunner.
type RetryOption func(*RetryRunner)

// WithMaxAttempts sets the total attempt budget.
func WithMaxAttempts(n int) RetryOption {
	return func(r *RetryRunner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) RetryOption {
	return func(r *RetryRunner) {
		if d >= 0 {
			r.delay = d
		}
	}
}

// WithRetrySleepFunc overrides the sleep used between attempts (useful for tests).
func WithRetrySleepFunc(fn func(time.Duration)) RetryOption {
	return func(r *RetryRunner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// NewRetryRunner builds a RetryRunner around executor.
func NewRetryRunner(executor Executor, opts ...RetryOption) (*RetryRunner, error) {
	if executor == nil {
		return nil, errors.New("executor must not be nil")
	}
	runner := &RetryRunner{
		executor:    executor,
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner, nil
}

// RunWithRetry executes command on target until it completes or the attempt budget
// is spent. Only ConnectionError and CommandError are retried; a command that
// completes with a non-zero exit status is returned as-is.
func (r *RetryRunner) RunWithRetry(ctx context.Context, target mapping.Target, command string) (CommandResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	observe := observerFromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.sleepWithContext(ctx, r.delay); err != nil {
				return CommandResult{}, &RebootFailedError{
					Attempts: attempt - 1,
					LastErr:  fmt.Errorf("%w; retry aborted: %w", lastErr, err),
				}
			}
		}

		start := time.Now()
		result, err := r.executor.Execute(ctx, target, command)
		duration := time.Since(start)
		retry := err != nil && IsRetryable(err) && attempt < r.maxAttempts

		if observe != nil {
			observe(ctx, Attempt{
				Number:    attempt,
				Target:    target,
				Command:   command,
				Result:    result,
				Err:       err,
				Duration:  duration,
				WillRetry: retry,
			})
		}

		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return result, &RebootFailedError{Attempts: attempt, LastErr: err}
		}
	}

	return CommandResult{}, &RebootFailedError{Attempts: r.maxAttempts, LastErr: lastErr}
}

// MaxAttempts returns the configured attempt budget.
func (r *RetryRunner) MaxAttempts() int { return r.maxAttempts }

func (r *RetryRunner) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if r.sleep == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	done := make(chan struct{})
	go func() {
		r.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
