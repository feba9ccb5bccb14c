package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/notready-remediator/notready-remediator/pkg/config"
)

// SinglePassRunner is one remediation pass; Runner and LockedRunner both satisfy it.
type SinglePassRunner interface {
	RunOnce(ctx context.Context) (Summary, error)
}

// Loop repeats remediation passes on a fixed interval until the context is cancelled.
type Loop struct {
	runner        SinglePassRunner
	interval      time.Duration
	sleep         func(time.Duration)
	iterationHook func(Summary)
	errorHandler  func(error)
	errorBackoff  time.Duration
	errorMinDelay time.Duration
	errorMaxDelay time.Duration
}

// LoopOption customises loop behaviour.
type LoopOption func(*Loop)

// WithLoopSleepFunc overrides the sleep implementation between iterations.
func WithLoopSleepFunc(fn func(time.Duration)) LoopOption {
	return func(l *Loop) {
		l.sleep = fn
	}
}

// WithLoopIterationHook registers a callback invoked after each completed pass.
func WithLoopIterationHook(fn func(Summary)) LoopOption {
	return func(l *Loop) {
		l.iterationHook = fn
	}
}

// WithLoopInterval overrides the configured interval between passes.
func WithLoopInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.interval = d
	}
}

// WithLoopErrorHandler registers a callback for failed passes.
func WithLoopErrorHandler(fn func(error)) LoopOption {
	return func(l *Loop) {
		l.errorHandler = fn
	}
}

// WithLoopErrorBackoff overrides the backoff window applied after failed passes.
func WithLoopErrorBackoff(min, max time.Duration) LoopOption {
	return func(l *Loop) {
		l.errorMinDelay = min
		l.errorMaxDelay = max
	}
}

// NewLoop constructs a Loop around runner using cfg's run interval.
func NewLoop(cfg *config.Config, runner SinglePassRunner, opts ...LoopOption) (*Loop, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}

	loop := &Loop{
		runner:        runner,
		interval:      cfg.RunInterval(),
		sleep:         time.Sleep,
		errorMinDelay: 5 * time.Second,
		errorMaxDelay: time.Minute,
	}
	for _, opt := range opts {
		opt(loop)
	}

	if loop.sleep == nil {
		loop.sleep = time.Sleep
	}
	if loop.interval <= 0 {
		loop.interval = 5 * time.Minute
	}
	if loop.errorMinDelay <= 0 {
		loop.errorMinDelay = 5 * time.Second
	}
	if loop.errorMaxDelay < loop.errorMinDelay {
		loop.errorMaxDelay = loop.errorMinDelay
	}

	return loop, nil
}

// Run executes passes until ctx is cancelled and returns the context error.
// A failed pass is handed to the error handler and followed by an exponential
// backoff instead of the regular interval. A pass skipped because another run
// holds the lock waits the regular interval.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		summary, err := l.runner.RunOnce(ctx)
		switch {
		case err == nil:
			l.errorBackoff = 0
			if l.iterationHook != nil {
				l.iterationHook(summary)
			}
		case errors.Is(err, ErrRunInProgress):
			l.errorBackoff = 0
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if l.errorHandler != nil {
				l.errorHandler(err)
			}
			if sleepErr := l.sleepWithContext(ctx, l.nextErrorDelay()); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		if err := l.sleepWithContext(ctx, l.interval); err != nil {
			return err
		}
	}
}

func (l *Loop) nextErrorDelay() time.Duration {
	if l.errorBackoff <= 0 {
		l.errorBackoff = l.errorMinDelay
	} else {
		l.errorBackoff *= 2
	}
	if l.errorBackoff > l.errorMaxDelay {
		l.errorBackoff = l.errorMaxDelay
	}
	return l.errorBackoff
}

func (l *Loop) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
