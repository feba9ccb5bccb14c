package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/notready-remediator/notready-remediator/pkg/config"
)

type loopStep struct {
	summary Summary
	err     error
}

type fakeLoopRunner struct {
	mu    sync.Mutex
	steps []loopStep
	idx   int
	calls int
}

func (f *fakeLoopRunner) RunOnce(ctx context.Context) (Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return Summary{}, nil
	}
	if f.idx >= len(f.steps) {
		last := f.steps[len(f.steps)-1]
		return last.summary, last.err
	}
	step := f.steps[f.idx]
	f.idx++
	return step.summary, step.err
}

// sleepRecorder cancels the loop once it has seen limit sleeps.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	if len(s.sleeps) >= s.limit {
		s.cancel()
	}
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func baseConfig() *config.Config {
	return &config.Config{RunIntervalSec: 300}
}

func TestLoopRunsOnInterval(t *testing.T) {
	runner := &fakeLoopRunner{steps: []loopStep{{summary: Summary{TotalUnready: 1, Succeeded: 1}}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sleepRecorder{limit: 3, cancel: cancel}

	var hooks int
	loop, err := NewLoop(baseConfig(), runner, WithLoopSleepFunc(rec.sleep), WithLoopIterationHook(func(s Summary) {
		if s.Succeeded != 1 {
			t.Errorf("unexpected summary in hook: %+v", s)
		}
		hooks++
	}))
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	for _, d := range rec.recorded() {
		if d != 5*time.Minute {
			t.Fatalf("expected configured 5m interval, got %s", d)
		}
	}
	if hooks != 3 {
		t.Fatalf("expected 3 iteration hooks, got %d", hooks)
	}
}

func TestLoopBacksOffAfterErrors(t *testing.T) {
	runner := &fakeLoopRunner{steps: []loopStep{
		{err: errors.New("cluster unreachable")},
		{err: errors.New("cluster unreachable")},
		{err: errors.New("cluster unreachable")},
		{summary: Summary{}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sleepRecorder{limit: 4, cancel: cancel}

	var handled []error
	loop, err := NewLoop(baseConfig(), runner,
		WithLoopInterval(10*time.Second),
		WithLoopSleepFunc(rec.sleep),
		WithLoopErrorBackoff(time.Second, 3*time.Second),
		WithLoopErrorHandler(func(err error) { handled = append(handled, err) }),
	)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 10 * time.Second}
	got := rec.recorded()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected sleeps %v, want %v", got, want)
	}
	if len(handled) != 3 {
		t.Fatalf("expected 3 handled errors, got %d", len(handled))
	}
}

func TestLoopTreatsLockContentionAsSkippedPass(t *testing.T) {
	runner := &fakeLoopRunner{steps: []loopStep{{err: fmt.Errorf("%w: held elsewhere", ErrRunInProgress)}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &sleepRecorder{limit: 2, cancel: cancel}

	loop, err := NewLoop(baseConfig(), runner,
		WithLoopInterval(30*time.Second),
		WithLoopSleepFunc(rec.sleep),
		WithLoopErrorHandler(func(err error) { t.Errorf("unexpected error handler call: %v", err) }),
	)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	for _, d := range rec.recorded() {
		if d != 30*time.Second {
			t.Fatalf("expected regular interval after skipped pass, got %s", d)
		}
	}
}

func TestLoopStopsWhenContextAlreadyCancelled(t *testing.T) {
	runner := &fakeLoopRunner{}
	loop, err := NewLoop(baseConfig(), runner)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("expected no passes, got %d", runner.calls)
	}
}

func TestNewLoopValidatesInputs(t *testing.T) {
	if _, err := NewLoop(nil, &fakeLoopRunner{}); err == nil {
		t.Fatal("expected error when config nil")
	}
	if _, err := NewLoop(baseConfig(), nil); err == nil {
		t.Fatal("expected error when runner nil")
	}
}
