package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/notready-remediator/notready-remediator/pkg/lock"
)

type fakeLease struct {
	released int
	err      error
}

func (l *fakeLease) Release(context.Context) error {
	l.released++
	return l.err
}

type fakeLocker struct {
	lease *fakeLease
	err   error
	calls int
}

func (f *fakeLocker) Acquire(context.Context) (lock.Lease, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.lease, nil
}

func TestLockedRunnerRunsWhileHoldingLock(t *testing.T) {
	lease := &fakeLease{}
	runner := &fakeLoopRunner{steps: []loopStep{{summary: Summary{TotalUnready: 2, Succeeded: 2}}}}
	guarded, err := NewLockedRunner(runner, &fakeLocker{lease: lease})
	if err != nil {
		t.Fatalf("new locked runner: %v", err)
	}

	summary, err := guarded.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Succeeded != 2 || runner.calls != 1 {
		t.Fatalf("expected wrapped runner to run once, got %+v (calls %d)", summary, runner.calls)
	}
	if lease.released != 1 {
		t.Fatalf("expected lease release, got %d", lease.released)
	}
}

func TestLockedRunnerSkipsWhenLockHeld(t *testing.T) {
	runner := &fakeLoopRunner{}
	reporter := &recordingReporter{}
	locker := &fakeLocker{err: &lock.HeldError{Holder: lock.Holder{Host: "ops-2", PID: 7}}}
	guarded, err := NewLockedRunner(runner, locker, WithLockReporter(reporter))
	if err != nil {
		t.Fatalf("new locked runner: %v", err)
	}

	_, err = guarded.RunOnce(context.Background())
	if !errors.Is(err, ErrRunInProgress) || !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if runner.calls != 0 {
		t.Fatal("runner must not run without the lock")
	}
	skipped, ok := reporter.find("run_skipped", "")
	if !ok || skipped.Fields["holder_host"] != "ops-2" {
		t.Fatalf("expected run_skipped event naming the holder, got %+v", reporter.events)
	}
}

func TestLockedRunnerReleasesOnRunError(t *testing.T) {
	lease := &fakeLease{}
	runErr := errors.New("cluster unreachable")
	runner := &fakeLoopRunner{steps: []loopStep{{err: runErr}}}
	guarded, err := NewLockedRunner(runner, &fakeLocker{lease: lease})
	if err != nil {
		t.Fatalf("new locked runner: %v", err)
	}

	if _, err := guarded.RunOnce(context.Background()); !errors.Is(err, runErr) {
		t.Fatalf("expected run error, got %v", err)
	}
	if lease.released != 1 {
		t.Fatal("expected lease to be released after a failed run")
	}
}

func TestLockedRunnerReportsReleaseFailure(t *testing.T) {
	lease := &fakeLease{err: errors.New("etcd unavailable")}
	reporter := &recordingReporter{}
	guarded, err := NewLockedRunner(&fakeLoopRunner{}, &fakeLocker{lease: lease}, WithLockReporter(reporter))
	if err != nil {
		t.Fatalf("new locked runner: %v", err)
	}

	_, err = guarded.RunOnce(context.Background())
	if err == nil || err.Error() != "release run lock: etcd unavailable" {
		t.Fatalf("expected release error, got %v", err)
	}
	if reporter.count("lock_release_failed") != 1 {
		t.Fatal("expected lock_release_failed event")
	}
}

func TestLockedRunnerAcquireError(t *testing.T) {
	guarded, err := NewLockedRunner(&fakeLoopRunner{}, &fakeLocker{err: errors.New("dial etcd: timeout")})
	if err != nil {
		t.Fatalf("new locked runner: %v", err)
	}
	_, err = guarded.RunOnce(context.Background())
	if err == nil || errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected acquire failure, got %v", err)
	}
}

func TestLockedRunnerWithNoopManager(t *testing.T) {
	runner := &fakeLoopRunner{}
	guarded, err := NewLockedRunner(runner, lock.NewNoopManager())
	if err != nil {
		t.Fatalf("new locked runner: %v", err)
	}
	if _, err := guarded.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.calls != 1 {
		t.Fatal("expected runner to run")
	}
}

func TestNewLockedRunnerValidation(t *testing.T) {
	if _, err := NewLockedRunner(nil, lock.NewNoopManager()); err == nil {
		t.Fatal("expected error for nil runner")
	}
	if _, err := NewLockedRunner(&fakeLoopRunner{}, nil); err == nil {
		t.Fatal("expected error for nil locker")
	}
}
