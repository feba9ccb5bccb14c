package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/notready-remediator/notready-remediator/pkg/nodehealth"
	"github.com/notready-remediator/notready-remediator/pkg/observability"
	"github.com/notready-remediator/notready-remediator/pkg/remote"
)

const (
	metricRuns            = "runs_total"
	metricRunDuration     = "run_duration_seconds"
	metricUnreadyNodes    = "unready_nodes_total"
	metricAttempts        = "reboot_attempts_total"
	metricAttemptDuration = "reboot_attempt_seconds"
	metricNodeOutcomes    = "node_outcomes_total"
)

func (r *Runner) recordDetected(ctx context.Context, node nodehealth.NodeStatus) {
	ready := node.ReadyStatus()
	if ready == "" {
		ready = "missing"
	}
	r.reporter.RecordMetric(observability.Counter(metricUnreadyNodes, "Number of nodes found NotReady across runs.", nil))
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelWarn,
		Node:   node.Name,
		Event:  "unready_node_detected",
		Fields: map[string]interface{}{"ready_status": ready},
	})
}

func (r *Runner) recordAttempt(ctx context.Context, node string, a remote.Attempt) {
	result := attemptResult(a)
	level := observability.LevelInfo
	switch {
	case a.Err != nil && a.WillRetry:
		level = observability.LevelWarn
	case result != "success":
		level = observability.LevelError
	}

	fields := map[string]interface{}{
		"attempt":     a.Number,
		"host":        a.Target.HostAddress,
		"vmid":        a.Target.VMID,
		"result":      result,
		"will_retry":  a.WillRetry,
		"duration_ms": a.Duration.Milliseconds(),
	}
	if r.maxAttempts > 0 {
		fields["max_attempts"] = r.maxAttempts
	}
	if a.Err != nil {
		fields["error"] = a.Err.Error()
	} else {
		fields["exit_status"] = a.Result.ExitStatus
	}
	labels := map[string]string{"result": result}

	r.reporter.RecordMetric(observability.Counter(metricAttempts, "Number of reset command attempts grouped by result.", labels))
	r.reporter.RecordMetric(observability.Seconds(metricAttemptDuration, "Duration of individual reset command attempts.", a.Duration.Seconds(), labels))
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Node:   node,
		Event:  "reboot_attempt",
		Fields: fields,
	})
}

func attemptResult(a remote.Attempt) string {
	var connErr *remote.ConnectionError
	var cmdErr *remote.CommandError
	switch {
	case a.Err == nil && a.Result.ExitStatus == 0:
		return "success"
	case a.Err == nil:
		return "exit_status"
	case errors.As(a.Err, &connErr):
		return "connection"
	case errors.As(a.Err, &cmdErr):
		return "command"
	default:
		return "error"
	}
}

func (r *Runner) recordOutcome(ctx context.Context, out Outcome) {
	result := "success"
	level := observability.LevelInfo
	if !out.Success {
		result = "failure"
		level = observability.LevelError
	}

	fields := map[string]interface{}{
		"success":     out.Success,
		"attempts":    out.Attempts,
		"dry_run":     out.DryRun,
		"duration_ms": out.Duration.Milliseconds(),
	}
	if out.Target != nil {
		fields["host"] = out.Target.HostAddress
		fields["vmid"] = out.Target.VMID
	}
	if out.Cause != CauseNone {
		fields["cause"] = string(out.Cause)
	}
	if out.Cause == CauseExitStatus {
		fields["exit_status"] = out.ExitStatus
	}

	r.reporter.RecordMetric(observability.Counter(metricNodeOutcomes, "Number of node remediations grouped by result and cause.",
		map[string]string{"result": result, "cause": string(out.Cause)}))
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Node:    out.Node,
		Event:   "node_outcome",
		Message: out.Error,
		Fields:  fields,
	})
}

func (r *Runner) recordSummary(ctx context.Context, s Summary) {
	result := "success"
	level := observability.LevelInfo
	if s.Failed > 0 {
		result = "partial_failure"
		level = observability.LevelWarn
	}
	labels := map[string]string{"result": result}

	fields := map[string]interface{}{
		"total_unready": s.TotalUnready,
		"succeeded":     s.Succeeded,
		"failed":        s.Failed,
		"dry_run":       s.DryRun,
		"duration_ms":   s.Duration.Milliseconds(),
	}
	if s.Failed > 0 {
		fields["failed_nodes"] = s.FailedNodes()
	}

	r.reporter.RecordMetric(observability.Counter(metricRuns, "Number of remediation runs grouped by result.", labels))
	r.reporter.RecordMetric(observability.Seconds(metricRunDuration, "Wall-clock duration of remediation runs.", s.Duration.Seconds(), labels))
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "run_summary",
		Fields: fields,
	})
}

func (r *Runner) recordAborted(ctx context.Context, err error, elapsed time.Duration) {
	labels := map[string]string{"result": "aborted"}
	r.reporter.RecordMetric(observability.Counter(metricRuns, "Number of remediation runs grouped by result.", labels))
	r.reporter.RecordMetric(observability.Seconds(metricRunDuration, "Wall-clock duration of remediation runs.", elapsed.Seconds(), labels))
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelError,
		Event:   "run_aborted",
		Message: err.Error(),
	})
}
