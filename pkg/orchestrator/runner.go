package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notready-remediator/notready-remediator/pkg/config"
	"github.com/notready-remediator/notready-remediator/pkg/mapping"
	"github.com/notready-remediator/notready-remediator/pkg/nodehealth"
	"github.com/notready-remediator/notready-remediator/pkg/remote"
)

const DefaultConcurrency = 4

// NodeLister reports the nodes currently classified NotReady, in API order.
type NodeLister interface {
	ListUnreadyNodes(ctx context.Context) ([]nodehealth.NodeStatus, error)
}

// TargetResolver maps a node name to the VM backing it.
type TargetResolver interface {
	Resolve(node string) (mapping.Target, error)
}

// CommandRunner executes the reset command against a VM host, retrying transient failures.
type CommandRunner interface {
	RunWithRetry(ctx context.Context, target mapping.Target, command string) (remote.CommandResult, error)
}

// Cause classifies why a node could not be remediated.
type Cause string

const (
	CauseNone       Cause = ""
	CauseUnmapped   Cause = "unmapped"
	CauseConnection Cause = "connection"
	CauseCommand    Cause = "command"
	CauseExitStatus Cause = "exit_status"
	CauseAborted    Cause = "aborted"
)

// Outcome is the result of remediating one unready node.
type Outcome struct {
	Node    string
	Success bool
	// Error is empty on success.
	Error      string
	Cause      Cause
	Target     *mapping.Target
	Attempts   int
	ExitStatus int
	DryRun     bool
	Duration   time.Duration
}

// Summary aggregates one run. Outcomes follow the order in which the observer
// reported the nodes, and len(Outcomes) == TotalUnready == Succeeded+Failed.
type Summary struct {
	TotalUnready int
	Succeeded    int
	Failed       int
	Outcomes     []Outcome
	DryRun       bool
	Duration     time.Duration
}

// FailedNodes returns the names of nodes whose remediation failed.
func (s Summary) FailedNodes() []string {
	nodes := make([]string, 0, s.Failed)
	for _, o := range s.Outcomes {
		if !o.Success {
			nodes = append(nodes, o.Node)
		}
	}
	return nodes
}

// Runner performs one remediation pass over the cluster.
type Runner struct {
	nodes       NodeLister
	resolver    TargetResolver
	commands    CommandRunner
	template    string
	concurrency int
	dryRun      bool
	maxAttempts int
	reporter    Reporter
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds how many nodes are remediated at the same time.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		r.concurrency = n
	}
}

// WithCommandTemplate sets the reset command; {vmid} is replaced with the mapped VM id.
func WithCommandTemplate(template string) Option {
	return func(r *Runner) {
		r.template = template
	}
}

// WithDryRun marks outcomes and the summary as produced without touching any VM.
// The caller is expected to pair it with a non-mutating CommandRunner.
func WithDryRun(enabled bool) Option {
	return func(r *Runner) {
		r.dryRun = enabled
	}
}

// WithMaxAttempts is reported alongside attempt events.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		r.maxAttempts = n
	}
}

// WithReporter attaches an observability reporter to the runner.
func WithReporter(rep Reporter) Option {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(r *Runner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRunner constructs a Runner with the provided dependencies.
func NewRunner(nodes NodeLister, resolver TargetResolver, commands CommandRunner, opts ...Option) (*Runner, error) {
	if nodes == nil {
		return nil, errors.New("node lister must not be nil")
	}
	if resolver == nil {
		return nil, errors.New("target resolver must not be nil")
	}
	if commands == nil {
		return nil, errors.New("command runner must not be nil")
	}

	runner := &Runner{
		nodes:       nodes,
		resolver:    resolver,
		commands:    commands,
		template:    config.DefaultRebootCommand,
		concurrency: DefaultConcurrency,
		reporter:    NoopReporter{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(runner)
	}

	if strings.TrimSpace(runner.template) == "" {
		runner.template = config.DefaultRebootCommand
	}
	if !strings.Contains(runner.template, config.VMIDPlaceholder) {
		return nil, fmt.Errorf("command template %q does not contain %s", runner.template, config.VMIDPlaceholder)
	}
	if runner.concurrency <= 0 {
		runner.concurrency = DefaultConcurrency
	}
	if runner.concurrency > config.MaxConcurrency {
		runner.concurrency = config.MaxConcurrency
	}
	if runner.maxAttempts <= 0 {
		if m, ok := commands.(interface{ MaxAttempts() int }); ok {
			runner.maxAttempts = m.MaxAttempts()
		}
	}

	return runner, nil
}

// RunOnce lists unready nodes and remediates each of them. An error from the
// observer aborts the run before any node is touched and no summary is produced.
// When ctx ends mid-run the summary is still returned, with untouched nodes
// recorded as aborted, together with the context error.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := r.now()

	unready, err := r.nodes.ListUnreadyNodes(ctx)
	if err != nil {
		r.recordAborted(ctx, err, r.now().Sub(start))
		return Summary{}, err
	}

	for _, node := range unready {
		r.recordDetected(ctx, node)
	}

	outcomes := make([]Outcome, len(unready))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, node := range unready {
		i, name := i, node.Name
		g.Go(func() error {
			started := r.now()
			out := r.remediate(ctx, name)
			out.Duration = r.now().Sub(started)
			outcomes[i] = out
			r.recordOutcome(ctx, out)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		TotalUnready: len(unready),
		Outcomes:     outcomes,
		DryRun:       r.dryRun,
	}
	for _, o := range outcomes {
		if o.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	summary.Duration = r.now().Sub(start)
	r.recordSummary(ctx, summary)

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run interrupted: %w", err)
	}
	return summary, nil
}

func (r *Runner) remediate(ctx context.Context, node string) Outcome {
	out := Outcome{Node: node, DryRun: r.dryRun}

	if err := ctx.Err(); err != nil {
		out.Cause = CauseAborted
		out.Error = fmt.Sprintf("run cancelled before remediation: %v", err)
		return out
	}

	target, err := r.resolver.Resolve(node)
	if err != nil {
		out.Cause = CauseUnmapped
		out.Error = err.Error()
		return out
	}
	out.Target = &target

	command := RenderCommand(r.template, target)
	attemptCtx := remote.WithAttemptObserver(ctx, func(ctx context.Context, a remote.Attempt) {
		r.recordAttempt(ctx, node, a)
	})
	result, err := r.commands.RunWithRetry(attemptCtx, target, command)
	out.Attempts = result.Attempts
	if err != nil {
		classifyFailure(ctx, &out, err)
		return out
	}

	out.ExitStatus = result.ExitStatus
	if result.ExitStatus != 0 {
		out.Cause = CauseExitStatus
		out.Error = fmt.Sprintf("reboot command exited with status %d", result.ExitStatus)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			out.Error += ": " + stderr
		}
		return out
	}

	out.Success = true
	return out
}

func classifyFailure(ctx context.Context, out *Outcome, err error) {
	var failed *remote.RebootFailedError
	if errors.As(err, &failed) {
		out.Attempts = failed.Attempts
	}

	var connErr *remote.ConnectionError
	var cmdErr *remote.CommandError
	switch {
	case ctx.Err() != nil:
		out.Cause = CauseAborted
	case errors.As(err, &connErr):
		out.Cause = CauseConnection
	case errors.As(err, &cmdErr):
		out.Cause = CauseCommand
	default:
		out.Cause = CauseCommand
	}

	switch {
	case failed == nil || out.Cause == CauseAborted:
		out.Error = err.Error()
	case remote.IsRetryable(failed.LastErr):
		out.Error = fmt.Sprintf("exhausted retries: %v", failed.LastErr)
	default:
		// Stopped on the first non-transient error; no retry budget was spent.
		out.Error = failed.LastErr.Error()
	}
}

// RenderCommand substitutes the target's VM id into template.
func RenderCommand(template string, target mapping.Target) string {
	return strings.ReplaceAll(template, config.VMIDPlaceholder, target.VMID)
}
