// Package remote runs administrative commands on hypervisor hosts.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/notready-remediator/notready-remediator/pkg/mapping"
)

// CommandResult is the outcome of a command that ran to completion on the remote host.
// A non-zero ExitStatus is data, not an error; the caller decides what it means.
type CommandResult struct {
	ExitStatus int
	Stdout     string
	Stderr     string
	// Attempts is set by RetryRunner to the attempt that produced this result.
	Attempts int
	Duration time.Duration
}

// Executor runs exactly one command against a target host per call.
type Executor interface {
	Execute(ctx context.Context, target mapping.Target, command string) (CommandResult, error)
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, target mapping.Target, command string) (CommandResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, target mapping.Target, command string) (CommandResult, error) {
	return f(ctx, target, command)
}

// ConnectionError reports that no session could be established with the host:
// unreachable address, rejected credentials or a failed handshake.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports that a session was open but completion of the command
// could not be confirmed.
type CommandError struct {
	Host    string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("run %q on %s: %v", e.Command, e.Host, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// DryRunExecutor reports success for every command without contacting any host.
type DryRunExecutor struct{}

// Execute implements Executor.
func (DryRunExecutor) Execute(ctx context.Context, target mapping.Target, command string) (CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{
		ExitStatus: 0,
		Stdout:     fmt.Sprintf("dry-run: would run %q on %s", command, target.HostAddress),
	}, nil
}

var _ Executor = DryRunExecutor{}
var _ Executor = ExecutorFunc(nil)
