package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/notready-remediator/notready-remediator/pkg/config"
	"github.com/notready-remediator/notready-remediator/pkg/mapping"
	"github.com/notready-remediator/notready-remediator/pkg/nodehealth"
	"github.com/notready-remediator/notready-remediator/pkg/observability"
	"github.com/notready-remediator/notready-remediator/pkg/orchestrator"
	"github.com/notready-remediator/notready-remediator/pkg/remote"
	"github.com/notready-remediator/notready-remediator/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitRunAborted  = 67
)

const (
	apiTimeout  = 30 * time.Second
	pushTimeout = 10 * time.Second
)

// newKubeClient is replaced in tests with a fake clientset.
var newKubeClient = func(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if strings.TrimSpace(kubeconfig) == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	restCfg.UserAgent = version.UserAgent()
	restCfg.Timeout = apiTimeout
	return kubernetes.NewForConfig(restCfg)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRunWithWriters(args[1:], os.Stdout, os.Stderr)
	case "serve":
		return commandServeWithWriters(args[1:], os.Stdout, os.Stderr)
	case "simulate":
		return commandSimulateWithWriters(args[1:], os.Stdout, os.Stderr)
	case "validate-config":
		return commandValidateWithWriters(args[1:], os.Stdout, os.Stderr)
	case "version":
		fmt.Fprintln(os.Stdout, version.Get())
		return exitOK
	case "-h", "--help", "help":
		usage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage(os.Stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: notready-remediator <command> [options]
Commands:
  run                Remediate NotReady nodes once and exit
  serve              Remediate on an interval and expose /metrics
  simulate           Show node health and the reset each unready node would get
  validate-config    Validate the configuration and node mapping
  version            Print build version
`)
}

type commonFlags struct {
	configPath *string
	dryRun     *bool
}

func newFlagSet(name string, stderr io.Writer, withDryRun bool) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := commonFlags{
		configPath: fs.String("config", config.DefaultConfigPath, "path to configuration file"),
	}
	if withDryRun {
		flags.dryRun = fs.Bool("dry-run", false, "log the reset commands instead of running them")
	}
	return fs, flags
}

func loadConfig(flags commonFlags, stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return nil, false
	}
	if flags.dryRun != nil && *flags.dryRun {
		cfg.DryRun = true
	}
	return cfg, true
}

func commandRunWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet("run", stderr, true)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg, ok := loadConfig(flags, stderr)
	if !ok {
		return exitConfigError
	}

	p, err := buildPipeline(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise remediator: %v\n", err)
		return exitConfigError
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, runErr := p.runner.RunOnce(ctx)
	p.pushMetrics(cfg)

	switch {
	case runErr == nil:
		return exitOK
	case errors.Is(runErr, orchestrator.ErrRunInProgress):
		fmt.Fprintf(stderr, "run skipped: %v\n", runErr)
		return exitOK
	default:
		fmt.Fprintf(stderr, "run aborted: %v\n", runErr)
		return exitRunAborted
	}
}

func commandServeWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet("serve", stderr, true)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg, ok := loadConfig(flags, stderr)
	if !ok {
		return exitConfigError
	}

	p, err := buildPipeline(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise remediator: %v\n", err)
		return exitConfigError
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if p.collector != nil && strings.TrimSpace(cfg.Metrics.Listen) != "" {
		srv, err := p.serveMetrics(cfg.Metrics.Listen)
		if err != nil {
			fmt.Fprintf(stderr, "failed to start metrics listener: %v\n", err)
			return exitConfigError
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	loop, err := orchestrator.NewLoop(cfg, p.runner, orchestrator.WithLoopErrorHandler(func(err error) {
		p.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelError,
			Event:   "run_failed",
			Message: err.Error(),
		})
	}))
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise loop: %v\n", err)
		return exitConfigError
	}

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "serve stopped: %v\n", err)
		return exitRunAborted
	}
	return exitOK
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet("simulate", stderr, false)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg, ok := loadConfig(flags, stderr)
	if !ok {
		return exitConfigError
	}

	table, err := mapping.Load(cfg.NodeVMMap)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load node mapping: %v\n", err)
		return exitConfigError
	}
	resolver := mapping.NewResolver(table)

	client, err := newKubeClient(cfg.Kubeconfig)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create cluster client: %v\n", err)
		return exitConfigError
	}
	observer, err := nodehealth.NewObserver(client, nodehealth.WithLabelSelector(cfg.LabelSelector))
	if err != nil {
		fmt.Fprintf(stderr, "failed to create observer: %v\n", err)
		return exitConfigError
	}

	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()
	nodes, err := observer.ListNodes(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "failed to list nodes: %v\n", err)
		return exitRunAborted
	}

	fmt.Fprintf(stdout, "node mapping: %s (%d entries)\n", cfg.NodeVMMap, resolver.Len())
	if cfg.LabelSelector != "" {
		fmt.Fprintf(stdout, "label selector: %s\n", cfg.LabelSelector)
	}
	fmt.Fprintf(stdout, "reboot command: %s\n", cfg.RebootCommand)
	fmt.Fprintf(stdout, "retry: %d attempts, %s delay\n", cfg.Retry.MaxAttempts, cfg.RetryDelay())
	fmt.Fprintln(stdout, "nodes:")

	unready := 0
	for _, node := range nodes {
		health := node.Health()
		if health == nodehealth.Ready {
			fmt.Fprintf(stdout, "  - %s => %s\n", node.Name, health)
			continue
		}
		unready++
		target, err := resolver.Resolve(node.Name)
		if err != nil {
			fmt.Fprintf(stdout, "  - %s => %s, unmapped\n", node.Name, health)
			continue
		}
		fmt.Fprintf(stdout, "  - %s => %s, would run %q on %s\n", node.Name, health, orchestrator.RenderCommand(cfg.RebootCommand, target), target.HostAddress)
	}
	fmt.Fprintf(stdout, "unready nodes: %d of %d\n", unready, len(nodes))
	fmt.Fprintln(stdout, "no reset commands executed in simulation mode")
	return exitOK
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet("validate-config", stderr, false)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}
	table, err := mapping.Load(cfg.NodeVMMap)
	if err != nil {
		fmt.Fprintf(stderr, "node mapping invalid: %v\n", err)
		return exitConfigError
	}
	if !cfg.DryRun {
		if _, err := remote.LoadSigner(cfg.SSH.PrivateKeyFile); err != nil {
			fmt.Fprintf(stderr, "ssh credentials invalid: %v\n", err)
			return exitConfigError
		}
	}

	fmt.Fprintf(stdout, "configuration at %s is valid (%d mapped nodes)\n", *flags.configPath, len(table))
	return exitOK
}
