package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/notready-remediator/notready-remediator/pkg/config"
	"github.com/notready-remediator/notready-remediator/pkg/lock"
	"github.com/notready-remediator/notready-remediator/pkg/mapping"
	"github.com/notready-remediator/notready-remediator/pkg/nodehealth"
	"github.com/notready-remediator/notready-remediator/pkg/observability"
	"github.com/notready-remediator/notready-remediator/pkg/orchestrator"
	"github.com/notready-remediator/notready-remediator/pkg/remote"
)

// pipeline is the fully wired remediator for one process.
type pipeline struct {
	runner    orchestrator.SinglePassRunner
	reporter  orchestrator.Reporter
	collector *observability.PrometheusCollector
	closers   []func() error
}

func buildPipeline(cfg *config.Config, stdout io.Writer) (*pipeline, error) {
	p := &pipeline{}
	if cfg.Metrics.Enabled {
		p.collector = observability.NewPrometheusCollector()
	}
	var metrics observability.MetricsCollector
	if p.collector != nil {
		metrics = p.collector
	}
	p.reporter = orchestrator.NewStructuredReporter("remediator", observability.NewJSONLogger(stdout), metrics)
	ctx := context.Background()

	table, err := mapping.Load(cfg.NodeVMMap)
	if err != nil {
		return nil, err
	}
	p.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelInfo,
		Event:  "mapping_loaded",
		Fields: map[string]interface{}{"path": cfg.NodeVMMap, "count": len(table)},
	})

	client, err := newKubeClient(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("create cluster client: %w", err)
	}
	observer, err := nodehealth.NewObserver(client, nodehealth.WithLabelSelector(cfg.LabelSelector))
	if err != nil {
		return nil, err
	}
	source := cfg.Kubeconfig
	if source == "" {
		source = "in-cluster"
	}
	p.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelInfo,
		Event:  "cluster_client_initialised",
		Fields: map[string]interface{}{"kubeconfig": source, "label_selector": cfg.LabelSelector},
	})

	executor, err := newExecutor(cfg)
	if err != nil {
		return nil, err
	}
	retry, err := remote.NewRetryRunner(executor,
		remote.WithMaxAttempts(cfg.Retry.MaxAttempts),
		remote.WithRetryDelay(cfg.RetryDelay()),
	)
	if err != nil {
		return nil, err
	}

	runner, err := orchestrator.NewRunner(observer, mapping.NewResolver(table), retry,
		orchestrator.WithConcurrency(cfg.Concurrency),
		orchestrator.WithCommandTemplate(cfg.RebootCommand),
		orchestrator.WithDryRun(cfg.DryRun),
		orchestrator.WithReporter(p.reporter),
	)
	if err != nil {
		return nil, err
	}

	locker, err := p.newLocker(cfg)
	if err != nil {
		return nil, err
	}
	guarded, err := orchestrator.NewLockedRunner(runner, locker, orchestrator.WithLockReporter(p.reporter))
	if err != nil {
		p.Close()
		return nil, err
	}
	p.runner = guarded
	return p, nil
}

func newExecutor(cfg *config.Config) (remote.Executor, error) {
	if cfg.DryRun {
		return remote.DryRunExecutor{}, nil
	}
	signer, err := remote.LoadSigner(cfg.SSH.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	hostKeys, err := remote.HostKeyCallback(cfg.SSH.KnownHostsFile)
	if err != nil {
		return nil, err
	}
	return remote.NewSSHExecutor(remote.SSHOptions{
		User:            cfg.SSH.User,
		Port:            cfg.SSH.Port,
		Signer:          signer,
		HostKeyCallback: hostKeys,
		ConnectTimeout:  cfg.ConnectTimeout(),
		CommandTimeout:  cfg.CommandTimeout(),
	})
}

func (p *pipeline) newLocker(cfg *config.Config) (lock.Manager, error) {
	if !cfg.Lock.Enabled {
		return lock.NewNoopManager(), nil
	}
	tlsCfg, err := cfg.EtcdTLSConfig()
	if err != nil {
		return nil, err
	}
	manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
		Endpoints: cfg.Lock.EtcdEndpoints,
		LockKey:   cfg.Lock.LockKey,
		Namespace: cfg.Lock.EtcdNamespace,
		TTL:       cfg.LockTTL(),
		TLS:       tlsCfg,
	})
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, manager.Close)
	return manager, nil
}

func (p *pipeline) pushMetrics(cfg *config.Config) {
	if p.collector == nil || cfg.Metrics.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := p.collector.Push(ctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		p.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "metrics_push_failed",
			Message: err.Error(),
		})
	}
}

func (p *pipeline) serveMetrics(listen string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.collector.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.reporter.RecordEvent(context.Background(), observability.Event{
				Level:   observability.LevelError,
				Event:   "metrics_listener_failed",
				Message: err.Error(),
			})
		}
	}()
	return srv, nil
}

func (p *pipeline) Close() {
	for _, closeFn := range p.closers {
		_ = closeFn()
	}
}
