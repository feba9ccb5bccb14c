package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath    = "/etc/notready-remediator/config.yaml"
	DefaultRebootCommand = "vim-cmd vmsvc/power.reset {vmid}"
	// VMIDPlaceholder is substituted with the mapped VM identifier in reboot_command.
	VMIDPlaceholder = "{vmid}"

	MaxConcurrency = 64
)

// Config represents the runtime configuration of the remediator.
type Config struct {
	Kubeconfig     string        `yaml:"kubeconfig"`
	LabelSelector  string        `yaml:"label_selector"`
	NodeVMMap      string        `yaml:"node_vm_map"`
	SSH            SSHConfig     `yaml:"ssh"`
	RebootCommand  string        `yaml:"reboot_command"`
	Retry          RetryConfig   `yaml:"retry"`
	Concurrency    int           `yaml:"concurrency"`
	RunIntervalSec int           `yaml:"run_interval_sec"`
	DryRun         bool          `yaml:"dry_run"`
	Lock           LockConfig    `yaml:"lock"`
	Metrics        MetricsConfig `yaml:"metrics"`
}

// SSHConfig describes how the hypervisor hosts are reached.
type SSHConfig struct {
	User              string `yaml:"user"`
	Port              int    `yaml:"port"`
	PrivateKeyFile    string `yaml:"private_key_file"`
	KnownHostsFile    string `yaml:"known_hosts_file"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	CommandTimeoutSec int    `yaml:"command_timeout_sec"`
}

// RetryConfig is the fixed-delay retry policy applied per node.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	DelaySec    int `yaml:"delay_sec"`
}

// LockConfig enables the etcd run-exclusion lock.
type LockConfig struct {
	Enabled       bool           `yaml:"enabled"`
	EtcdEndpoints []string       `yaml:"etcd_endpoints"`
	EtcdNamespace string         `yaml:"etcd_namespace"`
	LockKey       string         `yaml:"lock_key"`
	LockTTLSec    int            `yaml:"lock_ttl_sec"`
	EtcdTLS       *EtcdTLSConfig `yaml:"etcd_tls"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.NodeVMMap) == "" {
		problems = append(problems, "node_vm_map is required")
	}
	if !c.DryRun && strings.TrimSpace(c.SSH.PrivateKeyFile) == "" {
		problems = append(problems, "ssh.private_key_file is required unless dry_run is enabled")
	}
	if strings.TrimSpace(c.SSH.User) == "" {
		problems = append(problems, "ssh.user is required")
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		problems = append(problems, "ssh.port must be within 1-65535")
	}
	if c.SSH.ConnectTimeoutSec <= 0 {
		problems = append(problems, "ssh.connect_timeout_sec must be greater than zero")
	}
	if c.SSH.CommandTimeoutSec <= 0 {
		problems = append(problems, "ssh.command_timeout_sec must be greater than zero")
	}
	if !strings.Contains(c.RebootCommand, VMIDPlaceholder) {
		problems = append(problems, fmt.Sprintf("reboot_command must contain the %s placeholder", VMIDPlaceholder))
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be greater than zero")
	}
	if c.Retry.DelaySec < 0 {
		problems = append(problems, "retry.delay_sec must be non-negative")
	}
	if c.Concurrency <= 0 || c.Concurrency > MaxConcurrency {
		problems = append(problems, fmt.Sprintf("concurrency must be within 1-%d", MaxConcurrency))
	}
	if c.RunIntervalSec <= 0 {
		problems = append(problems, "run_interval_sec must be greater than zero")
	}
	problems = append(problems, c.Lock.validate()...)
	problems = append(problems, c.Metrics.validate()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (l LockConfig) validate() []string {
	if !l.Enabled {
		return nil
	}
	problems := make([]string, 0)
	if len(l.EtcdEndpoints) == 0 {
		problems = append(problems, "lock.etcd_endpoints must contain at least one endpoint when the lock is enabled")
	}
	if strings.TrimSpace(l.LockKey) == "" {
		problems = append(problems, "lock.lock_key is required")
	}
	if l.LockTTLSec <= 0 {
		problems = append(problems, "lock.lock_ttl_sec must be greater than zero")
	}
	if l.EtcdTLS != nil && l.EtcdTLS.Enabled {
		if strings.TrimSpace(l.EtcdTLS.CAFile) == "" {
			problems = append(problems, "lock.etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(l.EtcdTLS.CertFile) == "" {
			problems = append(problems, "lock.etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(l.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "lock.etcd_tls.key_file is required when TLS is enabled")
		}
	}
	return problems
}

func (m MetricsConfig) validate() []string {
	if !m.Enabled {
		return nil
	}
	problems := make([]string, 0)
	if strings.TrimSpace(m.Listen) == "" && strings.TrimSpace(m.PushgatewayURL) == "" {
		problems = append(problems, "metrics.listen or metrics.pushgateway_url must be set when metrics.enabled is true")
	}
	if m.PushgatewayURL != "" {
		if u, err := url.Parse(m.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("metrics.pushgateway_url %q is not an absolute URL", m.PushgatewayURL))
		}
	}
	return problems
}

func (c *Config) applyDefaults() {
	if c.SSH.User == "" {
		c.SSH.User = "root"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.ConnectTimeoutSec == 0 {
		c.SSH.ConnectTimeoutSec = 30
	}
	if c.SSH.CommandTimeoutSec == 0 {
		c.SSH.CommandTimeoutSec = 60
	}
	if strings.TrimSpace(c.RebootCommand) == "" {
		c.RebootCommand = DefaultRebootCommand
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.DelaySec == 0 {
		c.Retry.DelaySec = 10
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.RunIntervalSec == 0 {
		c.RunIntervalSec = 300
	}
	if strings.TrimSpace(c.Lock.LockKey) == "" {
		c.Lock.LockKey = "/notready-remediator/run"
	}
	if c.Lock.LockTTLSec == 0 {
		c.Lock.LockTTLSec = 600
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "notready-remediator"
	}
}

// RetryDelay returns the fixed wait between reboot attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelaySec) * time.Second
}

// ConnectTimeout bounds SSH dial, handshake and authentication.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeoutSec) * time.Second
}

// CommandTimeout bounds a single remote command.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.SSH.CommandTimeoutSec) * time.Second
}

// RunInterval returns how long serve mode waits between passes.
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.RunIntervalSec) * time.Second
}

// LockTTL returns the etcd lock TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.LockTTLSec) * time.Second
}

// EtcdTLSConfig builds the client TLS configuration for the lock, or nil when TLS is disabled.
func (c *Config) EtcdTLSConfig() (*tls.Config, error) {
	t := c.Lock.EtcdTLS
	if t == nil || !t.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load etcd client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read etcd CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("etcd CA %s contains no certificates", t.CAFile)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: t.Insecure,
		MinVersion:         tls.VersionTLS12,
	}, nil
}
