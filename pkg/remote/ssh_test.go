package remote

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/notready-remediator/notready-remediator/internal/testutil"
	"github.com/notready-remediator/notready-remediator/pkg/mapping"
)

func newTestExecutor(t *testing.T, signer ssh.Signer) *SSHExecutor {
	t.Helper()
	executor, err := NewSSHExecutor(SSHOptions{
		User:           "root",
		Signer:         signer,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return executor
}

func TestSSHExecutorReturnsOutputAndExitStatus(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	server := testutil.StartSSHServer(t, signer.PublicKey(), func(cmd string) testutil.ExecReply {
		return testutil.ExecReply{Stdout: "ok\n", Exit: 0}
	})
	executor := newTestExecutor(t, signer)

	res, err := executor.Execute(context.Background(), mapping.Target{HostAddress: server.Addr, VMID: "7"}, "vim-cmd vmsvc/power.reset 7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitStatus != 0 || res.Stdout != "ok\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := server.Commands(); len(got) != 1 || got[0] != "vim-cmd vmsvc/power.reset 7" {
		t.Fatalf("unexpected commands received: %v", got)
	}
}

func TestSSHExecutorNonZeroExitIsData(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	server := testutil.StartSSHServer(t, signer.PublicKey(), func(string) testutil.ExecReply {
		return testutil.ExecReply{Stderr: "vim.fault.NotFound", Exit: 1}
	})
	executor := newTestExecutor(t, signer)

	res, err := executor.Execute(context.Background(), mapping.Target{HostAddress: server.Addr}, "vim-cmd vmsvc/power.reset 99")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	if res.ExitStatus != 1 {
		t.Fatalf("expected exit status 1, got %d", res.ExitStatus)
	}
	if !strings.Contains(res.Stderr, "NotFound") {
		t.Fatalf("expected stderr captured, got %q", res.Stderr)
	}
}

func TestSSHExecutorRejectedKeyIsConnectionError(t *testing.T) {
	authorized, _ := testutil.NewSigner(t)
	intruder, _ := testutil.NewSigner(t)
	server := testutil.StartSSHServer(t, authorized.PublicKey(), nil)
	executor := newTestExecutor(t, intruder)

	_, err := executor.Execute(context.Background(), mapping.Target{HostAddress: server.Addr}, "true")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
	if connErr.Host != server.Addr {
		t.Fatalf("unexpected host in error: %s", connErr.Host)
	}
	if len(server.Commands()) != 0 {
		t.Fatal("expected no command to run")
	}
}

func TestSSHExecutorUnreachableHostIsConnectionError(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	executor := newTestExecutor(t, signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = executor.Execute(context.Background(), mapping.Target{HostAddress: addr}, "true")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
}

func TestSSHExecutorDroppedChannelIsCommandError(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	server := testutil.StartSSHServer(t, signer.PublicKey(), func(string) testutil.ExecReply {
		return testutil.ExecReply{Drop: true}
	})
	executor := newTestExecutor(t, signer)

	_, err := executor.Execute(context.Background(), mapping.Target{HostAddress: server.Addr}, "vim-cmd vmsvc/power.reset 1")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %T: %v", err, err)
	}
	if cmdErr.Command != "vim-cmd vmsvc/power.reset 1" {
		t.Fatalf("unexpected command in error: %s", cmdErr.Command)
	}
}

// blockingServer answers exec requests only after the test finishes.
func blockingServer(t *testing.T, signer ssh.Signer) *testutil.SSHServer {
	t.Helper()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return testutil.StartSSHServer(t, signer.PublicKey(), func(string) testutil.ExecReply {
		select {
		case <-release:
		case <-time.After(3 * time.Second):
		}
		return testutil.ExecReply{}
	})
}

func TestSSHExecutorCommandTimeoutIsCommandError(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	server := blockingServer(t, signer)
	executor, err := NewSSHExecutor(SSHOptions{
		User:           "root",
		Signer:         signer,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	start := time.Now()
	_, err = executor.Execute(context.Background(), mapping.Target{HostAddress: server.Addr}, "vim-cmd vmsvc/power.reset 3")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected the command to be killed at its timeout, took %s", elapsed)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSSHExecutorContextCancelMidCommandIsCommandError(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	server := blockingServer(t, signer)
	executor := newTestExecutor(t, signer)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	_, err := executor.Execute(ctx, mapping.Target{HostAddress: server.Addr}, "vim-cmd vmsvc/power.reset 4")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected cancellation to stop the command, took %s", elapsed)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestSSHExecutorAddress(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	executor, err := NewSSHExecutor(SSHOptions{Signer: signer, Port: 2222})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	cases := map[string]string{
		"10.0.0.5":       "10.0.0.5:2222",
		"10.0.0.5:22":    "10.0.0.5:22",
		"esxi-a.lab":     "esxi-a.lab:2222",
		"fd00::1":        "[fd00::1]:2222",
		"[fd00::1]:2200": "[fd00::1]:2200",
	}
	for in, want := range cases {
		if got := executor.address(in); got != want {
			t.Fatalf("address(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSSHExecutorRequiresSigner(t *testing.T) {
	if _, err := NewSSHExecutor(SSHOptions{}); err == nil {
		t.Fatal("expected error without signer")
	}
}

func TestLoadSigner(t *testing.T) {
	signer, pemBytes := testutil.NewSigner(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	loaded, err := LoadSigner(path)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if string(loaded.PublicKey().Marshal()) != string(signer.PublicKey().Marshal()) {
		t.Fatal("loaded key does not match generated key")
	}

	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := LoadSigner(garbage); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadSigner(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestHostKeyCallbackKnownHosts(t *testing.T) {
	signer, _ := testutil.NewSigner(t)
	server := testutil.StartSSHServer(t, signer.PublicKey(), func(string) testutil.ExecReply {
		return testutil.ExecReply{}
	})

	dir := t.TempDir()
	knownHosts := filepath.Join(dir, "known_hosts")
	line := knownhostsLine(server.Addr, server.HostKey)
	if err := os.WriteFile(knownHosts, []byte(line), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	callback, err := HostKeyCallback(knownHosts)
	if err != nil {
		t.Fatalf("host key callback: %v", err)
	}
	executor, err := NewSSHExecutor(SSHOptions{Signer: signer, HostKeyCallback: callback, ConnectTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	if _, err := executor.Execute(context.Background(), mapping.Target{HostAddress: server.Addr}, "true"); err != nil {
		t.Fatalf("expected known host to be accepted, got %v", err)
	}

	other := testutil.StartSSHServer(t, signer.PublicKey(), nil)
	_, err = executor.Execute(context.Background(), mapping.Target{HostAddress: other.Addr}, "true")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected unknown host to be rejected with ConnectionError, got %v", err)
	}

	if _, err := HostKeyCallback(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing known_hosts file")
	}
}

func knownhostsLine(addr string, key ssh.PublicKey) string {
	return knownhosts.Line([]string{knownhosts.Normalize(addr)}, key) + "\n"
}
