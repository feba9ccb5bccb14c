package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// ExecReply is what the fake server sends back for one exec request.
type ExecReply struct {
	Stdout string
	Stderr string
	Exit   int
	// Drop closes the channel without sending an exit status.
	Drop bool
}

// ExecHandler decides the reply for a command.
type ExecHandler func(command string) ExecReply

// SSHServer is an in-process SSH server that accepts one public key and
// answers exec requests through an ExecHandler.
type SSHServer struct {
	Addr     string
	HostKey  ssh.PublicKey
	listener net.Listener

	mu       sync.Mutex
	commands []string
	handler  ExecHandler
}

// StartSSHServer listens on a loopback port. Connections authenticating with
// any key other than authorized are rejected.
func StartSSHServer(t testing.TB, authorized ssh.PublicKey, handler ExecHandler) *SSHServer {
	t.Helper()

	hostSigner, _ := NewSigner(t)
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &SSHServer{
		Addr:     ln.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		listener: ln,
		handler:  handler,
	}
	go srv.serve(cfg)
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

// Commands returns every command received so far.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *SSHServer) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *SSHServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *SSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		handler := s.handler
		s.mu.Unlock()

		reply := ExecReply{}
		if handler != nil {
			reply = handler(payload.Command)
		}
		if reply.Stdout != "" {
			_, _ = ch.Write([]byte(reply.Stdout))
		}
		if reply.Stderr != "" {
			_, _ = ch.Stderr().Write([]byte(reply.Stderr))
		}
		if reply.Drop {
			return
		}
		status := struct{ Status uint32 }{uint32(reply.Exit)}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
		return
	}
}

// NewSigner generates an ed25519 key pair and returns it as a signer plus its
// PEM-encoded OpenSSH private key.
func NewSigner(t testing.TB) (ssh.Signer, []byte) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	return signer, pem.EncodeToMemory(block)
}
