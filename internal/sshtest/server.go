// Package sshtest runs an in-process SSH server for tests. It speaks the real
// protocol through golang.org/x/crypto/ssh and scripts command behaviour.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Behavior scripts how the server answers one exec request.
type Behavior struct {
	Stdout string
	Stderr string
	Exit   int
	// Hang keeps the command running until the client goes away.
	Hang bool
	// Drop closes the whole connection after writing output.
	Drop bool
	// Reject refuses to start the command.
	Reject bool
	// NoExitStatus closes the channel without reporting an exit status.
	NoExitStatus bool
	// Delay is applied before any output is written.
	Delay time.Duration
}

// Handler maps a command line to its behaviour.
type Handler func(cmd string) Behavior

// Event is one observable step on the server side.
type Event struct {
	Kind    string // "pty", "exec", "exit"
	Command string
}

type Server struct {
	Addr     string
	Host     string
	Port     int
	User     string
	Password string

	handler    Handler
	authorized ssh.PublicKey
	listener   net.Listener

	mu     sync.Mutex
	events []Event
	conns  int
	wg     sync.WaitGroup
}

type Option func(*Server)

// WithPassword accepts user/password authentication.
func WithPassword(user, password string) Option {
	return func(s *Server) { s.User, s.Password = user, password }
}

// WithAuthorizedKey accepts public key authentication for key.
func WithAuthorizedKey(user string, key ssh.PublicKey) Option {
	return func(s *Server) { s.User, s.authorized = user, key }
}

func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// Start listens on 127.0.0.1 with a random port. The server stops on test cleanup.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{User: "u", Password: "p", handler: DefaultHandler}
	for _, opt := range opts {
		opt(s)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if s.Password != "" && c.User() == s.User && string(pass) == s.Password {
				return nil, nil
			}
			return nil, errAuth
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authorized != nil && c.User() == s.User && string(key.Marshal()) == string(s.authorized.Marshal()) {
				return nil, nil
			}
			return nil, errAuth
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns++
			s.mu.Unlock()
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn, cfg)
			}()
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting connections. Open connections end when their clients do.
func (s *Server) Close() {
	_ = s.listener.Close()
}

// Connections is the number of TCP connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Events returns a copy of everything recorded so far, in order.
func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Executed lists dispatched command lines in order.
func (s *Server) Executed() []string {
	var out []string
	for _, e := range s.Events() {
		if e.Kind == "exec" {
			out = append(out, e.Command)
		}
	}
	return out
}

func (s *Server) record(kind, cmd string) {
	s.mu.Lock()
	s.events = append(s.events, Event{Kind: kind, Command: cmd})
	s.mu.Unlock()
}

func (s *Server) handleConn(raw net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		_ = raw.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, in, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(sc, ch, in)
	}
}

func (s *Server) handleSession(sc *ssh.ServerConn, ch ssh.Channel, in <-chan *ssh.Request) {
	defer ch.Close()
	for req := range in {
		switch req.Type {
		case "pty-req":
			s.record("pty", "")
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			b := s.handler(payload.Command)
			if b.Reject {
				_ = req.Reply(false, nil)
				continue
			}
			s.record("exec", payload.Command)
			_ = req.Reply(true, nil)
			go s.execute(sc, ch, payload.Command, b)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *Server) execute(sc *ssh.ServerConn, ch ssh.Channel, cmd string, b Behavior) {
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if b.Stdout != "" {
		_, _ = ch.Write([]byte(b.Stdout))
	}
	if b.Stderr != "" {
		_, _ = ch.Stderr().Write([]byte(b.Stderr))
	}
	switch {
	case b.Hang:
		return
	case b.Drop:
		_ = sc.Close()
		return
	case b.NoExitStatus:
		_ = ch.Close()
		return
	}
	s.record("exit", cmd)
	status := struct{ Status uint32 }{uint32(b.Exit)}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
	_ = ch.Close()
}

// DefaultHandler understands a few shell-ish commands:
// "echo X", "true", "false", "exit N", "warn X" (stderr), "sleep" (hang),
// "drop" (connection loss), "reject" (refused), "noexit".
func DefaultHandler(cmd string) Behavior {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return Behavior{}
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, fields[0]))
	switch fields[0] {
	case "echo":
		return Behavior{Stdout: arg + "\n"}
	case "true":
		return Behavior{}
	case "false":
		return Behavior{Exit: 1}
	case "exit":
		code, _ := strconv.Atoi(arg)
		return Behavior{Exit: code}
	case "warn":
		return Behavior{Stderr: arg + "\n"}
	case "sleep":
		return Behavior{Hang: true}
	case "drop":
		return Behavior{Stdout: "partial\n", Drop: true}
	case "reject":
		return Behavior{Reject: true}
	case "noexit":
		return Behavior{NoExitStatus: true}
	default:
		return Behavior{Stderr: fields[0] + ": command not found\n", Exit: 127}
	}
}

type authError struct{}

func (authError) Error() string { return "permission denied" }

var errAuth error = authError{}

// GenerateKey returns an ed25519 key pair with the private half PEM encoded
// in OpenSSH format, optionally encrypted with passphrase.
func GenerateKey(t testing.TB, passphrase string) (ssh.PublicKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "")
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return sshPub, pem.EncodeToMemory(block)
}
