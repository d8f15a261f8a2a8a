package connector

import (
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/remoterunner/internal/remote"
)

var _ remote.Session = (*Session)(nil)

// Session is an authenticated SSH connection. It holds no credential
// material. Close is safe to call any number of times from any goroutine;
// the underlying connection is closed once.
type Session struct {
	client  *ssh.Client
	target  string
	claimed atomic.Bool

	closeOnce sync.Once
	closeErr  error
	doneOnce  sync.Once
	done      chan struct{}
}

func newSession(client *ssh.Client, target string) *Session {
	s := &Session{client: client, target: target, done: make(chan struct{})}
	go func() {
		// Wait returns when the connection goes away for any reason.
		_ = client.Wait()
		s.markDone()
	}()
	return s
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Target is user@host:port of the remote end.
func (s *Session) Target() string { return s.target }

func (s *Session) Claim() error {
	if !s.claimed.CompareAndSwap(false, true) {
		return remote.ErrSessionClaimed
	}
	return nil
}

func (s *Session) OpenChannel() (remote.Channel, error) {
	select {
	case <-s.done:
		return nil, remote.ErrSessionClosed
	default:
	}
	ch, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the connection down. Later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		s.markDone()
	})
	return s.closeErr
}
