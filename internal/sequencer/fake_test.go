package sequencer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/remoterunner/internal/remote"
)

type fakeCmd struct {
	stdout   []string
	stderr   []string
	exit     int
	hang     bool // runs until the session closes
	delay    time.Duration
	startErr error
	drop     bool // connection is lost after output
}

type fakeExit struct{ code int }

func (e fakeExit) Error() string   { return fmt.Sprintf("exit status %d", e.code) }
func (e fakeExit) ExitStatus() int { return e.code }

var errConnLost = errors.New("connection lost")

type fakeSession struct {
	script  map[string]fakeCmd
	openErr error
	// started receives the command line each time one starts.
	started chan string

	mu       sync.Mutex
	claimed  bool
	closes   int
	events   []string
	ptys     []string
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeSession(script map[string]fakeCmd) *fakeSession {
	return &fakeSession{script: script, done: make(chan struct{}), started: make(chan string, 16)}
}

func (s *fakeSession) record(e string) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *fakeSession) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *fakeSession) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) Claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return remote.ErrSessionClaimed
	}
	s.claimed = true
	return nil
}

func (s *fakeSession) OpenChannel() (remote.Channel, error) {
	select {
	case <-s.done:
		return nil, remote.ErrSessionClosed
	default:
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeChannel{sess: s, outR: outR, outW: outW, errR: errR, errW: errW, wait: make(chan error, 1)}, nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) lose() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.events = append(s.events, "close")
	s.mu.Unlock()
	s.lose()
	return nil
}

type fakeChannel struct {
	sess       *fakeSession
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	wait       chan error
}

func (c *fakeChannel) RequestPty(term string, h, w int, _ ssh.TerminalModes) error {
	c.sess.mu.Lock()
	c.sess.ptys = append(c.sess.ptys, fmt.Sprintf("%s %dx%d", term, h, w))
	c.sess.mu.Unlock()
	return nil
}

func (c *fakeChannel) StdoutPipe() (io.Reader, error) { return c.outR, nil }
func (c *fakeChannel) StderrPipe() (io.Reader, error) { return c.errR, nil }

func (c *fakeChannel) Start(cmd string) error {
	fc, ok := c.sess.script[cmd]
	if !ok {
		fc = fakeCmd{exit: 127}
	}
	if fc.startErr != nil {
		return fc.startErr
	}
	c.sess.record("start " + cmd)
	c.sess.started <- cmd

	go func() {
		finish := func(err error) {
			_ = c.outW.Close()
			_ = c.errW.Close()
			c.wait <- err
		}
		if fc.delay > 0 {
			select {
			case <-time.After(fc.delay):
			case <-c.sess.done:
				finish(errConnLost)
				return
			}
		}
		for _, s := range fc.stdout {
			_, _ = c.outW.Write([]byte(s))
		}
		for _, s := range fc.stderr {
			_, _ = c.errW.Write([]byte(s))
		}
		if fc.hang {
			<-c.sess.done
			finish(errConnLost)
			return
		}
		if fc.drop {
			c.sess.lose()
			finish(errConnLost)
			return
		}
		c.sess.record("exit " + cmd)
		if fc.exit == 0 {
			finish(nil)
			return
		}
		finish(fakeExit{fc.exit})
	}()
	return nil
}

func (c *fakeChannel) Wait() error  { return <-c.wait }
func (c *fakeChannel) Close() error { return nil }
