// Package sequencer drives an ordered list of commands over one
// authenticated session, strictly one at a time, streaming output as it
// arrives. A Sequencer owns its session and closes it exactly once.
package sequencer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/remoterunner/internal/remote"
	"github.com/andrej220/remoterunner/internal/sink"
	"github.com/andrej220/remoterunner/pkg/lg"
)

const (
	DefaultQueueSize = 64

	ptyTerm = "xterm"
	ptyRows = 40
	ptyCols = 80
	readBuf = 32 * 1024
)

var ptyModes = ssh.TerminalModes{
	ssh.ECHO:          0,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

type Options struct {
	// OnOutput receives every chunk of command output as it arrives. All
	// chunks of command i are delivered before OnCommandComplete(i).
	OnOutput          func(index int, kind StreamKind, chunk []byte)
	OnCommandComplete func(CommandResult)
	Sink              sink.Sink
	Logger            lg.Logger
	// CancelGrace is how long a cancel waits for the in-flight command to
	// finish before the session is torn down. Zero tears down at once.
	CancelGrace time.Duration
	// QueueSize bounds buffered output chunks per command.
	QueueSize int
}

type Sequencer struct {
	session  remote.Session
	opts     Options
	narrator sink.Narrator
	logger   lg.Logger

	state atomic.Int32
	ran   atomic.Bool

	cancelOnce sync.Once
	cancelled  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New claims session for a single run. It fails with remote.ErrSessionClaimed
// when another sequencer already owns the session.
func New(session remote.Session, opts Options) (*Sequencer, error) {
	if err := session.Claim(); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = lg.Discard
	}
	return &Sequencer{
		session:   session,
		opts:      opts,
		narrator:  sink.NewNarrator(opts.Sink),
		logger:    logger,
		cancelled: make(chan struct{}),
	}, nil
}

func (s *Sequencer) State() State { return State(s.state.Load()) }

// advance moves the state forward; it never goes back.
func (s *Sequencer) advance(to State) {
	for {
		cur := s.state.Load()
		if cur >= int32(to) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Cancel requests the run to stop. It is safe to call from any goroutine,
// any number of times. No further command is dispatched; a command in flight
// is given CancelGrace before the session is closed under it. Cancelling a
// sequencer that has not started closes its session immediately.
func (s *Sequencer) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		s.logger.Info("cancel requested", lg.String("state", s.State().String()))
	})
	if s.State() == Idle {
		s.closeSession()
	}
}

func (s *Sequencer) cancelRequested() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

func (s *Sequencer) closeSession() {
	s.closeOnce.Do(func() {
		s.advance(Draining)
		s.closeErr = s.session.Close()
		if s.closeErr != nil {
			s.logger.Warn("session close", lg.Err(s.closeErr))
		}
		s.advance(Closed)
	})
}

// finish closes the session and narrates the disconnect after the outcome
// line, whichever path closed the session first.
func (s *Sequencer) finish() {
	s.closeSession()
	s.narrator.Disconnected()
}

// Run executes commands in order and returns once the session is closed.
// A non-zero exit does not stop the run; a transport or dispatch failure,
// Cancel or ctx being done does. Run may be called once.
func (s *Sequencer) Run(ctx context.Context, commands []string) Outcome {
	if !s.ran.CompareAndSwap(false, true) {
		return Outcome{Status: Aborted, Reason: ErrAlreadyRun}
	}
	if ctx.Err() != nil {
		s.Cancel()
	}
	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	results := make([]CommandResult, 0, len(commands))
	for i, cmd := range commands {
		if s.cancelRequested() {
			return s.abort(ErrCancelled, results)
		}
		s.advance(Running)

		s.narrator.Executing(i, len(commands), cmd)
		logger := s.logger.With(lg.Int("index", i), lg.String("command", cmd))
		logger.Info("dispatching")

		res, err := s.runOne(i, cmd)
		if err != nil {
			logger.Warn("command aborted", lg.Err(err))
			return s.abort(err, results)
		}
		logger.Info("command completed", lg.Int("exit_code", res.ExitCode))
		s.narrator.Exited(res.ExitCode)

		results = append(results, res)
		if s.opts.OnCommandComplete != nil {
			s.opts.OnCommandComplete(res)
		}
	}

	if s.cancelRequested() && len(commands) == 0 {
		return s.abort(ErrCancelled, results)
	}
	s.narrator.AllCompleted()
	s.finish()
	return Outcome{Status: Completed, Results: results}
}

func (s *Sequencer) abort(reason error, results []CommandResult) Outcome {
	if s.cancelRequested() && !errors.Is(reason, ErrCancelled) {
		// teardown errors after a cancel are the cancel's doing
		reason = ErrCancelled
	}
	switch {
	case errors.Is(reason, ErrDispatch):
		s.narrator.DispatchFailed(reason)
	default:
		s.narrator.Aborted(reason)
	}
	s.finish()
	return Outcome{Status: Aborted, Reason: reason, Results: results}
}

type chunk struct {
	kind StreamKind
	data []byte
}

// runOne dispatches one command and blocks until its completion signal and
// all of its output have been observed.
func (s *Sequencer) runOne(index int, cmd string) (CommandResult, error) {
	res := CommandResult{Index: index, Command: cmd}

	ch, err := s.session.OpenChannel()
	if err != nil {
		return res, s.dispatchErr("open channel", err)
	}
	defer ch.Close()

	if err := ch.RequestPty(ptyTerm, ptyRows, ptyCols, ptyModes); err != nil {
		return res, s.dispatchErr("request pty", err)
	}
	stdout, err := ch.StdoutPipe()
	if err != nil {
		return res, s.dispatchErr("stdout pipe", err)
	}
	stderr, err := ch.StderrPipe()
	if err != nil {
		return res, s.dispatchErr("stderr pipe", err)
	}
	if err := ch.Start(cmd); err != nil {
		return res, s.dispatchErr("start", err)
	}

	queue := make(chan chunk, s.opts.QueueSize)
	var g errgroup.Group
	g.Go(func() error { return pump(stdout, Stdout, queue) })
	g.Go(func() error { return pump(stderr, Stderr, queue) })
	go func() {
		if err := g.Wait(); err != nil {
			s.logger.Debug("output pump", lg.Err(err))
		}
		close(queue)
	}()

	completion := make(chan error, 1)
	go func() { completion <- ch.Wait() }()

	var (
		outBuf, errBuf bytes.Buffer
		waitErr        error
		waited         bool
		cancelled      bool
		chunks         = (<-chan chunk)(queue)
		cancelC        = (<-chan struct{})(s.cancelled)
		graceC         <-chan time.Time
	)
	for !waited || chunks != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if c.kind == Stderr {
				errBuf.Write(c.data)
			} else {
				outBuf.Write(c.data)
			}
			if s.opts.OnOutput != nil {
				s.opts.OnOutput(index, c.kind, c.data)
			}
			s.narrator.Output(c.data)

		case waitErr = <-completion:
			waited = true
			completion = nil

		case <-cancelC:
			cancelC = nil
			cancelled = true
			if s.opts.CancelGrace <= 0 {
				s.closeSession()
				continue
			}
			t := time.NewTimer(s.opts.CancelGrace)
			defer t.Stop()
			graceC = t.C

		case <-graceC:
			graceC = nil
			s.logger.Warn("cancel grace expired, closing session", lg.Duration("grace", s.opts.CancelGrace))
			s.closeSession()
		}
	}

	if cancelled {
		return res, ErrCancelled
	}
	code, err := exitCode(waitErr)
	if err != nil {
		return res, err
	}
	res.ExitCode = code
	res.Stdout = outBuf.Bytes()
	res.Stderr = errBuf.Bytes()
	return res, nil
}

// dispatchErr separates a refused command from a connection that is gone.
func (s *Sequencer) dispatchErr(step string, err error) error {
	select {
	case <-s.session.Done():
		return fmt.Errorf("%w: %s: %v", ErrTransport, step, err)
	default:
	}
	if errors.Is(err, remote.ErrSessionClosed) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrTransport, step, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDispatch, step, err)
}

type exitStatuser interface {
	ExitStatus() int
}

// exitCode maps the completion signal. A reported exit status, zero or not,
// completes the command; anything else means the transport is gone.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var es exitStatuser
	if errors.As(err, &es) {
		return es.ExitStatus(), nil
	}
	return -1, fmt.Errorf("%w: %v", ErrTransport, err)
}

func pump(r io.Reader, kind StreamKind, out chan<- chunk) error {
	buf := make([]byte, readBuf)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out <- chunk{kind: kind, data: bytes.Clone(buf[:n])}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
}
