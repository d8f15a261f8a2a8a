// Package remote defines the transport seam between the connector, which
// produces authenticated sessions, and the sequencer, which drives them.
package remote

import (
	"errors"
	"io"

	"golang.org/x/crypto/ssh"
)

var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrSessionClaimed = errors.New("session is already driving a run")
)

// Channel is a single command execution on a session. *ssh.Session satisfies it.
type Channel interface {
	RequestPty(term string, h, w int, modes ssh.TerminalModes) error
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// Session is one authenticated connection. Close is idempotent.
type Session interface {
	// Claim marks the session as owned by a single run. A second claim fails
	// with ErrSessionClaimed.
	Claim() error
	// OpenChannel opens a new channel for one command.
	OpenChannel() (Channel, error)
	// Done is closed once the session is closed or the connection is lost.
	Done() <-chan struct{}
	Close() error
}
