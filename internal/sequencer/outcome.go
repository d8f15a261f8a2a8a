package sequencer

import (
	"errors"
	"fmt"
)

// State of a run. Transitions only move forward.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (k StreamKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// CommandResult is produced once per completed command, in command order.
// A non-zero ExitCode is data, not an error.
type CommandResult struct {
	Index    int    `json:"index" bson:"index"`
	Command  string `json:"command" bson:"command"`
	ExitCode int    `json:"exit_code" bson:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty" bson:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty" bson:"stderr,omitempty"`
}

type Status int

const (
	Completed Status = iota + 1
	Aborted
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Abort reasons. Outcome.Reason wraps one of these.
var (
	ErrTransport = errors.New("transport failure")
	ErrDispatch  = errors.New("dispatch failure")
	ErrCancelled = errors.New("cancelled")
	// ErrAlreadyRun is returned when Run is called a second time.
	ErrAlreadyRun = errors.New("sequencer already ran")
)

// Outcome is the terminal result of Run. Results holds every command that
// completed, in order; on abort it stops before the command that was in flight.
type Outcome struct {
	Status  Status
	Reason  error
	Results []CommandResult
}

func (o Outcome) Completed() bool { return o.Status == Completed }

// ExitCodes lists the exit code of every result, in order.
func (o Outcome) ExitCodes() []int {
	codes := make([]int, len(o.Results))
	for i, r := range o.Results {
		codes[i] = r.ExitCode
	}
	return codes
}
