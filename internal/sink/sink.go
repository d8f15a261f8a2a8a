// Package sink is the presentation side of a run: a line-oriented text
// destination plus the narration a human watching it expects to see.
package sink

import (
	"fmt"
	"io"
	"sync"
)

// Sink receives progress text and raw command output.
type Sink interface {
	// Append writes text as-is.
	Append(text string)
	// AppendLine writes text followed by a newline.
	AppendLine(line string)
}

// WriterSink writes to an io.Writer. Safe for concurrent use.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, text)
}

func (s *WriterSink) AppendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, line+"\n")
}

type discard struct{}

func (discard) Append(string)     {}
func (discard) AppendLine(string) {}

// Discard drops everything.
var Discard Sink = discard{}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

const prefix = "[remote-runner] "

// Narrator frames a run for a human reader.
type Narrator struct {
	s Sink
}

func NewNarrator(s Sink) Narrator {
	return Narrator{s: OrDiscard(s)}
}

func (n Narrator) line(format string, args ...any) {
	n.s.AppendLine(prefix + fmt.Sprintf(format, args...))
}

func (n Narrator) Starting() { n.line("Starting remote command execution...") }

func (n Narrator) ConfigError(err error) { n.line("✗ Configuration error: %v", err) }

func (n Narrator) Connecting(target string) { n.line("Connecting to %s...", target) }

func (n Narrator) Connected() { n.line("✓ Connected successfully!") }

func (n Narrator) ConnectFailed(err error) { n.line("✗ Connection error: %v", err) }

func (n Narrator) Executing(index, total int, command string) {
	n.line("Executing command %d/%d: %s", index+1, total, command)
}

// Exited frames a completed command. Non-zero codes are flagged, not failed.
func (n Narrator) Exited(code int) {
	n.s.AppendLine("")
	if code == 0 {
		n.line("✓ Command completed with exit code: %d", code)
		return
	}
	n.line("⚠ Command completed with exit code: %d", code)
}

func (n Narrator) DispatchFailed(err error) { n.line("✗ Command execution error: %v", err) }

func (n Narrator) AllCompleted() { n.line("✓ All commands completed successfully!") }

func (n Narrator) Aborted(reason error) { n.line("✗ Run aborted: %v", reason) }

func (n Narrator) Disconnected() { n.line("Disconnected.") }

// Output forwards a raw chunk of remote output.
func (n Narrator) Output(chunk []byte) { n.s.Append(string(chunk)) }
