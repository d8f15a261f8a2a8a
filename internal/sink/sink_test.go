package sink

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf)
	s.Append("a")
	s.Append("b")
	s.AppendLine("c")
	assert.Equal(t, "abc\n", buf.String())
}

func TestWriterSink_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AppendLine("line")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, strings.Count(buf.String(), "line\n"))
}

func TestOrDiscard(t *testing.T) {
	assert.Equal(t, Discard, OrDiscard(nil))
	s := NewWriter(&bytes.Buffer{})
	assert.Equal(t, Sink(s), OrDiscard(s))
}

func TestNarrator(t *testing.T) {
	var buf bytes.Buffer
	n := NewNarrator(NewWriter(&buf))

	n.ConfigError(errors.New("host is required"))
	n.Connecting("u@h:22")
	n.Connected()
	n.Executing(0, 3, "echo ok")
	n.Output([]byte("ok\r\n"))
	n.Exited(0)
	n.Executing(1, 3, "false")
	n.Exited(1)
	n.Aborted(errors.New("cancelled"))
	n.Disconnected()

	out := buf.String()
	assert.Contains(t, out, "[remote-runner] ✗ Configuration error: host is required\n")
	assert.Contains(t, out, "[remote-runner] Connecting to u@h:22...\n")
	assert.Contains(t, out, "[remote-runner] Executing command 1/3: echo ok\n")
	assert.Contains(t, out, "ok\r\n")
	assert.Contains(t, out, "✓ Command completed with exit code: 0")
	assert.Contains(t, out, "[remote-runner] Executing command 2/3: false\n")
	assert.Contains(t, out, "⚠ Command completed with exit code: 1")
	assert.Contains(t, out, "✗ Run aborted: cancelled")
	assert.True(t, strings.HasSuffix(out, "[remote-runner] Disconnected.\n"))
}

func TestNarrator_NilSink(t *testing.T) {
	n := NewNarrator(nil)
	n.Connected()
	n.Output([]byte("x"))
}
