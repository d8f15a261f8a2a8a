package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/remoterunner/internal/persistence"
	"github.com/andrej220/remoterunner/pkg/job"
)

func sampleReport() *Report {
	r := newReport(uuid.New(), job.Descriptor{Host: "h", Port: 22, Username: "u", Password: "secret", Commands: []string{"true"}})
	r.Status = StatusCompleted
	return r
}

func TestDirRecorder_WritesReportFile(t *testing.T) {
	dir := t.TempDir()
	rep := sampleReport()

	require.NoError(t, DirRecorder(persistence.NewDir(dir)).Record(context.Background(), rep))

	data, err := os.ReadFile(filepath.Join(dir, rep.ID.String()+".json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	var got Report
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rep.ID, got.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "u@h:22", got.Target)
}

type putRecorder struct {
	ids  []string
	docs []any
}

func (p *putRecorder) Put(_ context.Context, id string, doc any) error {
	p.ids = append(p.ids, id)
	p.docs = append(p.docs, doc)
	return nil
}

func TestDocumentRecorder_KeysByJobID(t *testing.T) {
	store := &putRecorder{}
	rep := sampleReport()
	require.NoError(t, DocumentRecorder(store).Record(context.Background(), rep))
	assert.Equal(t, []string{rep.ID.String()}, store.ids)
	assert.Same(t, rep, store.docs[0])
}

func TestRecorders_CallsAllAndKeepsFirstError(t *testing.T) {
	first := errors.New("first")
	a := &memRecorder{err: first}
	b := &memRecorder{err: errors.New("second")}
	c := &memRecorder{}

	err := Recorders{a, nil, b, c}.Record(context.Background(), sampleReport())
	assert.ErrorIs(t, err, first)
	assert.Len(t, a.Reports(), 1)
	assert.Len(t, b.Reports(), 1)
	assert.Len(t, c.Reports(), 1)
}

type keySender struct {
	key []byte
	v   any
}

func (s *keySender) Send(_ context.Context, key []byte, v any) error {
	s.key, s.v = key, v
	return nil
}

func TestEventPublisher_KeysByJobID(t *testing.T) {
	s := &keySender{}
	rep := sampleReport()
	require.NoError(t, EventPublisher(s).Publish(context.Background(), rep))
	assert.Equal(t, rep.ID[:], s.key)
	assert.Same(t, rep, s.v)
}
