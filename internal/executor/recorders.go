package executor

import (
	"context"

	"github.com/andrej220/remoterunner/internal/persistence"
)

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, r *Report) error

func (f RecorderFunc) Record(ctx context.Context, r *Report) error { return f(ctx, r) }

// DirRecorder writes every report to <dir>/<id>.json.
func DirRecorder(dir *persistence.Dir) Recorder {
	return RecorderFunc(func(ctx context.Context, r *Report) error {
		return dir.Store(ctx, r.ID.String()+".json", r)
	})
}

type documentPutter interface {
	Put(ctx context.Context, id string, doc any) error
}

// DocumentRecorder upserts every report keyed by its job id, e.g. into a
// mongostore collection.
func DocumentRecorder(store documentPutter) Recorder {
	return RecorderFunc(func(ctx context.Context, r *Report) error {
		return store.Put(ctx, r.ID.String(), r)
	})
}

// Recorders fans a report out to several recorders; the first error wins
// but every recorder is called.
type Recorders []Recorder

func (rs Recorders) Record(ctx context.Context, r *Report) error {
	var first error
	for _, rec := range rs {
		if rec == nil {
			continue
		}
		if err := rec.Record(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type eventSender interface {
	Send(ctx context.Context, key []byte, v any) error
}

type eventPublisher struct{ sender eventSender }

// EventPublisher publishes reports keyed by job id, e.g. through an
// events.Producer.
func EventPublisher(s eventSender) Publisher {
	return eventPublisher{sender: s}
}

func (p eventPublisher) Publish(ctx context.Context, r *Report) error {
	return p.sender.Send(ctx, r.ID[:], r)
}
