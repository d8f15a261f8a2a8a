package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/remoterunner/internal/sequencer"
	"github.com/andrej220/remoterunner/pkg/job"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
	// StatusFailed: the run never started (invalid descriptor or connect failure).
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// Report is the persisted and published record of one job.
// It never carries credential material.
type Report struct {
	ID         uuid.UUID                 `json:"id" bson:"-"`
	Target     string                    `json:"target" bson:"target"`
	Host       string                    `json:"host" bson:"host"`
	Port       int                       `json:"port" bson:"port"`
	Username   string                    `json:"username" bson:"username"`
	Commands   []string                  `json:"commands" bson:"commands"`
	Status     Status                    `json:"status" bson:"status"`
	Reason     string                    `json:"reason,omitempty" bson:"reason,omitempty"`
	Attempts   int                       `json:"attempts" bson:"attempts"`
	StartedAt  time.Time                 `json:"started_at" bson:"started_at"`
	FinishedAt time.Time                 `json:"finished_at" bson:"finished_at"`
	Results    []sequencer.CommandResult `json:"results" bson:"results"`
}

func newReport(id uuid.UUID, d job.Descriptor) *Report {
	r := d.Redacted()
	return &Report{
		ID:       id,
		Target:   r.Target(),
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Commands: r.Commands,
		Status:   StatusPending,
		Results:  []sequencer.CommandResult{},
	}
}

func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder persists finished reports.
type Recorder interface {
	Record(ctx context.Context, r *Report) error
}

// Publisher announces finished reports.
type Publisher interface {
	Publish(ctx context.Context, r *Report) error
}
