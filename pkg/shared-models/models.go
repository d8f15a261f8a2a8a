// Package datamodels holds the messages exchanged with serve mode over HTTP
// and Kafka.
package datamodels

import (
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/remoterunner/pkg/job"
)

// JobRequest asks for one descriptor to be run. A nil ID is replaced by a
// fresh one on intake.
type JobRequest struct {
	ID         uuid.UUID      `json:"id"`
	Descriptor job.Descriptor `json:"descriptor"`
}

type JobAccepted struct {
	ID uuid.UUID `json:"id"`
}

// JobStatus is the public view of a job. It carries no credentials.
type JobStatus struct {
	ID         uuid.UUID       `json:"id"`
	Target     string          `json:"target"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Attempts   int             `json:"attempts"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Results    []CommandResult `json:"results"`
}

type CommandResult struct {
	Index    int    `json:"index"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}
