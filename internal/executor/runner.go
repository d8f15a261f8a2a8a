// Package executor is the orchestration layer around the connector and the
// sequencer: it validates a descriptor, connects under the retry policy,
// drives the run and files a report.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/remoterunner/internal/connector"
	"github.com/andrej220/remoterunner/internal/sequencer"
	"github.com/andrej220/remoterunner/internal/sink"
	"github.com/andrej220/remoterunner/pkg/job"
	"github.com/andrej220/remoterunner/pkg/lg"
)

type Options struct {
	// Connect defaults to a connector.Connector writing to Sink.
	Connect    ConnectFunc
	Resilience ResilienceConfig
	Sink       sink.Sink
	Logger     lg.Logger
	// CancelGrace is passed to every sequencer.
	CancelGrace time.Duration
	// Timeout bounds one job from the moment it starts executing. Zero means none.
	Timeout   time.Duration
	OnOutput  func(id uuid.UUID, index int, kind sequencer.StreamKind, chunk []byte)
	Recorder  Recorder
	Publisher Publisher
}

type Runner struct {
	opts   Options
	conn   *resilientConnector
	logger lg.Logger

	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = lg.Discard
	}
	if opts.Connect == nil {
		opts.Connect = FromConnector(connector.New(connector.Options{Sink: opts.Sink, Logger: logger}))
	}
	if opts.Resilience.MaxAttempts == 0 && opts.Resilience.Breaker.Name == "" {
		opts.Resilience = DefaultResilience()
	}
	return &Runner{
		opts:   opts,
		conn:   newResilientConnector(opts.Connect, opts.Resilience, logger),
		logger: logger,
		jobs:   make(map[uuid.UUID]*Job),
	}
}

var ErrDuplicateJob = errors.New("job id already registered")

// NewJob registers a pending job under id, or under a fresh id when id is
// uuid.Nil. Nothing runs until Execute is called. An id that is still in
// the registry is refused with ErrDuplicateJob.
func (r *Runner) NewJob(ctx context.Context, id uuid.UUID, d job.Descriptor) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == uuid.Nil {
		return r.addLocked(ctx, r.freshIDLocked(), d), nil
	}
	if _, ok := r.jobs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	return r.addLocked(ctx, id, d), nil
}

func (r *Runner) newJob(ctx context.Context, d job.Descriptor) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(ctx, r.freshIDLocked(), d)
}

func (r *Runner) freshIDLocked() uuid.UUID {
	for {
		id := uuid.New()
		if _, ok := r.jobs[id]; !ok {
			return id
		}
	}
}

func (r *Runner) addLocked(ctx context.Context, id uuid.UUID, d job.Descriptor) *Job {
	jctx, cancel := context.WithCancel(ctx)
	j := &Job{
		ID:     id,
		runner: r,
		desc:   d,
		ctx:    jctx,
		cancel: cancel,
		done:   make(chan struct{}),
		report: newReport(id, d),
	}
	r.jobs[id] = j
	return j
}

// Start runs d in the background.
func (r *Runner) Start(ctx context.Context, d job.Descriptor) *Job {
	j := r.newJob(ctx, d)
	go j.Execute()
	return j
}

// Run runs d to the end. The error is nil only when every command completed.
func (r *Runner) Run(ctx context.Context, d job.Descriptor) (*Report, error) {
	return r.newJob(ctx, d).Execute()
}

func (r *Runner) Lookup(id uuid.UUID) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Forget drops a finished job from the registry.
func (r *Runner) Forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok && j.Status().Terminal() {
		delete(r.jobs, id)
	}
}

// Active counts jobs that have not finished.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if !j.Status().Terminal() {
			n++
		}
	}
	return n
}

// CancelAll cancels every job that has not finished.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()
	for _, j := range jobs {
		j.Cancel()
	}
}
