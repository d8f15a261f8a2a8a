// Package jobserver is the intake side of serve mode: jobs arrive over HTTP
// or Kafka, run on a bounded worker pool and can be inspected or cancelled
// by id.
package jobserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/remoterunner/internal/executor"
	"github.com/andrej220/remoterunner/internal/serverutil"
	"github.com/andrej220/remoterunner/pkg/lg"
	dm "github.com/andrej220/remoterunner/pkg/shared-models"
	"github.com/andrej220/remoterunner/pkg/workerpool"
)

var (
	ErrDuplicateID = errors.New("job id already in use")
	ErrInvalidJob  = errors.New("invalid job")
)

// DefaultRetention is how long a finished job stays visible to GET /jobs/{id}.
const DefaultRetention = time.Hour

type Server struct {
	ctx       context.Context
	runner    *executor.Runner
	pool      *workerpool.Pool[*executor.Job]
	logger    lg.Logger
	retention time.Duration
}

type Option func(*Server)

// WithRetention sets how long finished jobs are kept before they are
// dropped from the registry. Non-positive values keep DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New returns a server whose jobs live under ctx: cancelling it cancels
// every job.
func New(ctx context.Context, runner *executor.Runner, pool *workerpool.Pool[*executor.Job], logger lg.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = lg.Discard
	}
	s := &Server{
		ctx:       lg.Attach(ctx, logger),
		runner:    runner,
		pool:      pool,
		logger:    logger,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and queues it. A nil ID is replaced by a new one.
func (s *Server) Submit(req dm.JobRequest) (uuid.UUID, error) {
	d := req.Descriptor
	d.Normalize()
	if err := d.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	j, err := s.runner.NewJob(s.ctx, req.ID, d)
	if err != nil {
		if errors.Is(err, executor.ErrDuplicateJob) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
		}
		return uuid.Nil, err
	}
	err = s.pool.Submit(workerpool.Job[*executor.Job]{
		Payload: j,
		Ctx:     s.ctx,
		Fn: func(_ context.Context, j *executor.Job) error {
			_, err := j.Execute()
			return err
		},
		// runs whether or not the pool got to Fn
		CleanupFunc: func() { s.retire(j) },
	})
	if err != nil {
		s.retire(j)
		return uuid.Nil, fmt.Errorf("queue job %s: %w", j.ID, err)
	}
	s.logger.Info("job accepted", lg.String("job_id", j.ID.String()), lg.String("target", d.Target()))
	return j.ID, nil
}

// retire settles a job that never ran as aborted, so it still files a
// report, and drops it from the registry once the retention has passed.
func (s *Server) retire(j *executor.Job) {
	select {
	case <-j.Done():
	default:
		j.Cancel()
		_, _ = j.Execute()
	}
	time.AfterFunc(s.retention, func() { s.runner.Forget(j.ID) })
}

// HandleMessage is the Kafka intake; see consumer.Consumer.Consume.
func (s *Server) HandleMessage(_ context.Context, req dm.JobRequest) error {
	_, err := s.Submit(req)
	return err
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /jobs", serverutil.NewValidationHandler[dm.JobRequest](http.HandlerFunc(s.create)))
	mux.HandleFunc("GET /jobs/{id}", s.get)
	mux.HandleFunc("DELETE /jobs/{id}", s.cancel)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		serverutil.WriteJSON(rw, r, http.StatusOK, map[string]any{
			"active":  s.runner.Active(),
			"workers": s.pool.MaxWorkers(),
		})
	})
	return mux
}

func (s *Server) create(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[dm.JobRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	id, err := s.Submit(req)
	switch {
	case err == nil:
		serverutil.WriteJSON(rw, r, http.StatusAccepted, dm.JobAccepted{ID: id})
	case errors.Is(err, ErrInvalidJob):
		http.Error(rw, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrDuplicateID):
		http.Error(rw, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("failed to queue job", lg.Err(err))
		http.Error(rw, "Failed to process request", http.StatusServiceUnavailable)
	}
}

func (s *Server) lookup(rw http.ResponseWriter, r *http.Request) (*executor.Job, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(rw, "invalid job id", http.StatusBadRequest)
		return nil, false
	}
	j, ok := s.runner.Lookup(id)
	if !ok {
		http.Error(rw, "job not found", http.StatusNotFound)
		return nil, false
	}
	return j, true
}

func (s *Server) get(rw http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(rw, r)
	if !ok {
		return
	}
	serverutil.WriteJSON(rw, r, http.StatusOK, StatusOf(j.Snapshot()))
}

func (s *Server) cancel(rw http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(rw, r)
	if !ok {
		return
	}
	j.Cancel()
	s.logger.Info("job cancel requested", lg.String("job_id", j.ID.String()))
	serverutil.WriteJSON(rw, r, http.StatusAccepted, StatusOf(j.Snapshot()))
}

// StatusOf converts a report to its public form.
func StatusOf(rep executor.Report) dm.JobStatus {
	st := dm.JobStatus{
		ID:       rep.ID,
		Target:   rep.Target,
		Status:   string(rep.Status),
		Reason:   rep.Reason,
		Attempts: rep.Attempts,
		Results:  make([]dm.CommandResult, 0, len(rep.Results)),
	}
	if !rep.StartedAt.IsZero() {
		t := rep.StartedAt
		st.StartedAt = &t
	}
	if !rep.FinishedAt.IsZero() {
		t := rep.FinishedAt
		st.FinishedAt = &t
	}
	for _, res := range rep.Results {
		st.Results = append(st.Results, dm.CommandResult{
			Index:    res.Index,
			Command:  res.Command,
			ExitCode: res.ExitCode,
			Stdout:   string(res.Stdout),
			Stderr:   string(res.Stderr),
		})
	}
	return st
}
