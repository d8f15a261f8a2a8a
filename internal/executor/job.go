package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/remoterunner/internal/sequencer"
	"github.com/andrej220/remoterunner/internal/sink"
	"github.com/andrej220/remoterunner/pkg/job"
	"github.com/andrej220/remoterunner/pkg/lg"
)

const reportTimeout = 10 * time.Second

// Job is one run of a descriptor. It owns its session from connect to close.
type Job struct {
	ID uuid.UUID

	runner *Runner
	desc   job.Descriptor
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	report *Report
	err    error
}

// Cancel stops the job. A pending job never connects; a running one is
// aborted after the command in flight. Safe to call at any time.
func (j *Job) Cancel() { j.cancel() }

func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report.Status
}

// Snapshot returns a copy of the report as it stands.
func (j *Job) Snapshot() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := *j.report
	r.Results = append([]sequencer.CommandResult(nil), j.report.Results...)
	return r
}

// Wait blocks until the job finishes.
func (j *Job) Wait() (*Report, error) {
	<-j.done
	return j.report, j.err
}

// Execute runs the job on the calling goroutine. Later calls wait for the
// first one.
func (j *Job) Execute() (*Report, error) {
	j.once.Do(j.execute)
	return j.Wait()
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.report.Status = s
	j.mu.Unlock()
}

func (j *Job) execute() {
	defer close(j.done)
	defer j.cancel()

	r := j.runner
	logger := r.logger.With(lg.String("job_id", j.ID.String()))
	narrator := sink.NewNarrator(r.opts.Sink)

	ctx := lg.Attach(j.ctx, logger)
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	j.mu.Lock()
	j.report.StartedAt = time.Now().UTC()
	j.mu.Unlock()
	narrator.Starting()

	d := j.desc
	d.Normalize()
	if err := d.Validate(); err != nil {
		narrator.ConfigError(err)
		j.finish(ctx, logger, StatusFailed, err, nil)
		return
	}
	logger = logger.With(lg.String("host", d.Host), lg.Int("commands", len(d.Commands)))

	if ctx.Err() != nil {
		narrator.Aborted(sequencer.ErrCancelled)
		j.finish(ctx, logger, StatusAborted, sequencer.ErrCancelled, nil)
		return
	}

	j.setStatus(StatusConnecting)
	sess, attempts, err := r.conn.Connect(ctx, d)
	j.mu.Lock()
	j.report.Attempts = attempts
	j.mu.Unlock()
	if err != nil {
		j.finish(ctx, logger, StatusFailed, err, nil)
		return
	}

	seq, err := sequencer.New(sess, sequencer.Options{
		OnOutput: func(index int, kind sequencer.StreamKind, chunk []byte) {
			if r.opts.OnOutput != nil {
				r.opts.OnOutput(j.ID, index, kind, chunk)
			}
		},
		OnCommandComplete: func(res sequencer.CommandResult) {
			j.mu.Lock()
			j.report.Results = append(j.report.Results, res)
			j.mu.Unlock()
		},
		Sink:        r.opts.Sink,
		Logger:      logger,
		CancelGrace: r.opts.CancelGrace,
	})
	if err != nil {
		_ = sess.Close()
		j.finish(ctx, logger, StatusFailed, err, nil)
		return
	}

	j.setStatus(StatusRunning)
	outcome := seq.Run(ctx, d.Commands)
	if outcome.Completed() {
		j.finish(ctx, logger, StatusCompleted, nil, outcome.Results)
		return
	}
	reason := outcome.Reason
	if errors.Is(reason, sequencer.ErrCancelled) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = fmt.Errorf("%w: timed out after %s", reason, r.opts.Timeout)
	}
	j.finish(ctx, logger, StatusAborted, reason, outcome.Results)
}

func (j *Job) finish(ctx context.Context, logger lg.Logger, status Status, reason error, results []sequencer.CommandResult) {
	j.mu.Lock()
	j.report.Status = status
	j.report.FinishedAt = time.Now().UTC()
	if reason != nil {
		j.report.Reason = reason.Error()
	}
	if results != nil {
		j.report.Results = results
	}
	j.err = reason
	rep := *j.report
	j.mu.Unlock()

	fields := []lg.Field{
		lg.String("status", string(status)),
		lg.Int("results", len(rep.Results)),
		lg.Duration("elapsed", rep.Duration()),
	}
	if reason != nil {
		logger.Warn("job finished", append(fields, lg.Err(reason))...)
	} else {
		logger.Info("job finished", fields...)
	}

	// reports are filed even when the job itself was cancelled
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if rec := j.runner.opts.Recorder; rec != nil {
		if err := rec.Record(rctx, &rep); err != nil {
			logger.Error("record report", lg.Err(err))
		}
	}
	if pub := j.runner.opts.Publisher; pub != nil {
		if err := pub.Publish(rctx, &rep); err != nil {
			logger.Error("publish report", lg.Err(err))
		}
	}
}
