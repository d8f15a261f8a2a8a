package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/andrej220/remoterunner/internal/connector"
	"github.com/andrej220/remoterunner/internal/remote"
	"github.com/andrej220/remoterunner/pkg/job"
	"github.com/andrej220/remoterunner/pkg/lg"
)

// ConnectFunc opens an authenticated session for a descriptor.
type ConnectFunc func(ctx context.Context, d job.Descriptor) (remote.Session, error)

// FromConnector adapts a connector.Connector.
func FromConnector(c *connector.Connector) ConnectFunc {
	return func(ctx context.Context, d job.Descriptor) (remote.Session, error) {
		s, err := c.Connect(ctx, d)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// ResilienceConfig is the connect policy. The connector itself never
// retries; MaxAttempts > 1 turns retries on here, for transport failures only.
type ResilienceConfig struct {
	MaxAttempts int
	Backoff     backoff.ExponentialBackOff
	Breaker     gobreaker.Settings
}

func DefaultResilience() ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts: 1,
		Backoff: backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			MaxElapsedTime:      time.Minute,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		Breaker: gobreaker.Settings{
			Name:        "ssh-connect",
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
	}
}

type resilientConnector struct {
	connect ConnectFunc
	conf    ResilienceConfig
	breaker *gobreaker.CircuitBreaker
	logger  lg.Logger
}

func newResilientConnector(connect ConnectFunc, conf ResilienceConfig, logger lg.Logger) *resilientConnector {
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 1
	}
	settings := conf.Breaker
	// credential problems say nothing about the host's health
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !connector.Retryable(err)
	}
	return &resilientConnector{
		connect: connect,
		conf:    conf,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Connect returns the session and the number of attempts made.
func (r *resilientConnector) Connect(ctx context.Context, d job.Descriptor) (remote.Session, int, error) {
	attempts := 0
	op := func() (remote.Session, error) {
		attempts++
		res, err := r.breaker.Execute(func() (any, error) {
			return r.connect(ctx, d)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			if !connector.Retryable(err) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res.(remote.Session), nil
	}

	b := r.conf.Backoff
	if b.Clock == nil {
		b.Clock = backoff.SystemClock
	}
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(&b, uint64(r.conf.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("connect failed, retrying", lg.Int("attempt", attempts), lg.Duration("wait", wait), lg.Err(err))
	}

	sess, err := backoff.RetryNotifyWithData(op, policy, notify)
	return sess, attempts, err
}
