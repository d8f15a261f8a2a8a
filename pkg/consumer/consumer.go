// Package consumer reads JSON messages of one type from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/remoterunner/pkg/lg"
)

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DecodeError reports a message whose value is not a valid T. The message
// has already been committed so it is not delivered again.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// Read fetches, decodes and commits the next message.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
			return zero, cerr
		}
		return zero, &DecodeError{Offset: msg.Offset, Err: err}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}

	return payload, nil
}

// Consume hands every message to handle until ctx is done. Undecodable
// messages and handler errors are logged and skipped; any other read error
// ends the loop.
func (c *Consumer[T]) Consume(ctx context.Context, handle func(context.Context, T) error) error {
	logger := lg.FromContext(ctx)
	for {
		payload, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var derr *DecodeError
			if errors.As(err, &derr) {
				logger.Warn("skipping malformed message", lg.Err(err))
				continue
			}
			return err
		}
		if err := handle(ctx, payload); err != nil {
			logger.Warn("message handler failed", lg.Err(err))
		}
	}
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
