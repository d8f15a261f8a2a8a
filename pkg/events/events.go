// Package events publishes JSON events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/remoterunner/pkg/lg"
)

const DefaultReportTopic = "remote-runner.reports"

var ErrUnknownTopic = errors.New("kafka topic does not exist")

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
}

// Producer writes one message per event, synchronously.
type Producer struct {
	writer messageWriter
	topic  string
}

func NewProducer(cfg Config) *Producer {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultReportTopic
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

// Send marshals v and writes it keyed by key.
func (p *Producer) Send(ctx context.Context, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			lg.FromContext(ctx).Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
			return fmt.Errorf("%w: %s", ErrUnknownTopic, p.topic)
		}
		return fmt.Errorf("write to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Producer) Topic() string { return p.topic }

func (p *Producer) Close() error {
	return p.writer.Close()
}
