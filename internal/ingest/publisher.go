package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"photobatch/internal/config"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits upload events onto the ingest topic.
type Publisher struct {
	writer writer
}

// NewPublisher writes to the configured topic. Events are keyed by batch ID so
// a batch's events stay in one partition.
func NewPublisher(cfg config.Config) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.KafkaTopic,
		Balancer: &kafka.Hash{},
	}}
}

// Publish sends one upload event.
func (p *Publisher) Publish(ctx context.Context, ev UploadEvent) error {
	if ev.BatchID == "" {
		return errors.New("batch_id is required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal upload event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.BatchID), Value: data}); err != nil {
		return fmt.Errorf("publish upload event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
