package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"photobatch/internal/config"
	"photobatch/internal/pipeline"
	"photobatch/internal/store"
)

// UploadEvent announces that the originals of a batch finished uploading.
type UploadEvent struct {
	BatchID  string   `json:"batch_id"`
	PhotoIDs []string `json:"photo_ids"`
}

// ErrMalformedEvent marks messages that can never be processed.
var ErrMalformedEvent = errors.New("malformed upload event")

// Submitter starts the pipeline for a batch.
type Submitter interface {
	SubmitBatch(ctx context.Context, batchID string, photoIDs []string) (string, error)
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const handleAttempts = 3

// Consumer turns upload events into batch submissions.
type Consumer struct {
	reader    reader
	submitter Submitter
	backoff   time.Duration
	log       zerolog.Logger
}

// NewConsumer joins the configured consumer group.
func NewConsumer(cfg config.Config, submitter Submitter, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
	return newConsumer(r, submitter, log)
}

func newConsumer(r reader, submitter Submitter, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader:    r,
		submitter: submitter,
		backoff:   500 * time.Millisecond,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// Handle decodes one message and submits the batch.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) (string, error) {
	var ev UploadEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.BatchID == "" {
		return "", fmt.Errorf("%w: batch_id is required", ErrMalformedEvent)
	}
	return c.submitter.SubmitBatch(ctx, ev.BatchID, ev.PhotoIDs)
}

// permanent reports errors that retrying the same message cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, pipeline.ErrInvalidSubmission) ||
		errors.Is(err, store.ErrNotFound)
}

// Run consumes until ctx is cancelled. Offsets are committed once a message
// is submitted or known to be unprocessable.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Error().Err(err).Msg("close kafka reader")
		}
	}()
	c.log.Info().Msg("consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("fetch message")
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit message")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	log := c.log.With().Int64("offset", msg.Offset).Int("partition", msg.Partition).Logger()
	for attempt := 1; ; attempt++ {
		handle, err := c.Handle(ctx, msg)
		if err == nil {
			log.Info().Str("archive_job_id", handle).Msg("upload event submitted")
			return nil
		}
		if permanent(err) || attempt >= handleAttempts {
			log.Error().Err(err).Str("message", string(msg.Value)).Int("attempts", attempt).Msg("dropping upload event")
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("submit failed, retrying")
		if !c.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
