package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"photobatch/internal/pipeline"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []UploadEvent
	errs  []error
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, batchID string, photoIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, UploadEvent{BatchID: batchID, PhotoIDs: photoIDs})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "archive-" + batchID, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func message(t *testing.T, offset int64, ev any) kafka.Message {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Value: data}
}

func TestHandleSubmitsBatch(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newConsumer(&fakeReader{}, sub, zerolog.Nop())

	handle, err := c.Handle(context.Background(), message(t, 1, UploadEvent{BatchID: "b1", PhotoIDs: []string{"p1", "p2"}}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if handle != "archive-b1" || len(sub.calls) != 1 || len(sub.calls[0].PhotoIDs) != 2 {
		t.Fatalf("unexpected submission handle=%q calls=%+v", handle, sub.calls)
	}
}

func TestHandleRejectsMalformed(t *testing.T) {
	c := newConsumer(&fakeReader{}, &fakeSubmitter{}, zerolog.Nop())
	for _, raw := range []string{"not json", `{"photo_ids":["p1"]}`} {
		_, err := c.Handle(context.Background(), kafka.Message{Value: []byte(raw)})
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("%q: expected ErrMalformedEvent, got %v", raw, err)
		}
	}
}

func TestRunCommitsProcessedAndPoisonMessages(t *testing.T) {
	r := &fakeReader{}
	r.msgs = []kafka.Message{
		message(t, 10, UploadEvent{BatchID: "b1", PhotoIDs: []string{"p1"}}),
		{Offset: 11, Value: []byte("{broken")},
		message(t, 12, UploadEvent{BatchID: "b2", PhotoIDs: []string{"p9"}}),
	}
	sub := &fakeSubmitter{errs: []error{nil, fmt.Errorf("photo p9: %w", pipeline.ErrInvalidSubmission)}}
	c := newConsumer(r, sub, zerolog.Nop())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.committed)
		r.mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for commits, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sub.count() != 2 {
		t.Fatalf("permanent failures must not be retried, got %d submissions", sub.count())
	}
	if !r.closed {
		t.Fatalf("reader should be closed on exit")
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{message(t, 1, UploadEvent{BatchID: "b1", PhotoIDs: []string{"p1"}})}}
	sub := &fakeSubmitter{errs: []error{errors.New("redis down"), nil}}
	c := newConsumer(r, sub, zerolog.Nop())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a retry, got %d submissions", sub.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type captureWriter struct{ msgs []kafka.Message }

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestPublisherKeysByBatch(t *testing.T) {
	w := &captureWriter{}
	p := &Publisher{writer: w}
	if err := p.Publish(context.Background(), UploadEvent{BatchID: "b7", PhotoIDs: []string{"p1"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "b7" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var ev UploadEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil || ev.BatchID != "b7" {
		t.Fatalf("unexpected payload %s err=%v", w.msgs[0].Value, err)
	}
	if err := p.Publish(context.Background(), UploadEvent{}); err == nil {
		t.Fatalf("expected error for event without batch")
	}
}
