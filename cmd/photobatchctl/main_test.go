package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"photobatch/internal/health"
	"photobatch/internal/ingest"
)

type fakeMaintenance struct {
	limits    []int
	olderThan time.Duration
	report    health.Report
}

func (f *fakeMaintenance) RetryFailedPreviews(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return 5, nil
}

func (f *fakeMaintenance) RetryFailedArchives(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return 2, nil
}

func (f *fakeMaintenance) ResetStalePreviews(_ context.Context, olderThan time.Duration, _ int) (int, error) {
	f.olderThan = olderThan
	return 1, nil
}

func (f *fakeMaintenance) ResetStaleArchives(context.Context, time.Duration, int) (int, error) {
	return 0, nil
}

func (f *fakeMaintenance) SweepCache(context.Context) (int, error) { return 7, nil }

func (f *fakeMaintenance) Health(context.Context) (health.Report, error) { return f.report, nil }

type fakeSubmitter struct{ batchID string }

func (f *fakeSubmitter) SubmitBatch(_ context.Context, batchID string, _ []string) (string, error) {
	f.batchID = batchID
	return "job-1", nil
}

type fakePublisher struct{ events []ingest.UploadEvent }

func (f *fakePublisher) Publish(_ context.Context, ev ingest.UploadEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type cliEnv struct {
	maint  *fakeMaintenance
	sub    *fakeSubmitter
	pub    *fakePublisher
	closed int
}

func (e *cliEnv) run(t *testing.T, withPublisher bool, args ...string) (string, error) {
	t.Helper()
	ctx := newCommandContext(func(context.Context) (*services, error) {
		svc := &services{maintenance: e.maint, submitter: e.sub, close: func() { e.closed++ }}
		if withPublisher {
			svc.publisher = e.pub
		}
		return svc, nil
	})
	cmd := newRootCommand(ctx)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newEnv() *cliEnv {
	return &cliEnv{
		maint: &fakeMaintenance{report: health.Report{Status: health.StatusHealthy, Issues: []string{}}},
		sub:   &fakeSubmitter{},
		pub:   &fakePublisher{},
	}
}

func TestRetryCommand(t *testing.T) {
	env := newEnv()
	out, err := env.run(t, false, "retry", "--all", "--limit", "10")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !strings.Contains(out, "Retried 5 failed previews") || !strings.Contains(out, "Retried 2 failed archives") {
		t.Fatalf("unexpected output %q", out)
	}
	if len(env.maint.limits) != 2 || env.maint.limits[0] != 10 {
		t.Fatalf("limit not forwarded: %v", env.maint.limits)
	}
	if env.closed != 1 {
		t.Fatalf("services should be closed once, got %d", env.closed)
	}
}

func TestRetryCommandRequiresKind(t *testing.T) {
	env := newEnv()
	if _, err := env.run(t, false, "retry"); err == nil {
		t.Fatalf("expected error without a kind")
	}
	out, err := env.run(t, false, "retry", "--previews")
	if err != nil || strings.Contains(out, "archives") {
		t.Fatalf("only previews expected, got %q err=%v", out, err)
	}
	if env.maint.limits[0] != 50 {
		t.Fatalf("default limit should be 50, got %d", env.maint.limits[0])
	}
}

func TestResetStaleCommand(t *testing.T) {
	env := newEnv()
	out, err := env.run(t, false, "reset-stale", "--older-than", "45m")
	if err != nil {
		t.Fatalf("reset-stale: %v", err)
	}
	if env.maint.olderThan != 45*time.Minute || !strings.Contains(out, "Reset 1 stale previews and 0 stale archives") {
		t.Fatalf("unexpected result %q olderThan=%s", out, env.maint.olderThan)
	}
}

func TestHealthCommand(t *testing.T) {
	env := newEnv()
	out, err := env.run(t, false, "health", "--json")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var report health.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil || report.Status != health.StatusHealthy {
		t.Fatalf("unexpected json %q err=%v", out, err)
	}

	env.maint.report = health.Report{Status: health.StatusUnhealthy, Issues: []string{"High failure rate: 20.0%"}}
	out, err = env.run(t, false, "health")
	if err == nil || !strings.Contains(out, "High failure rate") {
		t.Fatalf("unhealthy pipeline should fail the command, got %q err=%v", out, err)
	}
}

func TestSubmitCommand(t *testing.T) {
	env := newEnv()
	if _, err := env.run(t, true, "submit", "b1", "p1", "p2"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(env.pub.events) != 1 || env.pub.events[0].BatchID != "b1" || len(env.pub.events[0].PhotoIDs) != 2 {
		t.Fatalf("expected published event, got %+v", env.pub.events)
	}
	if env.sub.batchID != "" {
		t.Fatalf("publishing must not submit directly")
	}

	out, err := env.run(t, true, "submit", "--direct", "b2", "p1")
	if err != nil || env.sub.batchID != "b2" || !strings.Contains(out, "job-1") {
		t.Fatalf("direct submit failed: %q err=%v", out, err)
	}

	if _, err := env.run(t, false, "submit", "b3"); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestCacheSweepCommand(t *testing.T) {
	env := newEnv()
	out, err := env.run(t, false, "cache", "sweep")
	if err != nil || !strings.Contains(out, "Removed 7 cache entries") {
		t.Fatalf("unexpected output %q err=%v", out, err)
	}
}

func TestOpenFailureIsReported(t *testing.T) {
	ctx := newCommandContext(func(context.Context) (*services, error) { return nil, errors.New("connect postgres: refused") })
	cmd := newRootCommand(ctx)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"cache", "sweep"})
	if err := cmd.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("expected open error, got %v", err)
	}
}
