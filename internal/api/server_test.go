package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photobatch/internal/cache"
	"photobatch/internal/health"
	"photobatch/internal/models"
	"photobatch/internal/pipeline"
	"photobatch/internal/queue"
	"photobatch/internal/ratelimit"
	"photobatch/internal/storage"
	"photobatch/internal/store"
	"photobatch/internal/testsupport"
)

type fixture struct {
	ctx     context.Context
	store   *testsupport.MemStore
	queue   *queue.RedisQueue
	objects *storage.Local
	srv     *httptest.Server
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	q, client := testsupport.NewQueue(t, cfg)
	st := testsupport.NewMemStore()
	objects := storage.NewLocal(cfg.StorageLocalDir)
	orch := pipeline.NewOrchestrator(cfg, st, q, objects, cache.New(client, cfg.CacheTTL), zerolog.Nop())

	var limiter Limiter
	if capacity > 0 {
		limiter = ratelimit.NewTokenBucket(client, capacity, 0.001, time.Minute)
	}
	srv := httptest.NewServer(New(orch, st, q, limiter, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return &fixture{ctx: context.Background(), store: st, queue: q, objects: objects, srv: srv}
}

func (f *fixture) batch(t *testing.T, n int) (models.Batch, []string) {
	t.Helper()
	b, err := f.store.CreateBatch(f.ctx, store.CreateBatchParams{Title: "Fjords"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	var ids []string
	for i := 0; i < n; i++ {
		p, err := f.store.CreatePhoto(f.ctx, b.ID, "originals/"+b.ID+"/"+string(rune('a'+i))+".jpg")
		if err != nil {
			t.Fatalf("create photo: %v", err)
		}
		ids = append(ids, p.ID)
	}
	return b, ids
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestSubmitBatchEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	b, ids := f.batch(t, 2)

	body, _ := json.Marshal(submitRequest{PhotoIDs: ids})
	resp := f.post(t, "/batches/"+b.ID+"/submit", string(body))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out map[string]string
	decode(t, resp, &out)
	if out["archive_job_id"] == "" {
		t.Fatalf("expected archive job handle, got %v", out)
	}
	if n := len(f.store.JobsOfType(models.JobTypePreview)); n != 2 {
		t.Fatalf("expected 2 preview jobs, got %d", n)
	}
}

func TestSubmitErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, 0)
	b, _ := f.batch(t, 1)
	_, foreign := f.batch(t, 1)

	cases := []struct {
		path string
		body string
		code int
	}{
		{"/batches/" + b.ID + "/submit", "{", http.StatusBadRequest},
		{"/batches/missing/submit", `{"photo_ids":["x"]}`, http.StatusNotFound},
		{"/batches/" + b.ID + "/submit", `{"photo_ids":["` + foreign[0] + `"]}`, http.StatusUnprocessableEntity},
	}
	for _, c := range cases {
		if resp := f.post(t, c.path, c.body); resp.StatusCode != c.code {
			t.Fatalf("%s %s: expected %d, got %d", c.path, c.body, c.code, resp.StatusCode)
		}
	}
}

func TestArchiveEndpoints(t *testing.T) {
	f := newFixture(t, 0)
	b, _ := f.batch(t, 1)

	if resp := f.get(t, "/batches/"+b.ID+"/archive"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before the archive exists, got %d", resp.StatusCode)
	}

	resp := f.post(t, "/batches/"+b.ID+"/archive", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if depth, _ := f.queue.ReadyDepth(f.ctx); depth != 1 {
		t.Fatalf("expected archive job enqueued, got depth %d", depth)
	}

	ref, _ := f.objects.Store(f.ctx, "batch_zips/"+b.ID+".zip", strings.NewReader("zip"), 3, "application/zip")
	_ = f.store.CompleteArchive(f.ctx, b.ID, ref)
	resp = f.get(t, "/batches/"+b.ID+"/archive")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	decode(t, resp, &out)
	if !strings.HasSuffix(out["url"], ref) {
		t.Fatalf("unexpected url %q", out["url"])
	}

	resp = f.get(t, "/batches/"+b.ID)
	var batch batchResponse
	decode(t, resp, &batch)
	if !batch.ZipReady || batch.Batch.ID != b.ID {
		t.Fatalf("unexpected batch response %+v", batch)
	}
}

func TestPhotoEndpoints(t *testing.T) {
	f := newFixture(t, 0)
	_, ids := f.batch(t, 1)
	_ = f.store.FailPreview(f.ctx, ids[0], "renderer down")

	resp := f.post(t, "/photos/"+ids[0]+"/preview", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp = f.get(t, "/photos/"+ids[0])
	var out photoResponse
	decode(t, resp, &out)
	if out.PreviewReady || out.Photo.PreviewStatus != models.ProcessingPending {
		t.Fatalf("expected pending photo, got %+v", out)
	}
	if resp := f.get(t, "/photos/missing"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 0)
	_, ids := f.batch(t, 3)

	resp := f.get(t, "/healthz")
	var report health.Report
	decode(t, resp, &report)
	if resp.StatusCode != http.StatusOK || report.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %d %+v", resp.StatusCode, report)
	}

	_ = f.store.FailPreview(f.ctx, ids[0], "x")
	if resp := f.get(t, "/healthz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unhealthy, got %d", resp.StatusCode)
	}
}

func TestDLQEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	_ = f.queue.DLQPush(f.ctx, "job-1")

	var out struct {
		Items []string `json:"items"`
	}
	decode(t, f.get(t, "/dlq"), &out)
	if len(out.Items) != 1 || out.Items[0] != "job-1" {
		t.Fatalf("unexpected dlq %v", out.Items)
	}
}

func TestWriteEndpointsAreRateLimited(t *testing.T) {
	f := newFixture(t, 1)
	b, ids := f.batch(t, 1)

	body := `{"photo_ids":["` + ids[0] + `"]}`
	if resp := f.post(t, "/batches/"+b.ID+"/submit", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first request should pass, got %d", resp.StatusCode)
	}
	if resp := f.post(t, "/batches/"+b.ID+"/submit", body); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", resp.StatusCode)
	}
	if resp := f.get(t, "/batches/"+b.ID); resp.StatusCode != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", resp.StatusCode)
	}
}
