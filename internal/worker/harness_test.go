package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"photobatch/internal/cache"
	"photobatch/internal/config"
	"photobatch/internal/models"
	"photobatch/internal/pipeline"
	"photobatch/internal/queue"
	"photobatch/internal/render"
	"photobatch/internal/storage"
	"photobatch/internal/store"
	"photobatch/internal/testsupport"
)

type fakeRenderer struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{fail: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeRenderer) RenderPreview(_ context.Context, originalRef string, wm render.WatermarkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[originalRef]++
	if err := f.fail[originalRef]; err != nil {
		return "", err
	}
	if wm.Text == "" {
		return "", errors.New("missing watermark")
	}
	return render.PreviewKey(originalRef), nil
}

func (f *fakeRenderer) callsFor(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

// flakyObjects fails the first failUploads archive uploads; a negative value fails them all.
type flakyObjects struct {
	ObjectStore
	mu          sync.Mutex
	failUploads int
	uploads     int
}

func (f *flakyObjects) Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	f.uploads++
	fail := f.failUploads != 0
	if f.failUploads > 0 {
		f.failUploads--
	}
	f.mu.Unlock()
	if fail {
		return "", errors.New("upload timeout")
	}
	return f.ObjectStore.Store(ctx, key, body, size, contentType)
}

func (f *flakyObjects) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// enqueueFailure fails the failOn-th Enqueue call.
type enqueueFailure struct {
	*queue.RedisQueue
	mu     sync.Mutex
	calls  int
	failOn int
}

func (q *enqueueFailure) Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	q.mu.Lock()
	q.calls++
	fail := q.calls == q.failOn
	q.mu.Unlock()
	if fail {
		return errors.New("redis: connection reset by peer")
	}
	return q.RedisQueue.Enqueue(ctx, jobID, priority, runAt)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	cfg      config.Config
	store    *testsupport.MemStore
	queue    *queue.RedisQueue
	redis    *redis.Client
	objects  *storage.Local
	archives *flakyObjects
	renderer *fakeRenderer
	orch     *pipeline.Orchestrator
	proc     *Processor
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.NewMemStore()
	q, client := testsupport.NewQueue(t, cfg)
	objects := storage.NewLocal(cfg.StorageLocalDir)
	previews := cache.New(client, cfg.CacheTTL)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		cfg:      cfg,
		store:    st,
		queue:    q,
		redis:    client,
		objects:  objects,
		archives: &flakyObjects{ObjectStore: objects},
		renderer: newFakeRenderer(),
		clock:    time.Now(),
	}
	h.orch = pipeline.NewOrchestrator(cfg, st, q, objects, previews, zerolog.Nop())

	h.proc = NewProcessor(cfg, q, st, zerolog.Nop())
	h.proc.now = func() time.Time { return h.clock }
	h.proc.Register(models.JobTypePreview, NewPreviewWorker(st, h.renderer, previews, q, nil, zerolog.Nop()).
		Registration(RetryPolicy{MaxAttempts: cfg.PreviewMaxAttempts, Delay: cfg.PreviewRetryDelay}))
	h.proc.Register(models.JobTypeArchive, NewArchiveWorker(st, h.archives, t.TempDir(), zerolog.Nop()).
		Registration(RetryPolicy{MaxAttempts: cfg.ArchiveMaxAttempts, Delay: cfg.ArchiveRetryDelay}))
	return h
}

// batchWithPhotos creates a batch whose originals exist in object storage.
func (h *harness) batchWithPhotos(n int) (models.Batch, []models.Photo) {
	h.t.Helper()
	b, err := h.store.CreateBatch(h.ctx, store.CreateBatchParams{Title: "Sunset", PriceCents: 1500})
	if err != nil {
		h.t.Fatalf("create batch: %v", err)
	}
	photos := make([]models.Photo, 0, n)
	for i := 0; i < n; i++ {
		key := "originals/" + b.ID + "/photo" + string(rune('a'+i)) + ".jpg"
		ref, err := h.objects.Store(h.ctx, key, strings.NewReader("jpeg-bytes-"+key), -1, "image/jpeg")
		if err != nil {
			h.t.Fatalf("store original: %v", err)
		}
		p, err := h.store.CreatePhoto(h.ctx, b.ID, ref)
		if err != nil {
			h.t.Fatalf("create photo: %v", err)
		}
		photos = append(photos, p)
	}
	return b, photos
}

func photoIDs(photos []models.Photo) []string {
	ids := make([]string, len(photos))
	for i, p := range photos {
		ids[i] = p.ID
	}
	return ids
}

// drain processes jobs until the ready queues are empty.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 200; i++ {
		processed, err := h.proc.processNext(h.ctx)
		if err != nil {
			h.t.Fatalf("process: %v", err)
		}
		if !processed {
			return
		}
	}
	h.t.Fatalf("queue did not drain")
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) batch(id string) models.Batch {
	h.t.Helper()
	b, err := h.store.GetBatch(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get batch: %v", err)
	}
	return b
}

func (h *harness) photo(id string) models.Photo {
	h.t.Helper()
	p, err := h.store.GetPhoto(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get photo: %v", err)
	}
	return p
}

func (h *harness) archiveEntries(ref string) []string {
	h.t.Helper()
	rc, err := h.objects.Fetch(h.ctx, ref)
	if err != nil {
		h.t.Fatalf("fetch archive: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		h.t.Fatalf("read archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		h.t.Fatalf("open archive: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func (h *harness) jobsWithStatus(jobType, status string) int {
	n := 0
	for _, j := range h.store.JobsOfType(jobType) {
		if j.Status == status {
			n++
		}
	}
	return n
}
