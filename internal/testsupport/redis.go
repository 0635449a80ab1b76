package testsupport

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"photobatch/internal/config"
	"photobatch/internal/queue"
)

// NewRedis starts a miniredis server and a client bound to it, both closed at test end.
func NewRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// NewQueue returns a Redis queue on a fresh miniredis.
func NewQueue(t testing.TB, cfg config.Config) (*queue.RedisQueue, *redis.Client) {
	t.Helper()
	client, _ := NewRedis(t)
	return queue.NewRedisQueue(client, cfg), client
}

// NewConfig returns pipeline defaults suitable for tests.
func NewConfig(t testing.TB) config.Config {
	t.Helper()
	return config.Config{
		Env:                  "test",
		VisibilityTimeout:    time.Minute,
		WorkerPollInterval:   10 * time.Millisecond,
		WorkerConcurrency:    1,
		ScheduledBatchSize:   100,
		PriorityQueues:       []string{queue.PriorityHigh, queue.PriorityDefault},
		PreviewMaxAttempts:   3,
		PreviewRetryDelay:    60 * time.Second,
		ArchiveMaxAttempts:   2,
		ArchiveRetryDelay:    120 * time.Second,
		BarrierTTL:           time.Hour,
		StorageBackend:       "local",
		StorageLocalDir:      t.TempDir(),
		SignedURLTTL:         time.Hour,
		SupervisorBatchSize:  50,
		StaleProcessingAfter: 30 * time.Minute,
		CacheTTL:             time.Hour,
	}
}
