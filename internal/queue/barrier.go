package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BarrierRelease describes the outcome of releasing one member of a fan-in barrier.
type BarrierRelease struct {
	// Fired is true for exactly one caller per barrier: the one whose release
	// emptied it and pushed the callback job onto its ready queue.
	Fired bool
	// CallbackJobID is set when Fired is true.
	CallbackJobID string
	// Remaining members still pending after this release.
	Remaining int64
	// Duplicate is true when the member was not pending (already released,
	// never registered, or the barrier is gone).
	Duplicate bool
}

func (q *RedisQueue) barrierKeys(barrierID string) []string {
	return []string{
		q.barrierPrefix + barrierID + ":pending",
		q.barrierPrefix + barrierID + ":meta",
	}
}

// RegisterBarrier installs a fan-in barrier keyed by barrierID. Each member is
// one upstream job that must release the barrier before callbackJobID is
// pushed onto the ready queue for priority. The callback job must already
// exist in the job store.
//
// If a barrier with the same key is still open, the members are merged into it
// and the existing callback is kept; the returned ID is the callback that will
// actually fire.
func (q *RedisQueue) RegisterBarrier(ctx context.Context, barrierID, callbackJobID, priority string, members []string) (string, error) {
	if len(members) == 0 {
		return "", fmt.Errorf("barrier %s: no members", barrierID)
	}
	if priority == "" {
		priority = PriorityDefault
	}
	args := make([]any, 0, len(members)+3)
	args = append(args, callbackJobID, priority, q.barrierTTL.Milliseconds())
	for _, m := range members {
		args = append(args, m)
	}
	res, err := registerBarrierScript.Run(ctx, q.client, q.barrierKeys(barrierID), args...).Result()
	if err != nil {
		return "", fmt.Errorf("register barrier %s: %w", barrierID, err)
	}
	active, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from register script: %T", res)
	}
	return active, nil
}

// ReleaseBarrier removes member from the barrier. Decrement, emptiness check and
// callback dispatch happen in one script, so concurrent releases can neither
// both fire nor lose a decrement, and a redelivered release of the same member
// is a no-op.
func (q *RedisQueue) ReleaseBarrier(ctx context.Context, barrierID, member string) (BarrierRelease, error) {
	res, err := releaseBarrierScript.Run(ctx, q.client, q.barrierKeys(barrierID),
		member, q.jobMetaPrefix, q.readyPrefix()).Result()
	if err != nil {
		return BarrierRelease{}, fmt.Errorf("release barrier %s: %w", barrierID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return BarrierRelease{}, fmt.Errorf("unexpected reply from release script: %v", res)
	}
	code, _ := arr[0].(int64)
	value, _ := arr[1].(string)
	switch code {
	case -1:
		return BarrierRelease{Duplicate: true}, nil
	case 0:
		return BarrierRelease{Fired: true, CallbackJobID: value}, nil
	case -2:
		return BarrierRelease{}, fmt.Errorf("barrier %s emptied without a callback", barrierID)
	default:
		return BarrierRelease{Remaining: code}, nil
	}
}

// BarrierPending reports how many members are still outstanding.
func (q *RedisQueue) BarrierPending(ctx context.Context, barrierID string) (int64, error) {
	n, err := q.client.SCard(ctx, q.barrierKeys(barrierID)[0]).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

var registerBarrierScript = redis.NewScript(`
local pending = KEYS[1]
local meta = KEYS[2]
local ttl = tonumber(ARGV[3])
local added = 0
for i=4,#ARGV do
  added = added + redis.call('SADD', pending, ARGV[i])
end
local active = redis.call('HGET', meta, 'callback')
if active then
  redis.call('HINCRBY', meta, 'expected', added)
else
  active = ARGV[1]
  redis.call('HSET', meta, 'callback', ARGV[1])
  redis.call('HSET', meta, 'priority', ARGV[2])
  redis.call('HSET', meta, 'expected', added)
end
if ttl > 0 then
  redis.call('PEXPIRE', pending, ttl)
  redis.call('PEXPIRE', meta, ttl)
end
return active
`)

var releaseBarrierScript = redis.NewScript(`
local pending = KEYS[1]
local meta = KEYS[2]
if redis.call('SREM', pending, ARGV[1]) == 0 then
  return {-1, ''}
end
local left = redis.call('SCARD', pending)
if left > 0 then
  return {left, ''}
end
local cb = redis.call('HGET', meta, 'callback')
local prio = redis.call('HGET', meta, 'priority')
redis.call('DEL', meta)
if not cb then
  return {-2, ''}
end
if not prio or prio == '' then
  prio = 'default'
end
redis.call('HSET', ARGV[2] .. cb, 'priority', prio)
redis.call('RPUSH', ARGV[3] .. prio, cb)
return {0, cb}
`)
