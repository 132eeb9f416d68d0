// Package queue is the Redis-backed enrichment job queue.
//
// A job is a killmail id. Ready jobs sit in a list; Dequeue moves one
// atomically to a processing list and records when it was claimed. Ack
// forgets the job, Nack applies the retry policy, and RecoverStale returns
// jobs whose worker died to the ready list. A set of outstanding ids keeps
// at most one job per killmail in the system.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/battlescope/internal/metrics"
	"github.com/ignite/battlescope/internal/pkg/logger"
)

// ErrNoJob is returned by Dequeue when no job became ready before the
// timeout.
var ErrNoJob = errors.New("queue: no job ready")

// Keys used by the queue.
const (
	keyPrefix     = "battlescope:enrich:"
	KeyPending    = keyPrefix + "pending"
	KeyProcessing = keyPrefix + "processing"
	KeyEnqueued   = keyPrefix + "enqueued"
	KeyDead       = keyPrefix + "dead"
	KeyDelayed    = keyPrefix + "delayed"
	KeyClaims     = keyPrefix + "claims"
	KeyAttempts   = keyPrefix + "attempts"
)

// Disposition is what Nack did with a failed job.
type Disposition string

const (
	Retrying     Disposition = "retrying"
	DeadLettered Disposition = "dead_lettered"
)

// RetryPolicy bounds automatic retries. MaxAttempts counts the first try, so
// 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy sends every failure straight to the dead-letter list.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, BaseDelay: 30 * time.Second}
}

var (
	// KEYS: enqueued, pending. ARGV: id.
	enqueueScript = redis.NewScript(`
if redis.call("SADD", KEYS[1], ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

	// KEYS: processing, claims, attempts, enqueued. ARGV: id.
	ackScript = redis.NewScript(`
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("SREM", KEYS[4], ARGV[1])
return 1
`)

	// KEYS: processing, claims, attempts, enqueued, dead, delayed.
	// ARGV: id, max attempts, now ms, base delay ms.
	// Returns 1 when dead-lettered, 0 when scheduled for retry.
	nackScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[3], ARGV[1], 1)
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
if n >= tonumber(ARGV[2]) then
	redis.call("HDEL", KEYS[3], ARGV[1])
	redis.call("SREM", KEYS[4], ARGV[1])
	redis.call("LPUSH", KEYS[5], ARGV[1])
	return 1
end
local delay = tonumber(ARGV[4]) * (2 ^ (n - 1))
redis.call("ZADD", KEYS[6], tonumber(ARGV[3]) + delay, ARGV[1])
return 0
`)

	// KEYS: delayed, pending. ARGV: now ms.
	promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
end
return #due
`)

	// KEYS: processing, claims, pending. ARGV: now ms, stale before ms.
	// Jobs in the processing list without a claim (the worker died between
	// the move and the claim) get one stamped now and are recovered by a
	// later sweep.
	recoverScript = redis.NewScript(`
local recovered = 0
local jobs = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(jobs) do
	local claimed = redis.call("HGET", KEYS[2], id)
	if not claimed then
		redis.call("HSET", KEYS[2], id, ARGV[1])
	elseif tonumber(claimed) < tonumber(ARGV[2]) then
		redis.call("LREM", KEYS[1], 1, id)
		redis.call("HDEL", KEYS[2], id)
		redis.call("LPUSH", KEYS[3], id)
		recovered = recovered + 1
	end
end
return recovered
`)
)

// RedisQueue implements the enrichment queue on Redis lists.
type RedisQueue struct {
	client *redis.Client
	policy RetryPolicy
	now    func() time.Time
}

// NewRedisQueue creates a queue with the given retry policy.
func NewRedisQueue(client *redis.Client, policy RetryPolicy) *RedisQueue {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	return &RedisQueue{client: client, policy: policy, now: time.Now}
}

// Policy returns the queue's retry policy.
func (q *RedisQueue) Policy() RetryPolicy { return q.policy }

func member(id int64) string { return strconv.FormatInt(id, 10) }

// Enqueue adds a job unless one for the same killmail is outstanding. It
// reports whether a job was added.
func (q *RedisQueue) Enqueue(ctx context.Context, killmailID int64) (bool, error) {
	n, err := enqueueScript.Run(ctx, q.client, []string{KeyEnqueued, KeyPending}, member(killmailID)).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %d: %w", killmailID, err)
	}
	return n == 1, nil
}

// Dequeue blocks up to timeout for a ready job and claims it.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (int64, error) {
	val, err := q.client.BLMove(ctx, KeyPending, KeyProcessing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNoJob
	}
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Not one of ours; drop it so it cannot wedge the list.
		q.client.LRem(ctx, KeyProcessing, 1, val)
		return 0, fmt.Errorf("dequeue: invalid job %q: %w", val, err)
	}
	if err := q.client.HSet(ctx, KeyClaims, val, q.now().UnixMilli()).Err(); err != nil {
		logger.Warn("[Queue] failed to record claim", "killmail_id", id, "error", err)
	}
	return id, nil
}

// Ack completes a job.
func (q *RedisQueue) Ack(ctx context.Context, killmailID int64) error {
	err := ackScript.Run(ctx, q.client,
		[]string{KeyProcessing, KeyClaims, KeyAttempts, KeyEnqueued}, member(killmailID)).Err()
	if err != nil {
		return fmt.Errorf("ack %d: %w", killmailID, err)
	}
	return nil
}

// Nack records a failed attempt. The job is scheduled for retry after an
// exponential delay, or dead-lettered once it has used every attempt.
func (q *RedisQueue) Nack(ctx context.Context, killmailID int64) (Disposition, error) {
	n, err := nackScript.Run(ctx, q.client,
		[]string{KeyProcessing, KeyClaims, KeyAttempts, KeyEnqueued, KeyDead, KeyDelayed},
		member(killmailID), q.policy.MaxAttempts, q.now().UnixMilli(), q.policy.BaseDelay.Milliseconds(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("nack %d: %w", killmailID, err)
	}
	if n == 1 {
		metrics.QueueDeadLetteredTotal.Inc()
		return DeadLettered, nil
	}
	return Retrying, nil
}

// PromoteDue moves retries whose delay has elapsed back to the ready list.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{KeyDelayed, KeyPending}, q.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("promote retries: %w", err)
	}
	return n, nil
}

// RecoverStale returns jobs claimed longer than staleAge to the ready list.
func (q *RedisQueue) RecoverStale(ctx context.Context, staleAge time.Duration) (int, error) {
	now := q.now()
	n, err := recoverScript.Run(ctx, q.client, []string{KeyProcessing, KeyClaims, KeyPending},
		now.UnixMilli(), now.Add(-staleAge).UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		metrics.QueueRecoveredTotal.Add(float64(n))
	}
	return n, nil
}

// Stats is a snapshot of queue depths.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

// Stats reads every depth in one round trip.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, KeyPending)
	processing := pipe.LLen(ctx, KeyProcessing)
	delayed := pipe.ZCard(ctx, KeyDelayed)
	dead := pipe.LLen(ctx, KeyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

// ForgetDead removes ids from the dead-letter list, typically right before
// they are enqueued again.
func (q *RedisQueue) ForgetDead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.client.Pipeline()
	for _, id := range ids {
		pipe.LRem(ctx, KeyDead, 0, member(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("forget dead jobs: %w", err)
	}
	return nil
}
