package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"credmint/internal/issuance/models"
)

// Key layout, all under the configured prefix:
//
//	{p}:jobs:pending          LIST  encoded jobs, LPUSH in / BLMOVE out
//	{p}:jobs:processing       LIST  jobs taken by a worker and not yet reported
//	{p}:jobs:leases           ZSET  processing job -> unix ms it may be reclaimed at
//	{p}:queues                SET   live queue ids
//	{p}:queue:{id}:jobs       HASH  chunk index -> pending|succeeded|failed
//	{p}:queue:{id}:done       LIST  encoded outcomes, drained by Await
type RedisBroker struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	blockTimeout time.Duration
	visibility   time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// requeueScript moves one expired job from processing back to the consuming
// end of pending. A job already reported is only unleased.
var requeueScript = redis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBroker) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithJobTTL bounds how long per-queue keys survive an abandoned batch.
func WithJobTTL(ttl time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithBlockTimeout sets how long one blocking Redis call waits before
// re-checking the context.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.blockTimeout = d
		}
	}
}

// WithVisibilityTimeout sets how long a taken job may go unreported before
// RequeueStale hands it to another worker.
func WithVisibilityTimeout(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.visibility = d
		}
	}
}

func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(b *RedisBroker) { b.logger = logger }
}

func NewRedisBroker(client *redis.Client, opts ...RedisOption) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	b := &RedisBroker{
		client:       client,
		prefix:       "credmint",
		ttl:          24 * time.Hour,
		blockTimeout: time.Second,
		visibility:   10 * time.Minute,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

func (b *RedisBroker) pendingKey() string    { return b.prefix + ":jobs:pending" }
func (b *RedisBroker) processingKey() string { return b.prefix + ":jobs:processing" }
func (b *RedisBroker) leasesKey() string     { return b.prefix + ":jobs:leases" }
func (b *RedisBroker) queuesKey() string     { return b.prefix + ":queues" }
func (b *RedisBroker) jobsKey(id string) string {
	return b.prefix + ":queue:" + id + ":jobs"
}
func (b *RedisBroker) doneKey(id string) string {
	return b.prefix + ":queue:" + id + ":done"
}

func (b *RedisBroker) Enqueue(ctx context.Context, job models.ChunkJob) error {
	raw, err := EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobsKey(job.QueueID), strconv.Itoa(job.ChunkIndex), jobPending)
		pipe.Expire(ctx, b.jobsKey(job.QueueID), b.ttl)
		pipe.SAdd(ctx, b.queuesKey(), job.QueueID)
		pipe.LPush(ctx, b.pendingKey(), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue chunk %d of %s: %w", job.ChunkIndex, job.QueueID, err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := b.client.BLMove(ctx, b.pendingKey(), b.processingKey(), "RIGHT", "LEFT", b.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("dequeue chunk job: %w", err)
		}

		job, err := DecodeJob(raw)
		if err != nil {
			b.logger.ErrorContext(ctx, "dropping malformed chunk job", "error", err, "queue_id", job.QueueID)
			if job.QueueID != "" {
				if rerr := b.Report(ctx, &Delivery{Job: job, raw: raw}, malformedOutcome(job, err)); rerr != nil {
					return nil, rerr
				}
			} else if rerr := b.client.LRem(ctx, b.processingKey(), 1, raw).Err(); rerr != nil {
				b.logger.WarnContext(ctx, "failed to drop malformed chunk job from processing", "error", rerr)
			}
			continue
		}
		if err := b.lease(ctx, raw); err != nil {
			b.logger.WarnContext(ctx, "failed to lease chunk job; it is leased on the next reclaim",
				"queue_id", job.QueueID,
				"chunk_index", job.ChunkIndex,
				"error", err,
			)
		}
		return &Delivery{Job: job, raw: raw}, nil
	}
}

func (b *RedisBroker) Report(ctx context.Context, d *Delivery, outcome models.ChunkOutcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode chunk outcome: %w", err)
	}
	queueID := d.Job.QueueID
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobsKey(queueID), strconv.Itoa(outcome.ChunkIndex), outcomeStatus(outcome))
		pipe.Expire(ctx, b.jobsKey(queueID), b.ttl)
		pipe.RPush(ctx, b.doneKey(queueID), encoded)
		pipe.Expire(ctx, b.doneKey(queueID), b.ttl)
		pipe.LRem(ctx, b.processingKey(), 1, d.raw)
		pipe.ZRem(ctx, b.leasesKey(), d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("report chunk %d of %s: %w", outcome.ChunkIndex, queueID, err)
	}
	return nil
}

func (b *RedisBroker) lease(ctx context.Context, raw string) error {
	deadline := b.now().Add(b.visibility).UnixMilli()
	return b.client.ZAdd(ctx, b.leasesKey(), redis.Z{Score: float64(deadline), Member: raw}).Err()
}

// RequeueStale returns jobs whose worker stopped before reporting to the
// pending list and reports how many were moved. A processing job with no
// lease, such as one taken by a worker that died right after dequeuing, is
// leased first and reclaimed once that lease runs out.
func (b *RedisBroker) RequeueStale(ctx context.Context) (int, error) {
	processing, err := b.client.LRange(ctx, b.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("requeue stale: list processing: %w", err)
	}
	now := b.now()
	if len(processing) > 0 {
		deadline := float64(now.Add(b.visibility).UnixMilli())
		members := make([]redis.Z, len(processing))
		for i, raw := range processing {
			members[i] = redis.Z{Score: deadline, Member: raw}
		}
		if err := b.client.ZAddNX(ctx, b.leasesKey(), members...).Err(); err != nil {
			return 0, fmt.Errorf("requeue stale: lease orphans: %w", err)
		}
	}

	expired, err := b.client.ZRangeByScore(ctx, b.leasesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("requeue stale: list expired: %w", err)
	}

	keys := []string{b.processingKey(), b.pendingKey(), b.leasesKey()}
	moved := 0
	for _, raw := range expired {
		n, err := requeueScript.Run(ctx, b.client, keys, raw).Int()
		if err != nil {
			return moved, fmt.Errorf("requeue stale: %w", err)
		}
		moved += n
	}
	if moved > 0 {
		b.logger.WarnContext(ctx, "requeued chunk jobs left unreported", "jobs", moved, "visibility_timeout", b.visibility)
	}
	return moved, nil
}

func (b *RedisBroker) Await(ctx context.Context, queueID string) (models.ChunkOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.ChunkOutcome{}, err
		}
		res, err := b.client.BLPop(ctx, b.blockTimeout, b.doneKey(queueID)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return models.ChunkOutcome{}, ctxErr
			}
			return models.ChunkOutcome{}, fmt.Errorf("await %s: %w", queueID, err)
		}
		var outcome models.ChunkOutcome
		if err := json.Unmarshal([]byte(res[1]), &outcome); err != nil {
			b.logger.ErrorContext(ctx, "discarding undecodable chunk outcome", "queue_id", queueID, "error", err)
			continue
		}
		return outcome, nil
	}
}

func (b *RedisBroker) Purge(ctx context.Context, queueID string) error {
	pending, err := b.client.LRange(ctx, b.pendingKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("purge %s: list pending: %w", queueID, err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.jobsKey(queueID), b.doneKey(queueID))
		pipe.SRem(ctx, b.queuesKey(), queueID)
		for _, raw := range pending {
			var head struct {
				QueueID string `json:"queueId"`
			}
			if json.Unmarshal([]byte(raw), &head) == nil && head.QueueID == queueID {
				pipe.LRem(ctx, b.pendingKey(), 0, raw)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge %s: %w", queueID, err)
	}
	return nil
}

func (b *RedisBroker) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	pending := pipe.LLen(ctx, b.pendingKey())
	processing := pipe.LLen(ctx, b.processingKey())
	queues := pipe.SCard(ctx, b.queuesKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Processing: processing.Val(), Queues: queues.Val()}, nil
}

func (b *RedisBroker) Queues(ctx context.Context) ([]QueueInfo, error) {
	ids, err := b.client.SMembers(ctx, b.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	sort.Strings(ids)

	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, b.jobsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list queue jobs: %w", err)
	}

	out := make([]QueueInfo, 0, len(ids))
	for i, id := range ids {
		jobs := make(map[int]string)
		for field, status := range cmds[i].Val() {
			idx, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			jobs[idx] = status
		}
		out = append(out, summarise(id, jobs))
	}
	return out, nil
}
