package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mediaforge/internal/media"
)

// RedisQueueConfig configures the Redis Streams queue implementation.
type RedisQueueConfig struct {
	Addr             string
	Addrs            []string
	Username         string
	Password         string
	Stream           string
	Group            string
	MasterName       string
	PoolSize         int
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	LeaseTimeout     time.Duration
	MaxDeliveryCount int
	DeadLetterFunc   DeadLetterFunc
	Logger           *slog.Logger
}

// RedisQueue is a Queue backed by a Redis stream with a consumer group.
// Lease expiry maps to pending-entry idle time; expired leases are reclaimed
// with XAUTOCLAIM. Delayed requeues park in a sorted set until due.
type RedisQueue struct {
	client           redis.UniversalClient
	stream           string
	group            string
	deadStream       string
	delayedSet       string
	consumer         string
	leaseTimeout     time.Duration
	maxDeliveryCount int
	onDeadLetter     DeadLetterFunc
	logger           *slog.Logger
}

// NewRedisQueue connects to Redis and ensures the consumer group exists.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "mediaforge:jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	leaseTimeout := cfg.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	maxDeliveries := cfg.MaxDeliveryCount
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveryCount
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	q := &RedisQueue{
		client:           client,
		stream:           stream,
		group:            group,
		deadStream:       stream + ":dead",
		delayedSet:       stream + ":delayed",
		consumer:         randomConsumerID(),
		leaseTimeout:     leaseTimeout,
		maxDeliveryCount: maxDeliveries,
		onDeadLetter:     cfg.DeadLetterFunc,
		logger:           logger,
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job media.ProcessingJob, delay time.Duration) error {
	payload, err := media.EncodeProcessingJob(job)
	if err != nil {
		return err
	}
	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := q.client.ZAdd(ctx, q.delayedSet, redis.Z{Score: readyAt, Member: string(payload)}).Err(); err != nil {
			return fmt.Errorf("park delayed job: %w", err)
		}
		return nil
	}
	return q.append(ctx, payload)
}

func (q *RedisQueue) append(ctx context.Context, payload []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Lease(ctx context.Context, wait time.Duration) (media.ProcessingJob, bool, error) {
	if err := q.promoteDelayed(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("promote delayed jobs failed", "error", err)
	}
	if job, ok, err := q.claimExpired(ctx); err != nil || ok {
		return job, ok, err
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    wait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return media.ProcessingJob{}, false, nil
		}
		return media.ProcessingJob{}, false, fmt.Errorf("read job stream: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			job, ok := q.decodeMessage(ctx, msg)
			if !ok {
				continue
			}
			return job, true, nil
		}
	}
	return media.ProcessingJob{}, false, nil
}

// promoteDelayed moves due entries from the delayed sorted set onto the stream.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 32,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedSet, member).Result()
		if err != nil {
			return err
		}
		// Another worker promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.append(ctx, []byte(member)); err != nil {
			return err
		}
	}
	return nil
}

// claimExpired reclaims messages whose lease (pending idle time) has lapsed.
// Messages past the delivery limit are routed to the dead-letter stream.
func (q *RedisQueue) claimExpired(ctx context.Context) (media.ProcessingJob, bool, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.leaseTimeout,
		Start:    "0-0",
		Count:    8,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return media.ProcessingJob{}, false, nil
		}
		return media.ProcessingJob{}, false, fmt.Errorf("claim expired leases: %w", err)
	}
	retries := q.retryCounts(ctx, messages)
	for _, msg := range messages {
		if retries[msg.ID] > int64(q.maxDeliveryCount) {
			q.deadLetter(ctx, msg, retries[msg.ID])
			continue
		}
		job, ok := q.decodeMessage(ctx, msg)
		if !ok {
			continue
		}
		return job, true, nil
	}
	return media.ProcessingJob{}, false, nil
}

func (q *RedisQueue) retryCounts(ctx context.Context, messages []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(messages))
	if len(messages) == 0 {
		return counts
	}
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  int64(len(messages)) + 32,
	}).Result()
	if err != nil {
		q.logger.Warn("read pending entries failed", "error", err)
		return counts
	}
	for _, entry := range pending {
		counts[entry.ID] = entry.RetryCount
	}
	return counts
}

func (q *RedisQueue) deadLetter(ctx context.Context, msg redis.XMessage, deliveries int64) {
	payload, _ := msg.Values["payload"].(string)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadStream,
		Values: map[string]interface{}{
			"payload":    payload,
			"deliveries": strconv.FormatInt(deliveries, 10),
			"reason":     "delivery count exceeded",
		},
	}).Err()
	if err != nil {
		q.logger.Error("dead-letter append failed", "id", msg.ID, "error", err)
		return
	}
	q.forget(ctx, msg.ID)
	q.logger.Warn("job dead-lettered", "id", msg.ID, "deliveries", deliveries)
	if q.onDeadLetter == nil {
		return
	}
	job, err := media.DecodeProcessingJob([]byte(payload))
	if err != nil {
		q.logger.Error("dead-lettered payload undecodable", "id", msg.ID, "error", err)
		return
	}
	q.onDeadLetter(ctx, DeadLetter{
		Job:        job,
		Deliveries: int(deliveries),
		Reason:     "delivery count exceeded",
		At:         time.Now(),
	})
}

func (q *RedisQueue) decodeMessage(ctx context.Context, msg redis.XMessage) (media.ProcessingJob, bool) {
	payload, _ := msg.Values["payload"].(string)
	job, err := media.DecodeProcessingJob([]byte(payload))
	if err != nil {
		q.logger.Error("discarding malformed job payload", "id", msg.ID, "error", err)
		q.forget(ctx, msg.ID)
		return media.ProcessingJob{}, false
	}
	job.LeaseID = msg.ID
	job.LeaseExpiresAt = time.Now().Add(q.leaseTimeout)
	return job, true
}

func (q *RedisQueue) Extend(ctx context.Context, job media.ProcessingJob, timeout time.Duration) (time.Time, error) {
	if timeout <= 0 {
		timeout = q.leaseTimeout
	}
	// Re-claiming with zero idle resets the pending entry's idle clock, which
	// pushes the XAUTOCLAIM redelivery point forward.
	claimed, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{job.LeaseID},
	}).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("extend job %s: %w", job.AssetID, err)
	}
	if len(claimed) == 0 {
		return time.Time{}, fmt.Errorf("extend job %s: %w", job.AssetID, ErrLeaseLost)
	}
	return time.Now().Add(timeout), nil
}

func (q *RedisQueue) Ack(ctx context.Context, job media.ProcessingJob) error {
	acked, err := q.client.XAck(ctx, q.stream, q.group, job.LeaseID).Result()
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.AssetID, err)
	}
	if acked == 0 {
		return fmt.Errorf("ack job %s: %w", job.AssetID, ErrLeaseLost)
	}
	q.forgetEntry(ctx, job.LeaseID)
	return nil
}

func (q *RedisQueue) NackAndRequeue(ctx context.Context, job media.ProcessingJob, delay time.Duration) error {
	acked, err := q.client.XAck(ctx, q.stream, q.group, job.LeaseID).Result()
	if err != nil {
		return fmt.Errorf("nack job %s: %w", job.AssetID, err)
	}
	if acked == 0 {
		return fmt.Errorf("nack job %s: %w", job.AssetID, ErrLeaseLost)
	}
	q.forgetEntry(ctx, job.LeaseID)
	return q.Enqueue(ctx, media.NewProcessingJob(job.AssetID, job.Attempt), delay)
}

// forget acknowledges and deletes a message that should never be redelivered.
func (q *RedisQueue) forget(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.logger.Warn("ack failed", "id", id, "error", err)
	}
	q.forgetEntry(ctx, id)
}

func (q *RedisQueue) forgetEntry(ctx context.Context, id string) {
	if err := q.client.XDel(ctx, q.stream, id).Err(); err != nil {
		q.logger.Warn("delete stream entry failed", "id", id, "error", err)
	}
}

// Close releases the Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("worker-%s", hex.EncodeToString(buf))
}
