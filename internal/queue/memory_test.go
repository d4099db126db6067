package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaforge/internal/media"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryQueueLeaseAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	if err := q.Enqueue(ctx, media.NewProcessingJob("asset-1", 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job, ok, err := q.Lease(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	if job.AssetID != "asset-1" || job.Attempt != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.LeaseID == "" || job.LeaseExpiresAt.IsZero() {
		t.Fatal("leased job must carry lease metadata")
	}
	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}
	if _, ok, _ := q.Lease(ctx, 10*time.Millisecond); ok {
		t.Fatal("acked job must not be redelivered")
	}
	if q.Depth() != 0 {
		t.Fatalf("expected empty queue, depth = %d", q.Depth())
	}
}

func TestMemoryQueueLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(WithClock(clock.Now), WithLeaseTimeout(time.Minute))

	if err := q.Enqueue(ctx, media.NewProcessingJob("asset-1", 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	first, ok, err := q.Lease(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("first Lease = %v, %v", ok, err)
	}

	// Lease still held, nothing to deliver.
	if _, ok, _ := q.Lease(ctx, 0); ok {
		t.Fatal("job must stay invisible while leased")
	}

	clock.Advance(2 * time.Minute)
	second, ok, err := q.Lease(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("redelivery Lease = %v, %v", ok, err)
	}
	if second.AssetID != first.AssetID {
		t.Fatalf("expected redelivery of %s, got %s", first.AssetID, second.AssetID)
	}
	if second.LeaseID == first.LeaseID {
		t.Fatal("redelivered job must carry a fresh lease")
	}

	// The original lease is dead and its operations must fail.
	if err := q.Ack(ctx, first); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale Ack = %v, want ErrLeaseLost", err)
	}
	if _, err := q.Extend(ctx, first, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale Extend = %v, want ErrLeaseLost", err)
	}
	if err := q.Ack(ctx, second); err != nil {
		t.Fatalf("Ack of live lease returned error: %v", err)
	}
}

func TestMemoryQueueExtendKeepsLease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(WithClock(clock.Now), WithLeaseTimeout(time.Minute))

	if err := q.Enqueue(ctx, media.NewProcessingJob("asset-1", 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job, ok, err := q.Lease(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	clock.Advance(45 * time.Second)
	expiry, err := q.Extend(ctx, job, time.Minute)
	if err != nil {
		t.Fatalf("Extend returned error: %v", err)
	}
	if !expiry.After(clock.Now()) {
		t.Fatal("extended expiry must be in the future")
	}
	clock.Advance(45 * time.Second)
	if _, ok, _ := q.Lease(ctx, 0); ok {
		t.Fatal("extended lease must keep the job invisible")
	}
	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}
}

func TestMemoryQueueNackDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(WithClock(clock.Now))

	if err := q.Enqueue(ctx, media.NewProcessingJob("asset-1", 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	job, ok, err := q.Lease(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	job.Attempt = 2
	if err := q.NackAndRequeue(ctx, job, time.Minute); err != nil {
		t.Fatalf("NackAndRequeue returned error: %v", err)
	}

	if _, ok, _ := q.Lease(ctx, 0); ok {
		t.Fatal("delayed job must not be deliverable before its delay")
	}
	clock.Advance(2 * time.Minute)
	redelivered, ok, err := q.Lease(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("delayed Lease = %v, %v", ok, err)
	}
	if redelivered.Attempt != 2 {
		t.Fatalf("redelivered attempt = %d, want 2", redelivered.Attempt)
	}
}

func TestMemoryQueueDeadLettersAfterDeliveryLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemoryQueue(WithClock(clock.Now), WithLeaseTimeout(time.Minute), WithMaxDeliveryCount(2))

	if err := q.Enqueue(ctx, media.NewProcessingJob("asset-1", 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	// Two deliveries that are never acked, each lease left to expire.
	for i := 0; i < 2; i++ {
		if _, ok, err := q.Lease(ctx, 0); err != nil || !ok {
			t.Fatalf("delivery %d: Lease = %v, %v", i+1, ok, err)
		}
		clock.Advance(2 * time.Minute)
	}

	if _, ok, _ := q.Lease(ctx, 0); ok {
		t.Fatal("job past delivery limit must not be redelivered")
	}
	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].Job.AssetID != "asset-1" || dead[0].Deliveries != 3 {
		t.Fatalf("unexpected dead letter %+v", dead[0])
	}
}

func TestMemoryQueueDeadLetterFuncObservesDroppedJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var observed []DeadLetter
	q := NewMemoryQueue(
		WithClock(clock.Now),
		WithLeaseTimeout(time.Minute),
		WithMaxDeliveryCount(1),
		WithDeadLetterFunc(func(_ context.Context, dl DeadLetter) {
			observed = append(observed, dl)
		}),
	)

	if err := q.Enqueue(ctx, media.NewProcessingJob("asset-1", 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, ok, err := q.Lease(ctx, 0); err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	clock.Advance(2 * time.Minute)
	if _, ok, _ := q.Lease(ctx, 0); ok {
		t.Fatal("job past delivery limit must not be redelivered")
	}

	if len(observed) != 1 {
		t.Fatalf("callback invocations = %d, want 1", len(observed))
	}
	if observed[0].Job.AssetID != "asset-1" || observed[0].Deliveries != 2 {
		t.Fatalf("unexpected dead letter %+v", observed[0])
	}
}

func TestMemoryQueueLeaseHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := q.Lease(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Lease = %v, want context.Canceled", err)
	}
}
