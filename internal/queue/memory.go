package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaforge/internal/media"
)

type memoryEntry struct {
	job        media.ProcessingJob
	readyAt    time.Time
	deliveries int
}

type memoryLease struct {
	entry     memoryEntry
	expiresAt time.Time
}

// MemoryQueue is a single-process Queue with full lease semantics. It backs
// tests and the default development driver.
type MemoryQueue struct {
	leaseTimeout     time.Duration
	maxDeliveryCount int
	now              func() time.Time
	onDeadLetter     DeadLetterFunc

	mu      sync.Mutex
	pending []memoryEntry
	leased  map[string]memoryLease
	dead    []DeadLetter
	wake    chan struct{}
}

// MemoryQueueOption mutates MemoryQueue configuration.
type MemoryQueueOption func(*MemoryQueue)

// WithLeaseTimeout overrides the visibility timeout for leased jobs.
func WithLeaseTimeout(timeout time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if timeout > 0 {
			q.leaseTimeout = timeout
		}
	}
}

// WithMaxDeliveryCount overrides the dead-letter delivery limit.
func WithMaxDeliveryCount(limit int) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if limit > 0 {
			q.maxDeliveryCount = limit
		}
	}
}

// WithClock overrides the queue clock. Tests use this to simulate lease expiry.
func WithClock(now func() time.Time) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithDeadLetterFunc installs a callback invoked when a job is dead-lettered.
func WithDeadLetterFunc(fn DeadLetterFunc) MemoryQueueOption {
	return func(q *MemoryQueue) {
		q.onDeadLetter = fn
	}
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		leaseTimeout:     DefaultLeaseTimeout,
		maxDeliveryCount: DefaultMaxDeliveryCount,
		now:              time.Now,
		leased:           make(map[string]memoryLease),
		wake:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job media.ProcessingJob, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := media.EncodeProcessingJob(job); err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, memoryEntry{job: job, readyAt: q.now().Add(delay)})
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Lease(ctx context.Context, wait time.Duration) (media.ProcessingJob, bool, error) {
	deadline := q.now().Add(wait)
	for {
		if job, ok := q.tryLease(ctx); ok {
			return job, true, nil
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return media.ProcessingJob{}, false, nil
		}
		poll := 50 * time.Millisecond
		if remaining < poll {
			poll = remaining
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return media.ProcessingJob{}, false, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) tryLease(ctx context.Context) (media.ProcessingJob, bool) {
	q.mu.Lock()
	now := q.now()
	q.reclaimExpiredLocked(now)
	var (
		dead  []DeadLetter
		job   media.ProcessingJob
		found bool
	)
	for idx := 0; idx < len(q.pending); {
		entry := q.pending[idx]
		if entry.readyAt.After(now) {
			idx++
			continue
		}
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		entry.deliveries++
		if entry.deliveries > q.maxDeliveryCount {
			dl := DeadLetter{
				Job:        entry.job,
				Deliveries: entry.deliveries,
				Reason:     "delivery count exceeded",
				At:         now,
			}
			q.dead = append(q.dead, dl)
			dead = append(dead, dl)
			continue
		}
		leaseID := uuid.NewString()
		job = entry.job
		job.LeaseID = leaseID
		job.LeaseExpiresAt = now.Add(q.leaseTimeout)
		q.leased[leaseID] = memoryLease{entry: entry, expiresAt: job.LeaseExpiresAt}
		found = true
		break
	}
	q.mu.Unlock()
	if q.onDeadLetter != nil {
		for _, dl := range dead {
			q.onDeadLetter(ctx, dl)
		}
	}
	return job, found
}

// reclaimExpiredLocked returns expired leases to the pending list, modelling
// crash recovery via visibility timeout.
func (q *MemoryQueue) reclaimExpiredLocked(now time.Time) {
	for leaseID, lease := range q.leased {
		if lease.expiresAt.After(now) {
			continue
		}
		delete(q.leased, leaseID)
		q.pending = append(q.pending, memoryEntry{
			job:        lease.entry.job,
			readyAt:    now,
			deliveries: lease.entry.deliveries,
		})
	}
}

func (q *MemoryQueue) Extend(ctx context.Context, job media.ProcessingJob, timeout time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if timeout <= 0 {
		timeout = q.leaseTimeout
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	lease, ok := q.leased[job.LeaseID]
	if !ok || !lease.expiresAt.After(q.now()) {
		return time.Time{}, fmt.Errorf("extend job %s: %w", job.AssetID, ErrLeaseLost)
	}
	lease.expiresAt = q.now().Add(timeout)
	q.leased[job.LeaseID] = lease
	return lease.expiresAt, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, job media.ProcessingJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leased[job.LeaseID]; !ok {
		return fmt.Errorf("ack job %s: %w", job.AssetID, ErrLeaseLost)
	}
	delete(q.leased, job.LeaseID)
	return nil
}

func (q *MemoryQueue) NackAndRequeue(ctx context.Context, job media.ProcessingJob, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	lease, ok := q.leased[job.LeaseID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("nack job %s: %w", job.AssetID, ErrLeaseLost)
	}
	delete(q.leased, job.LeaseID)
	entry := lease.entry
	entry.job = media.NewProcessingJob(job.AssetID, job.Attempt)
	entry.readyAt = q.now().Add(delay)
	q.pending = append(q.pending, entry)
	q.mu.Unlock()
	q.signal()
	return nil
}

// DeadLetters returns a copy of the dead-letter sink.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Depth reports pending plus leased jobs. Used by tests.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.leased)
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
