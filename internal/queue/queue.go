// Package queue provides the at-least-once ingestion queue that feeds
// transcode workers. Leased jobs become redeliverable when their lease
// expires; jobs exceeding the delivery limit are routed to a dead-letter sink.
package queue

import (
	"context"
	"errors"
	"time"

	"mediaforge/internal/media"
)

// ErrLeaseLost is returned by Extend, Ack, and NackAndRequeue when the
// caller's lease has already expired or been acknowledged.
var ErrLeaseLost = errors.New("job lease lost")

const (
	// DefaultLeaseTimeout is the visibility timeout applied to leased jobs.
	// Lease expiry is the sole detector of a crashed worker.
	DefaultLeaseTimeout = 15 * time.Minute
	// DefaultMaxDeliveryCount bounds queue-level redelivery before a job is
	// dead-lettered.
	DefaultMaxDeliveryCount = 5
)

// Queue is the at-least-once delivery abstraction for processing jobs.
type Queue interface {
	// Enqueue makes the job available for lease, optionally after a delay.
	Enqueue(ctx context.Context, job media.ProcessingJob, delay time.Duration) error
	// Lease claims the next available job, blocking up to wait. The second
	// return value is false when no job became available.
	Lease(ctx context.Context, wait time.Duration) (media.ProcessingJob, bool, error)
	// Extend pushes the lease expiry of a held job further into the future.
	Extend(ctx context.Context, job media.ProcessingJob, timeout time.Duration) (time.Time, error)
	// Ack removes a held job permanently.
	Ack(ctx context.Context, job media.ProcessingJob) error
	// NackAndRequeue releases a held job back to the queue after delay.
	NackAndRequeue(ctx context.Context, job media.ProcessingJob, delay time.Duration) error
}

// DeadLetter captures a job that exceeded the delivery limit.
type DeadLetter struct {
	Job        media.ProcessingJob
	Deliveries int
	Reason     string
	At         time.Time
}

// DeadLetterFunc observes jobs removed from circulation after exceeding the
// delivery limit. Implementations must drive the owning asset to a terminal
// status; a dead-lettered job is never redelivered.
type DeadLetterFunc func(ctx context.Context, dl DeadLetter)
