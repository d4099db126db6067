// Package status persists the lifecycle of media assets and provides the
// atomic compare-and-set transitions every other component relies on for
// race safety.
package status

import (
	"context"

	"mediaforge/internal/media"
)

// Update carries the fields written alongside a status transition. Nil
// pointers leave the current value untouched.
type Update struct {
	Attempt      *int
	SourceKey    *string
	Renditions   []media.Rendition
	ManifestPath *string
	ErrorMessage *string
}

// Store is the durable record of asset lifecycles.
type Store interface {
	// Create persists a new asset record. The asset must be in StatusPending.
	Create(ctx context.Context, asset media.Asset) (media.Asset, error)
	// Get returns a snapshot of the asset, or media.ErrNotFound.
	Get(ctx context.Context, assetID string) (media.Asset, error)
	// CompareAndSet atomically transitions the asset from expected to next.
	// A mismatch between expected and the current status is reported through
	// the bool, not an error, so callers can treat races as benign no-ops.
	CompareAndSet(ctx context.Context, assetID string, expected, next media.AssetStatus, update Update) (media.Asset, bool, error)
	// ListByStatus returns assets currently in the given status. Used for
	// startup recovery.
	ListByStatus(ctx context.Context, status media.AssetStatus) ([]media.Asset, error)
	// Subscribe returns a stream of status-change events for the asset. The
	// stream terminates once the asset reaches a terminal status.
	Subscribe(ctx context.Context, assetID string) (Subscription, error)
}

// Subscription is a restartable sequence of status-change events.
type Subscription interface {
	Events() <-chan media.StatusEvent
	Close()
}

// Int returns a pointer to v for use in Update fields.
func Int(v int) *int { return &v }

// String returns a pointer to v for use in Update fields.
func String(v string) *string { return &v }
