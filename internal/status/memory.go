package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mediaforge/internal/media"
	"mediaforge/internal/notify"
)

// MemoryStore is a mutex-guarded Store for development and tests.
type MemoryStore struct {
	publisher notify.Publisher
	now       func() time.Time

	mu     sync.RWMutex
	assets map[string]media.Asset
	subs   map[string][]*memorySubscription
}

// MemoryStoreOption mutates MemoryStore configuration.
type MemoryStoreOption func(*MemoryStore)

// WithPublisher installs a notification publisher invoked on every transition.
func WithPublisher(publisher notify.Publisher) MemoryStoreOption {
	return func(s *MemoryStore) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithNow overrides the store clock for tests.
func WithNow(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty in-memory status store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		publisher: notify.NoopPublisher{},
		now:       time.Now,
		assets:    make(map[string]media.Asset),
		subs:      make(map[string][]*memorySubscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, asset media.Asset) (media.Asset, error) {
	if err := ctx.Err(); err != nil {
		return media.Asset{}, err
	}
	if asset.Status == "" {
		asset.Status = media.StatusPending
	}
	if asset.Status != media.StatusPending {
		return media.Asset{}, fmt.Errorf("new asset must start pending, got %s", asset.Status)
	}
	now := s.now().UTC()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	s.mu.Lock()
	if _, exists := s.assets[asset.ID]; exists {
		s.mu.Unlock()
		return media.Asset{}, fmt.Errorf("asset %s already exists", asset.ID)
	}
	s.assets[asset.ID] = asset
	s.mu.Unlock()
	return asset, nil
}

func (s *MemoryStore) Get(ctx context.Context, assetID string) (media.Asset, error) {
	if err := ctx.Err(); err != nil {
		return media.Asset{}, err
	}
	s.mu.RLock()
	asset, ok := s.assets[assetID]
	s.mu.RUnlock()
	if !ok {
		return media.Asset{}, media.ErrNotFound
	}
	asset.Renditions = media.CloneRenditions(asset.Renditions)
	return asset, nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, assetID string, expected, next media.AssetStatus, update Update) (media.Asset, bool, error) {
	if err := ctx.Err(); err != nil {
		return media.Asset{}, false, err
	}
	if !expected.CanTransition(next) {
		return media.Asset{}, false, fmt.Errorf("transition %s -> %s is not allowed", expected, next)
	}
	if next == media.StatusCompleted && len(update.Renditions) == 0 {
		return media.Asset{}, false, fmt.Errorf("completed asset requires renditions")
	}

	s.mu.Lock()
	asset, ok := s.assets[assetID]
	if !ok {
		s.mu.Unlock()
		return media.Asset{}, false, media.ErrNotFound
	}
	if asset.Status != expected {
		s.mu.Unlock()
		return asset, false, nil
	}
	asset.Status = next
	applyUpdate(&asset, update)
	asset.UpdatedAt = s.now().UTC()
	s.assets[assetID] = asset
	subs := append([]*memorySubscription(nil), s.subs[assetID]...)
	if next.Terminal() {
		delete(s.subs, assetID)
	}
	s.mu.Unlock()

	event := media.StatusEvent{
		AssetID:      assetID,
		Status:       next,
		Attempt:      asset.Attempt,
		ErrorMessage: asset.ErrorMessage,
	}
	for _, sub := range subs {
		sub.deliver(event, next.Terminal())
	}
	// The transition is already durable; notification delivery is at least
	// once and consumers tolerate gaps via Subscribe.
	_ = s.publisher.Publish(ctx, event)
	asset.Renditions = media.CloneRenditions(asset.Renditions)
	return asset, true, nil
}

func applyUpdate(asset *media.Asset, update Update) {
	if update.Attempt != nil {
		asset.Attempt = *update.Attempt
	}
	if update.SourceKey != nil {
		asset.SourceKey = *update.SourceKey
	}
	if len(update.Renditions) > 0 {
		asset.Renditions = media.CloneRenditions(update.Renditions)
	}
	if update.ManifestPath != nil {
		asset.ManifestPath = *update.ManifestPath
	}
	if update.ErrorMessage != nil {
		asset.ErrorMessage = *update.ErrorMessage
	}
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status media.AssetStatus) ([]media.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []media.Asset
	for _, asset := range s.assets {
		if asset.Status == status {
			asset.Renditions = media.CloneRenditions(asset.Renditions)
			out = append(out, asset)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, assetID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	asset, ok := s.assets[assetID]
	if !ok {
		s.mu.Unlock()
		return nil, media.ErrNotFound
	}
	sub := &memorySubscription{ch: make(chan media.StatusEvent, 16)}
	if asset.Status.Terminal() {
		// Emit the terminal state once so late subscribers still observe it.
		sub.deliver(media.StatusEvent{
			AssetID:      assetID,
			Status:       asset.Status,
			Attempt:      asset.Attempt,
			ErrorMessage: asset.ErrorMessage,
		}, true)
	} else {
		s.subs[assetID] = append(s.subs[assetID], sub)
	}
	s.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	once sync.Once
	ch   chan media.StatusEvent
}

func (s *memorySubscription) Events() <-chan media.StatusEvent { return s.ch }

func (s *memorySubscription) Close() {
	s.once.Do(func() { close(s.ch) })
}

func (s *memorySubscription) deliver(event media.StatusEvent, terminal bool) {
	defer func() {
		// A concurrently closed subscription drops the event.
		_ = recover()
	}()
	select {
	case s.ch <- event:
	default:
	}
	if terminal {
		s.Close()
	}
}
