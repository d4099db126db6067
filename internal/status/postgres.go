package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediaforge/internal/media"
	"mediaforge/internal/notify"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS media_assets (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    course_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    source_key TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    renditions JSONB NOT NULL DEFAULT '[]'::jsonb,
    manifest_path TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS media_assets_status_idx ON media_assets (status);
`

const defaultPollInterval = 500 * time.Millisecond

// PostgresStore persists asset lifecycles in PostgreSQL. Transitions use a
// conditional UPDATE so concurrent writers race safely on the status column.
type PostgresStore struct {
	pool         *pgxpool.Pool
	publisher    notify.Publisher
	pollInterval time.Duration
}

// PostgresStoreOption mutates PostgresStore configuration.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresPublisher installs a notification publisher invoked on every
// transition.
func WithPostgresPublisher(publisher notify.Publisher) PostgresStoreOption {
	return func(s *PostgresStore) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithPollInterval overrides how often Subscribe polls for changes.
func WithPollInterval(interval time.Duration) PostgresStoreOption {
	return func(s *PostgresStore) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewPostgresStore connects to the given database URL and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, databaseURL string, opts ...PostgresStoreOption) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PostgresStore{
		pool:         pool,
		publisher:    notify.NoopPublisher{},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(store)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Create(ctx context.Context, asset media.Asset) (media.Asset, error) {
	if asset.Status == "" {
		asset.Status = media.StatusPending
	}
	if asset.Status != media.StatusPending {
		return media.Asset{}, fmt.Errorf("new asset must start pending, got %s", asset.Status)
	}
	now := time.Now().UTC()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	renditions, err := json.Marshal(asset.Renditions)
	if err != nil {
		return media.Asset{}, fmt.Errorf("marshal renditions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO media_assets
    (id, tenant_id, course_id, filename, source_key, status, attempt, renditions, manifest_path, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		asset.ID, asset.TenantID, asset.CourseID, asset.Filename, asset.SourceKey,
		string(asset.Status), asset.Attempt, renditions, asset.ManifestPath,
		asset.ErrorMessage, asset.CreatedAt, asset.UpdatedAt)
	if err != nil {
		return media.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return asset, nil
}

func (s *PostgresStore) Get(ctx context.Context, assetID string) (media.Asset, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, course_id, filename, source_key, status, attempt, renditions, manifest_path, error_message, created_at, updated_at
FROM media_assets WHERE id = $1`, assetID)
	return scanAsset(row)
}

func scanAsset(row pgx.Row) (media.Asset, error) {
	var (
		asset      media.Asset
		status     string
		renditions []byte
	)
	err := row.Scan(&asset.ID, &asset.TenantID, &asset.CourseID, &asset.Filename,
		&asset.SourceKey, &status, &asset.Attempt, &renditions,
		&asset.ManifestPath, &asset.ErrorMessage, &asset.CreatedAt, &asset.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return media.Asset{}, media.ErrNotFound
	}
	if err != nil {
		return media.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	asset.Status = media.AssetStatus(status)
	if len(renditions) > 0 {
		if err := json.Unmarshal(renditions, &asset.Renditions); err != nil {
			return media.Asset{}, fmt.Errorf("decode renditions: %w", err)
		}
	}
	return asset, nil
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, assetID string, expected, next media.AssetStatus, update Update) (media.Asset, bool, error) {
	if !expected.CanTransition(next) {
		return media.Asset{}, false, fmt.Errorf("transition %s -> %s is not allowed", expected, next)
	}
	if next == media.StatusCompleted && len(update.Renditions) == 0 {
		return media.Asset{}, false, fmt.Errorf("completed asset requires renditions")
	}
	var renditions []byte
	if len(update.Renditions) > 0 {
		encoded, err := json.Marshal(update.Renditions)
		if err != nil {
			return media.Asset{}, false, fmt.Errorf("marshal renditions: %w", err)
		}
		renditions = encoded
	}
	row := s.pool.QueryRow(ctx, `
UPDATE media_assets SET
    status = $3,
    attempt = COALESCE($4, attempt),
    source_key = COALESCE($5, source_key),
    renditions = COALESCE($6, renditions),
    manifest_path = COALESCE($7, manifest_path),
    error_message = COALESCE($8, error_message),
    updated_at = NOW()
WHERE id = $1 AND status = $2
RETURNING id, tenant_id, course_id, filename, source_key, status, attempt, renditions, manifest_path, error_message, created_at, updated_at`,
		assetID, string(expected), string(next),
		update.Attempt, update.SourceKey, renditions, update.ManifestPath, update.ErrorMessage)
	asset, err := scanAsset(row)
	if errors.Is(err, media.ErrNotFound) {
		// Either the asset is missing or another writer got there first.
		current, getErr := s.Get(ctx, assetID)
		if getErr != nil {
			return media.Asset{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return media.Asset{}, false, err
	}
	event := media.StatusEvent{
		AssetID:      asset.ID,
		Status:       asset.Status,
		Attempt:      asset.Attempt,
		ErrorMessage: asset.ErrorMessage,
	}
	if pubErr := s.publisher.Publish(ctx, event); pubErr != nil {
		// The transition is already durable; Subscribe polls the table so
		// consumers recover from a dropped notification.
		return asset, true, nil
	}
	return asset, true, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status media.AssetStatus) ([]media.Asset, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant_id, course_id, filename, source_key, status, attempt, renditions, manifest_path, error_message, created_at, updated_at
FROM media_assets WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	var out []media.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return out, nil
}

// Subscribe polls the asset row and emits an event whenever the observed
// status or attempt changes. The stream closes once the asset reaches a
// terminal status or the context is cancelled.
func (s *PostgresStore) Subscribe(ctx context.Context, assetID string) (Subscription, error) {
	asset, err := s.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	sub := &postgresSubscription{
		ch:     make(chan media.StatusEvent, 16),
		cancel: func() {},
	}
	if asset.Status.Terminal() {
		sub.ch <- media.StatusEvent{
			AssetID:      asset.ID,
			Status:       asset.Status,
			Attempt:      asset.Attempt,
			ErrorMessage: asset.ErrorMessage,
		}
		close(sub.ch)
		return sub, nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	go s.poll(pollCtx, assetID, asset, sub.ch)
	return sub, nil
}

func (s *PostgresStore) poll(ctx context.Context, assetID string, last media.Asset, ch chan<- media.StatusEvent) {
	defer close(ch)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		asset, err := s.Get(ctx, assetID)
		if err != nil {
			continue
		}
		if asset.Status == last.Status && asset.Attempt == last.Attempt {
			continue
		}
		last = asset
		select {
		case ch <- media.StatusEvent{
			AssetID:      asset.ID,
			Status:       asset.Status,
			Attempt:      asset.Attempt,
			ErrorMessage: asset.ErrorMessage,
		}:
		case <-ctx.Done():
			return
		}
		if asset.Status.Terminal() {
			return
		}
	}
}

type postgresSubscription struct {
	ch     chan media.StatusEvent
	cancel context.CancelFunc
}

func (s *postgresSubscription) Events() <-chan media.StatusEvent { return s.ch }

func (s *postgresSubscription) Close() { s.cancel() }
