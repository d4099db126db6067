// Package upload coordinates direct-to-storage uploads: it issues upload
// targets, records pending assets, and enqueues processing work once the
// caller reports the bytes in place.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"mediaforge/internal/media"
	"mediaforge/internal/queue"
	"mediaforge/internal/status"
)

const (
	maxFilenameLength = 255
	sourcePrefix      = "sources"
)

var allowedExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".mkv": {}, ".webm": {}, ".avi": {}, ".m4v": {},
}

// Target tells the caller where to upload source bytes. The key is the object
// store destination; URL is set when a public upload endpoint is configured.
type Target struct {
	AssetID   string `json:"assetId"`
	SourceKey string `json:"sourceKey"`
	URL       string `json:"url,omitempty"`
}

// Coordinator implements the upload workflow against the status store and
// ingestion queue.
type Coordinator struct {
	store      status.Store
	jobs       queue.Queue
	logger     *slog.Logger
	uploadBase string
	newID      func() string
}

// CoordinatorOption mutates Coordinator configuration.
type CoordinatorOption func(*Coordinator)

// WithUploadBaseURL sets the public base URL embedded in upload targets.
func WithUploadBaseURL(base string) CoordinatorOption {
	return func(c *Coordinator) {
		c.uploadBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// WithIDGenerator overrides asset ID generation. Tests use deterministic IDs.
func WithIDGenerator(newID func() string) CoordinatorOption {
	return func(c *Coordinator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// NewCoordinator wires a Coordinator over the given store and queue.
func NewCoordinator(store status.Store, jobs queue.Queue, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:  store,
		jobs:   jobs,
		logger: logger,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestUploadTarget creates a pending asset and returns where to put the
// source bytes. The caller uploads directly to storage, bypassing this service.
func (c *Coordinator) RequestUploadTarget(ctx context.Context, tenantID, courseID, filename string) (Target, error) {
	tenantID = strings.TrimSpace(tenantID)
	courseID = strings.TrimSpace(courseID)
	if tenantID == "" {
		return Target{}, media.Validationf("tenantId is required")
	}
	if courseID == "" {
		return Target{}, media.Validationf("courseId is required")
	}
	cleaned, err := normalizeFilename(filename)
	if err != nil {
		return Target{}, err
	}

	assetID := c.newID()
	sourceKey := path.Join(sourcePrefix, tenantID, assetID, cleaned)
	asset := media.Asset{
		ID:       assetID,
		TenantID: tenantID,
		CourseID: courseID,
		Filename: cleaned,
		Status:   media.StatusPending,
	}
	if _, err := c.store.Create(ctx, asset); err != nil {
		return Target{}, fmt.Errorf("create asset: %w", err)
	}
	c.logger.Info("upload target issued", "asset_id", assetID, "tenant_id", tenantID, "source_key", sourceKey)

	target := Target{AssetID: assetID, SourceKey: sourceKey}
	if c.uploadBase != "" {
		target.URL = c.uploadBase + "/" + sourceKey
	}
	return target, nil
}

// NotifyUploadComplete transitions a pending asset to queued and enqueues its
// first processing attempt. Duplicate notifications for an asset already past
// Pending are no-ops.
func (c *Coordinator) NotifyUploadComplete(ctx context.Context, assetID, sourceKey string) error {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return media.Validationf("assetId is required")
	}
	sourceKey = strings.TrimSpace(sourceKey)
	if sourceKey == "" {
		return media.Validationf("sourceKey is required")
	}

	asset, ok, err := c.store.CompareAndSet(ctx, assetID, media.StatusPending, media.StatusQueued, status.Update{
		SourceKey: status.String(sourceKey),
	})
	if err != nil {
		return err
	}
	if !ok {
		if asset.Status == media.StatusCancelled || asset.Status == media.StatusFailed {
			return media.Validationf("asset %s is %s", assetID, asset.Status)
		}
		// Already queued, processing, or completed: duplicate notify.
		c.logger.Debug("duplicate upload notification", "asset_id", assetID, "status", string(asset.Status))
		return nil
	}

	job := media.NewProcessingJob(assetID, 1)
	if err := c.jobs.Enqueue(ctx, job, 0); err != nil {
		return fmt.Errorf("enqueue job for asset %s: %w", assetID, err)
	}
	c.logger.Info("asset queued", "asset_id", assetID, "source_key", sourceKey)
	return nil
}

// ErrCancelConflict reports a cancel attempted after work started or finished.
type ErrCancelConflict struct {
	Status media.AssetStatus
}

func (e ErrCancelConflict) Error() string {
	return fmt.Sprintf("asset is %s and can no longer be cancelled", e.Status)
}

// Cancel marks a pending or queued asset cancelled. Assets already processing
// or terminal return ErrCancelConflict; the worker decides whether to honor
// cancellation once work has started.
func (c *Coordinator) Cancel(ctx context.Context, assetID string) error {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return media.Validationf("assetId is required")
	}
	asset, err := c.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	// Retry once on a lost race; the asset may move Pending -> Queued under us.
	for i := 0; i < 2; i++ {
		switch asset.Status {
		case media.StatusCancelled:
			return nil
		case media.StatusPending, media.StatusQueued:
			updated, ok, err := c.store.CompareAndSet(ctx, assetID, asset.Status, media.StatusCancelled, status.Update{})
			if err != nil {
				return err
			}
			if ok {
				c.logger.Info("asset cancelled", "asset_id", assetID)
				return nil
			}
			asset = updated
		default:
			return ErrCancelConflict{Status: asset.Status}
		}
	}
	return ErrCancelConflict{Status: asset.Status}
}

// normalizeFilename applies NFC normalization and rejects names that could
// escape the object key namespace.
func normalizeFilename(filename string) (string, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return "", media.Validationf("filename is required")
	}
	if !utf8.ValidString(filename) {
		return "", media.Validationf("filename is not valid UTF-8")
	}
	filename = norm.NFC.String(filename)
	if len(filename) > maxFilenameLength {
		return "", media.Validationf("filename exceeds %d bytes", maxFilenameLength)
	}
	if strings.ContainsAny(filename, "/\\") || filename != path.Base(filename) {
		return "", media.Validationf("filename must not contain path separators")
	}
	if strings.HasPrefix(filename, ".") {
		return "", media.Validationf("filename must not start with a dot")
	}
	ext := strings.ToLower(path.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", media.Validationf("unsupported file extension %q", ext)
	}
	return filename, nil
}
