// Package transcode runs the worker pool that turns queued uploads into
// published HLS rendition ladders, driving the asset state machine through
// compare-and-set transitions so duplicate deliveries and crashed workers
// stay harmless.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaforge/internal/encoder"
	"mediaforge/internal/media"
	"mediaforge/internal/objectstore"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/queue"
	"mediaforge/internal/status"
)

const (
	defaultConcurrency     = 2
	defaultMaxAttempts     = 3
	defaultBackoffBase     = 30 * time.Second
	defaultPollInterval    = 5 * time.Second
	defaultWallClockFactor = 3
	defaultOutputPrefix    = "assets"
	minEncodeDeadline      = time.Minute
	uploadParallelism      = 4
)

// Config tunes the worker pool. Zero values fall back to defaults.
type Config struct {
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	LeaseTimeout    time.Duration
	PollInterval    time.Duration
	ScratchRoot     string
	WallClockFactor int
	OutputPrefix    string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = queue.DefaultLeaseTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ScratchRoot == "" {
		c.ScratchRoot = os.TempDir()
	}
	if c.WallClockFactor <= 0 {
		c.WallClockFactor = defaultWallClockFactor
	}
	if c.OutputPrefix == "" {
		c.OutputPrefix = defaultOutputPrefix
	}
	return c
}

// Worker leases processing jobs and executes the encode pipeline.
type Worker struct {
	cfg     Config
	store   status.Store
	jobs    queue.Queue
	objects objectstore.Client
	enc     encoder.Encoder
	ladder  []media.RenditionProfile
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewWorker wires a worker pool over its collaborators.
func NewWorker(store status.Store, jobs queue.Queue, objects objectstore.Client, enc encoder.Encoder, logger *slog.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg.withDefaults(),
		store:   store,
		jobs:    jobs,
		objects: objects,
		enc:     enc,
		ladder:  media.DefaultLadder(),
		logger:  logger,
		metrics: metrics.Default(),
	}
}

// SetMetrics overrides the metrics recorder. Tests use isolated recorders.
func (w *Worker) SetMetrics(recorder *metrics.Recorder) {
	if recorder != nil {
		w.metrics = recorder
	}
}

// Run blocks processing jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		worker := i
		group.Go(func() error {
			return w.runLoop(ctx, worker)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Recover re-enqueues jobs for assets stuck in Queued, typically after a
// restart that lost an in-memory queue. Duplicate jobs are harmless: the
// Queued -> Processing compare-and-set admits only one.
func (w *Worker) Recover(ctx context.Context) error {
	assets, err := w.store.ListByStatus(ctx, media.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued assets: %w", err)
	}
	for _, asset := range assets {
		job := media.NewProcessingJob(asset.ID, asset.Attempt+1)
		if err := w.jobs.Enqueue(ctx, job, 0); err != nil {
			return fmt.Errorf("requeue asset %s: %w", asset.ID, err)
		}
		w.logger.Info("recovered queued asset", "asset_id", asset.ID, "attempt", job.Attempt)
	}
	return nil
}

func (w *Worker) runLoop(ctx context.Context, worker int) error {
	logger := w.logger.With("worker", worker)
	for {
		job, ok, err := w.jobs.Lease(ctx, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("lease failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if !ok {
			continue
		}
		start := time.Now()
		w.metrics.JobStarted()
		outcome := w.process(ctx, logger, job)
		w.metrics.JobFinished(outcome, time.Since(start))
	}
}

// process runs one leased job to an outcome label. It never returns an error:
// every failure path ends in a status transition, a requeue, or an abandoned
// lease that the queue will redeliver.
func (w *Worker) process(ctx context.Context, logger *slog.Logger, job media.ProcessingJob) string {
	logger = logger.With("asset_id", job.AssetID, "attempt", job.Attempt)

	asset, err := w.store.Get(ctx, job.AssetID)
	if errors.Is(err, media.ErrNotFound) {
		logger.Warn("job references unknown asset")
		w.ack(ctx, logger, job)
		return "orphaned"
	}
	if err != nil {
		logger.Error("status lookup failed", "error", err)
		w.requeueSameAttempt(ctx, logger, job)
		return "retried"
	}

	switch {
	case asset.Status == media.StatusCancelled:
		logger.Info("asset cancelled before processing")
		w.deleteSource(ctx, logger, asset)
		w.ack(ctx, logger, job)
		return "cancelled"
	case asset.Status == media.StatusQueued:
		updated, ok, err := w.store.CompareAndSet(ctx, job.AssetID, media.StatusQueued, media.StatusProcessing, status.Update{
			Attempt: status.Int(job.Attempt),
		})
		if err != nil {
			logger.Error("transition to processing failed", "error", err)
			w.requeueSameAttempt(ctx, logger, job)
			return "retried"
		}
		if !ok {
			return w.resolveConflict(ctx, logger, job, updated)
		}
		asset = updated
	case asset.Status == media.StatusProcessing && asset.Attempt == job.Attempt:
		// Crash recovery: a previous holder of this job died mid-attempt.
		logger.Info("resuming interrupted attempt")
	default:
		logger.Info("duplicate delivery ignored", "status", string(asset.Status))
		w.ack(ctx, logger, job)
		return "duplicate"
	}

	renditions, manifestKey, err := w.runAttempt(ctx, logger, job, asset)
	if err == nil {
		return w.complete(ctx, logger, job, renditions, manifestKey)
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		logger.Warn("lease lost mid-attempt, abandoning work")
		return "lease_lost"
	}
	if ctx.Err() != nil {
		logger.Info("attempt interrupted by shutdown")
		return "interrupted"
	}
	if media.IsPermanent(err) || media.IsValidation(err) {
		return w.fail(ctx, logger, job, err)
	}
	return w.retryOrFail(ctx, logger, job, err)
}

func (w *Worker) resolveConflict(ctx context.Context, logger *slog.Logger, job media.ProcessingJob, current media.Asset) string {
	if current.Status == media.StatusCancelled {
		logger.Info("asset cancelled before processing")
		w.deleteSource(ctx, logger, current)
		w.ack(ctx, logger, job)
		return "cancelled"
	}
	logger.Info("lost processing race", "status", string(current.Status))
	w.ack(ctx, logger, job)
	return "duplicate"
}

// runAttempt downloads, encodes, and uploads one attempt. A background
// keepalive extends the queue lease; if the lease is lost the attempt context
// is cancelled and queue.ErrLeaseLost is returned.
func (w *Worker) runAttempt(ctx context.Context, logger *slog.Logger, job media.ProcessingJob, asset media.Asset) ([]media.Rendition, string, error) {
	scratch, err := os.MkdirTemp(w.cfg.ScratchRoot, "transcode-"+job.AssetID+"-")
	if err != nil {
		return nil, "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("scratch cleanup failed", "error", err, "path", scratch)
		}
	}()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseLost atomic.Bool
	stopKeepalive := w.keepLeaseAlive(attemptCtx, logger, job, &leaseLost, cancel)
	defer stopKeepalive()

	wrap := func(err error) ([]media.Rendition, string, error) {
		if leaseLost.Load() {
			return nil, "", queue.ErrLeaseLost
		}
		return nil, "", err
	}

	if strings.TrimSpace(asset.SourceKey) == "" {
		return nil, "", media.Permanent(fmt.Errorf("asset has no source key"))
	}
	data, err := w.objects.Get(attemptCtx, asset.SourceKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, "", media.Permanent(fmt.Errorf("source object %s missing", asset.SourceKey))
	}
	if err != nil {
		return wrap(fmt.Errorf("download source: %w", err))
	}
	sourcePath := filepath.Join(scratch, asset.Filename)
	if err := os.WriteFile(sourcePath, data, 0o644); err != nil {
		return wrap(fmt.Errorf("stage source: %w", err))
	}

	info, err := w.enc.Inspect(attemptCtx, sourcePath)
	if err != nil {
		return wrap(err)
	}

	// Encode wall-clock cap proportional to source duration; a breach is a
	// transient failure eligible for retry.
	deadline := time.Duration(float64(w.cfg.WallClockFactor)*info.DurationSeconds) * time.Second
	if deadline < minEncodeDeadline {
		deadline = minEncodeDeadline
	}
	encodeCtx, encodeCancel := context.WithTimeout(attemptCtx, deadline)
	defer encodeCancel()

	outputDir := filepath.Join(scratch, "out")
	result, err := w.enc.Encode(encodeCtx, sourcePath, outputDir, w.ladder)
	if err != nil {
		if errors.Is(encodeCtx.Err(), context.DeadlineExceeded) && attemptCtx.Err() == nil {
			return nil, "", fmt.Errorf("encode exceeded wall-clock cap %s", deadline)
		}
		return wrap(err)
	}

	manifestKey, err := w.uploadResult(attemptCtx, job.AssetID, result)
	if err != nil {
		return wrap(err)
	}

	renditions := make([]media.Rendition, len(result.Renditions))
	copy(renditions, result.Renditions)
	for i := range renditions {
		renditions[i].ManifestPath = w.outputKey(job.AssetID, renditions[i].ManifestPath)
	}
	return renditions, manifestKey, nil
}

// uploadResult pushes every encoded file to the object store, master manifest
// last so a partially uploaded ladder is never referenced.
func (w *Worker) uploadResult(ctx context.Context, assetID string, result *encoder.Result) (string, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uploadParallelism)
	for _, file := range result.Files {
		if file == result.MasterManifest {
			continue
		}
		file := file
		group.Go(func() error {
			data, err := os.ReadFile(filepath.Join(result.OutputDir, filepath.FromSlash(file)))
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			key := w.outputKey(assetID, file)
			if err := w.objects.Put(groupCtx, key, contentTypeFor(file), data); err != nil {
				return fmt.Errorf("upload %s: %w", file, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return "", err
	}

	master, err := os.ReadFile(filepath.Join(result.OutputDir, filepath.FromSlash(result.MasterManifest)))
	if err != nil {
		return "", fmt.Errorf("read master manifest: %w", err)
	}
	manifestKey := w.outputKey(assetID, result.MasterManifest)
	if err := w.objects.Put(ctx, manifestKey, contentTypeFor(result.MasterManifest), master); err != nil {
		return "", fmt.Errorf("upload master manifest: %w", err)
	}
	return manifestKey, nil
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, job media.ProcessingJob, renditions []media.Rendition, manifestKey string) string {
	asset, ok, err := w.store.CompareAndSet(ctx, job.AssetID, media.StatusProcessing, media.StatusCompleted, status.Update{
		Renditions:   renditions,
		ManifestPath: status.String(manifestKey),
	})
	if err != nil {
		logger.Error("completion transition failed", "error", err)
		w.requeueSameAttempt(ctx, logger, job)
		return "retried"
	}
	if !ok {
		logger.Warn("completion lost race", "status", string(asset.Status))
		w.ack(ctx, logger, job)
		return "duplicate"
	}
	w.deleteSource(ctx, logger, asset)
	w.ack(ctx, logger, job)
	logger.Info("asset completed", "renditions", len(renditions), "manifest", manifestKey)
	return "completed"
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job media.ProcessingJob, cause error) string {
	logger.Error("permanent failure", "error", cause)
	asset, ok, err := w.store.CompareAndSet(ctx, job.AssetID, media.StatusProcessing, media.StatusFailed, status.Update{
		ErrorMessage: status.String(cause.Error()),
	})
	if err != nil {
		logger.Error("failure transition errored", "error", err)
	} else if ok {
		w.deleteSource(ctx, logger, asset)
	}
	w.ack(ctx, logger, job)
	return "failed"
}

func (w *Worker) retryOrFail(ctx context.Context, logger *slog.Logger, job media.ProcessingJob, cause error) string {
	if job.Attempt >= w.cfg.MaxAttempts {
		logger.Error("attempts exhausted", "error", cause, "max_attempts", w.cfg.MaxAttempts)
		asset, ok, err := w.store.CompareAndSet(ctx, job.AssetID, media.StatusProcessing, media.StatusFailed, status.Update{
			ErrorMessage: status.String(fmt.Sprintf("failed after %d attempts: %v", job.Attempt, cause)),
		})
		if err != nil {
			logger.Error("failure transition errored", "error", err)
		} else if ok {
			w.deleteSource(ctx, logger, asset)
		}
		w.ack(ctx, logger, job)
		return "failed"
	}

	delay := w.backoff(job.Attempt)
	logger.Warn("transient failure, requeueing", "error", cause, "delay", delay)
	if _, ok, err := w.store.CompareAndSet(ctx, job.AssetID, media.StatusProcessing, media.StatusQueued, status.Update{}); err != nil {
		// The asset is still Processing at this attempt. Requeue at the same
		// attempt so the resume path can pick it up once the store recovers;
		// incrementing here would strand the asset behind the duplicate check.
		logger.Error("requeue transition errored", "error", err)
		w.requeueSameAttempt(ctx, logger, job)
		return "retried"
	} else if !ok {
		logger.Warn("requeue transition lost race")
		w.ack(ctx, logger, job)
		return "duplicate"
	}
	next := job
	next.Attempt = job.Attempt + 1
	if err := w.jobs.NackAndRequeue(ctx, next, delay); err != nil {
		// Lease already lost or queue unavailable; lease expiry will
		// redeliver the original entry.
		logger.Error("requeue failed", "error", err)
	}
	w.metrics.ObserveQueueEvent("nacked")
	return "retried"
}

// FailDeadLettered returns a queue.DeadLetterFunc that drives the asset of a
// dead-lettered job to Failed, so queue exhaustion surfaces exactly like
// exhausting transcode attempts. Assets found in Queued are walked through
// Processing to stay inside the lifecycle graph.
func FailDeadLettered(store status.Store, logger *slog.Logger) queue.DeadLetterFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, dl queue.DeadLetter) {
		log := logger.With("asset_id", dl.Job.AssetID, "deliveries", dl.Deliveries)
		message := fmt.Sprintf("abandoned after %d deliveries: %s", dl.Deliveries, dl.Reason)
		update := status.Update{ErrorMessage: status.String(message)}

		if _, ok, err := store.CompareAndSet(ctx, dl.Job.AssetID, media.StatusProcessing, media.StatusFailed, update); err != nil {
			if !errors.Is(err, media.ErrNotFound) {
				log.Error("dead-letter failure transition errored", "error", err)
			}
			return
		} else if ok {
			log.Warn("asset failed after job dead-lettered")
			return
		}

		if _, ok, err := store.CompareAndSet(ctx, dl.Job.AssetID, media.StatusQueued, media.StatusProcessing, status.Update{
			Attempt: status.Int(dl.Job.Attempt),
		}); err != nil || !ok {
			// Already terminal, or another writer moved it on.
			return
		}
		if _, ok, err := store.CompareAndSet(ctx, dl.Job.AssetID, media.StatusProcessing, media.StatusFailed, update); err != nil {
			log.Error("dead-letter failure transition errored", "error", err)
		} else if ok {
			log.Warn("asset failed after job dead-lettered")
		}
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// requeueSameAttempt returns a job to the queue without consuming an attempt,
// used when infrastructure (not the asset) failed.
func (w *Worker) requeueSameAttempt(ctx context.Context, logger *slog.Logger, job media.ProcessingJob) {
	if err := w.jobs.NackAndRequeue(ctx, job, w.cfg.BackoffBase); err != nil {
		logger.Error("requeue failed", "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, job media.ProcessingJob) {
	if err := w.jobs.Ack(ctx, job); err != nil {
		logger.Warn("ack failed", "error", err)
	}
}

func (w *Worker) deleteSource(ctx context.Context, logger *slog.Logger, asset media.Asset) {
	if strings.TrimSpace(asset.SourceKey) == "" {
		return
	}
	if err := w.objects.Delete(ctx, asset.SourceKey); err != nil {
		logger.Warn("source cleanup failed", "error", err, "key", asset.SourceKey)
	}
}

// keepLeaseAlive extends the job lease at a third of its timeout until
// stopped. Losing the lease flips leaseLost and cancels the attempt.
func (w *Worker) keepLeaseAlive(ctx context.Context, logger *slog.Logger, job media.ProcessingJob, leaseLost *atomic.Bool, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		interval := w.cfg.LeaseTimeout / 3
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := w.jobs.Extend(ctx, job, w.cfg.LeaseTimeout); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					leaseLost.Store(true)
					cancel()
					return
				}
				logger.Warn("lease extension failed", "error", err)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (w *Worker) outputKey(assetID, rel string) string {
	return path.Join(w.cfg.OutputPrefix, assetID, rel)
}

func contentTypeFor(file string) string {
	switch strings.ToLower(path.Ext(file)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4s":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
