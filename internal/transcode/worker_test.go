package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediaforge/internal/encoder"
	"mediaforge/internal/media"
	"mediaforge/internal/objectstore"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/queue"
	"mediaforge/internal/status"
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

type fixture struct {
	store   *status.MemoryStore
	jobs    *queue.MemoryQueue
	objects *objectstore.MemoryClient
	worker  *Worker
}

func newFixture(t *testing.T, enc encoder.Encoder) *fixture {
	t.Helper()
	f := &fixture{
		store:   status.NewMemoryStore(),
		jobs:    queue.NewMemoryQueue(),
		objects: objectstore.NewMemoryClient(),
	}
	cfg := Config{
		Concurrency:  1,
		BackoffBase:  time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		ScratchRoot:  t.TempDir(),
	}
	f.worker = NewWorker(f.store, f.jobs, f.objects, enc, slog.Default(), cfg)
	f.worker.SetMetrics(metrics.New())
	return f
}

// seedAsset creates a queued asset with its source object in place and a job
// on the queue, mirroring what the upload coordinator does.
func (f *fixture) seedAsset(t *testing.T, assetID string) media.Asset {
	t.Helper()
	ctx := context.Background()
	sourceKey := "sources/tenant-1/" + assetID + "/input.mp4"
	if _, err := f.store.Create(ctx, media.Asset{
		ID: assetID, TenantID: "tenant-1", CourseID: "course-1",
		Filename: "input.mp4", Status: media.StatusPending,
	}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	asset, ok, err := f.store.CompareAndSet(ctx, assetID, media.StatusPending, media.StatusQueued, status.Update{
		SourceKey: status.String(sourceKey),
	})
	if err != nil || !ok {
		t.Fatalf("CompareAndSet = %v, %v", ok, err)
	}
	if err := f.objects.Put(ctx, sourceKey, "video/mp4", []byte("fake mp4 bytes")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := f.jobs.Enqueue(ctx, media.NewProcessingJob(assetID, 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	return asset
}

// runUntilTerminal runs the worker pool until the asset reaches a terminal
// status or the deadline expires.
func (f *fixture) runUntilTerminal(t *testing.T, assetID string, timeout time.Duration) media.Asset {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.worker.Run(ctx)
	}()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		asset, err := f.store.Get(context.Background(), assetID)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if asset.Status.Terminal() {
			cancel()
			<-done
			return asset
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	asset, _ := f.store.Get(context.Background(), assetID)
	t.Fatalf("asset never reached a terminal status, last seen %s", asset.Status)
	return media.Asset{}
}

// fakeEncode writes a plausible ladder output tree and reports it.
func fakeEncode(_ context.Context, _ string, outputDir string, ladder []media.RenditionProfile) (*encoder.Result, error) {
	result := &encoder.Result{OutputDir: outputDir, MasterManifest: "index.m3u8"}
	for _, profile := range ladder {
		name := string(profile.Quality)
		if err := os.MkdirAll(filepath.Join(outputDir, name), 0o755); err != nil {
			return nil, err
		}
		manifest := name + "/index.m3u8"
		segment := name + "/segment_000000.ts"
		if err := os.WriteFile(filepath.Join(outputDir, name, "index.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(outputDir, name, "segment_000000.ts"), []byte{0x47}, 0o644); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, manifest, segment)
		result.Renditions = append(result.Renditions, media.Rendition{
			Quality:      profile.Quality,
			BitrateKbps:  profile.BitrateKbps,
			Resolution:   fmt.Sprintf("%dx%d", profile.Width, profile.Height),
			ManifestPath: manifest,
		})
	}
	if err := os.WriteFile(filepath.Join(outputDir, "index.m3u8"), []byte("#EXTM3U\n#EXT-X-STREAM-INF\n"), 0o644); err != nil {
		return nil, err
	}
	result.Files = append(result.Files, "index.m3u8")
	return result, nil
}

func TestWorkerCompletesAsset(t *testing.T) {
	f := newFixture(t, encoder.Func{EncodeFn: fakeEncode})
	seeded := f.seedAsset(t, "asset-1")

	asset := f.runUntilTerminal(t, "asset-1", 5*time.Second)
	if asset.Status != media.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", asset.Status, asset.ErrorMessage)
	}
	if asset.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", asset.Attempt)
	}
	if len(asset.Renditions) != 4 {
		t.Fatalf("renditions = %d, want 4", len(asset.Renditions))
	}
	for _, rendition := range asset.Renditions {
		if !strings.HasPrefix(rendition.ManifestPath, "assets/asset-1/") {
			t.Fatalf("rendition manifest %q must live under the asset prefix", rendition.ManifestPath)
		}
	}
	if asset.ManifestPath != "assets/asset-1/index.m3u8" {
		t.Fatalf("manifest path = %q", asset.ManifestPath)
	}

	// Master manifest plus one variant manifest and one segment per rung.
	if got, err := f.objects.Get(context.Background(), asset.ManifestPath); err != nil || len(got) == 0 {
		t.Fatalf("master manifest not uploaded: %v", err)
	}
	for _, key := range f.objects.Keys() {
		if key == seeded.SourceKey {
			t.Fatal("source object must be deleted after completion")
		}
	}
	if f.jobs.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0 after ack", f.jobs.Depth())
	}
}

func TestWorkerPermanentFailure(t *testing.T) {
	enc := encoder.Func{
		InspectFn: func(context.Context, string) (encoder.SourceInfo, error) {
			return encoder.SourceInfo{}, media.Permanent(fmt.Errorf("moov atom not found"))
		},
	}
	f := newFixture(t, enc)
	f.seedAsset(t, "asset-1")

	asset := f.runUntilTerminal(t, "asset-1", 5*time.Second)
	if asset.Status != media.StatusFailed {
		t.Fatalf("status = %s, want failed", asset.Status)
	}
	if asset.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (no retries for permanent failures)", asset.Attempt)
	}
	if !strings.Contains(asset.ErrorMessage, "moov atom") {
		t.Fatalf("errorMessage = %q", asset.ErrorMessage)
	}
	if f.jobs.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0", f.jobs.Depth())
	}
}

func TestWorkerTransientFailuresExhaustAttempts(t *testing.T) {
	enc := encoder.Func{
		EncodeFn: func(context.Context, string, string, []media.RenditionProfile) (*encoder.Result, error) {
			return nil, fmt.Errorf("storage backend unavailable")
		},
	}
	f := newFixture(t, enc)
	f.seedAsset(t, "asset-1")

	asset := f.runUntilTerminal(t, "asset-1", 10*time.Second)
	if asset.Status != media.StatusFailed {
		t.Fatalf("status = %s, want failed", asset.Status)
	}
	if asset.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", asset.Attempt)
	}
	if !strings.Contains(asset.ErrorMessage, "failed after 3 attempts") {
		t.Fatalf("errorMessage = %q", asset.ErrorMessage)
	}
	if f.jobs.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0 after terminal failure", f.jobs.Depth())
	}
}

func TestWorkerTransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	enc := encoder.Func{
		EncodeFn: func(ctx context.Context, source, outputDir string, ladder []media.RenditionProfile) (*encoder.Result, error) {
			if calls.Add(1) <= 2 {
				return nil, fmt.Errorf("temporary network error")
			}
			return fakeEncode(ctx, source, outputDir, ladder)
		},
	}
	f := newFixture(t, enc)
	f.seedAsset(t, "asset-1")

	asset := f.runUntilTerminal(t, "asset-1", 10*time.Second)
	if asset.Status != media.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", asset.Status, asset.ErrorMessage)
	}
	if asset.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", asset.Attempt)
	}
}

func TestWorkerSkipsCancelledAsset(t *testing.T) {
	var encodes atomic.Int32
	enc := encoder.Func{
		EncodeFn: func(ctx context.Context, source, outputDir string, ladder []media.RenditionProfile) (*encoder.Result, error) {
			encodes.Add(1)
			return fakeEncode(ctx, source, outputDir, ladder)
		},
	}
	f := newFixture(t, enc)
	seeded := f.seedAsset(t, "asset-1")
	if _, ok, err := f.store.CompareAndSet(context.Background(), "asset-1", media.StatusQueued, media.StatusCancelled, status.Update{}); err != nil || !ok {
		t.Fatalf("cancel CompareAndSet = %v, %v", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.worker.Run(ctx)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for f.jobs.Depth() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if f.jobs.Depth() != 0 {
		t.Fatal("cancelled job must be acked")
	}
	if encodes.Load() != 0 {
		t.Fatal("cancelled asset must not be encoded")
	}
	for _, key := range f.objects.Keys() {
		if key == seeded.SourceKey {
			t.Fatal("cancelled asset source must be cleaned up")
		}
	}
}

func TestWorkerDuplicateDeliveryResolvesOnce(t *testing.T) {
	f := newFixture(t, encoder.Func{EncodeFn: fakeEncode})
	f.seedAsset(t, "asset-1")
	// A queue anomaly delivers the same job twice.
	if err := f.jobs.Enqueue(context.Background(), media.NewProcessingJob("asset-1", 1), 0); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	asset := f.runUntilTerminal(t, "asset-1", 5*time.Second)
	if asset.Status != media.StatusCompleted {
		t.Fatalf("status = %s, want completed", asset.Status)
	}
	if asset.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 despite duplicate delivery", asset.Attempt)
	}

	// Drain the duplicate so it gets acked too.
	deadline := time.Now().Add(5 * time.Second)
	for f.jobs.Depth() > 0 && time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = f.worker.Run(ctx)
		}()
		<-ctx.Done()
		cancel()
		<-done
	}
	if f.jobs.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0", f.jobs.Depth())
	}
}

// flakyStore fails the first Processing -> Queued transition with an error,
// simulating a store outage at the worst possible moment.
type flakyStore struct {
	*status.MemoryStore
	tripped atomic.Bool
}

func (s *flakyStore) CompareAndSet(ctx context.Context, assetID string, expected, next media.AssetStatus, update status.Update) (media.Asset, bool, error) {
	if expected == media.StatusProcessing && next == media.StatusQueued && s.tripped.CompareAndSwap(false, true) {
		return media.Asset{}, false, fmt.Errorf("connection reset by peer")
	}
	return s.MemoryStore.CompareAndSet(ctx, assetID, expected, next, update)
}

func TestWorkerRequeueTransitionErrorKeepsAttempt(t *testing.T) {
	var encodes atomic.Int32
	enc := encoder.Func{
		EncodeFn: func(ctx context.Context, source, outputDir string, ladder []media.RenditionProfile) (*encoder.Result, error) {
			if encodes.Add(1) == 1 {
				return nil, fmt.Errorf("temporary network error")
			}
			return fakeEncode(ctx, source, outputDir, ladder)
		},
	}
	store := &flakyStore{MemoryStore: status.NewMemoryStore()}
	f := &fixture{
		store:   store.MemoryStore,
		jobs:    queue.NewMemoryQueue(),
		objects: objectstore.NewMemoryClient(),
	}
	f.worker = NewWorker(store, f.jobs, f.objects, enc, slog.Default(), Config{
		Concurrency:  1,
		BackoffBase:  time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		ScratchRoot:  t.TempDir(),
	})
	f.worker.SetMetrics(metrics.New())
	f.seedAsset(t, "asset-1")

	// Attempt 1 fails transiently, then the Processing -> Queued transition
	// errors. The job must come back at the same attempt so the resume path
	// finishes the asset instead of acking it as a duplicate.
	asset := f.runUntilTerminal(t, "asset-1", 10*time.Second)
	if asset.Status != media.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", asset.Status, asset.ErrorMessage)
	}
	if asset.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (store error must not consume an attempt)", asset.Attempt)
	}
	if f.jobs.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0", f.jobs.Depth())
	}
}

func TestWorkerResumesAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var encodes atomic.Int32
	enc := encoder.Func{
		EncodeFn: func(ectx context.Context, source, outputDir string, ladder []media.RenditionProfile) (*encoder.Result, error) {
			encodes.Add(1)
			return fakeEncode(ectx, source, outputDir, ladder)
		},
	}
	f := &fixture{
		store:   status.NewMemoryStore(),
		jobs:    queue.NewMemoryQueue(queue.WithClock(clock.Now), queue.WithLeaseTimeout(time.Minute)),
		objects: objectstore.NewMemoryClient(),
	}
	f.worker = NewWorker(f.store, f.jobs, f.objects, enc, slog.Default(), Config{
		Concurrency:  1,
		BackoffBase:  time.Millisecond,
		LeaseTimeout: time.Minute,
		PollInterval: 20 * time.Millisecond,
		ScratchRoot:  t.TempDir(),
	})
	f.worker.SetMetrics(metrics.New())
	f.seedAsset(t, "asset-1")

	// A first holder claims the job and the asset, then dies mid-attempt
	// without acking. The visibility timeout is the only crash detector.
	job, ok, err := f.jobs.Lease(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	if _, ok, err := f.store.CompareAndSet(ctx, "asset-1", media.StatusQueued, media.StatusProcessing, status.Update{
		Attempt: status.Int(job.Attempt),
	}); err != nil || !ok {
		t.Fatalf("to processing = %v, %v", ok, err)
	}
	clock.Advance(2 * time.Minute)

	// Redelivery lands in the resume branch and finishes the same attempt.
	asset := f.runUntilTerminal(t, "asset-1", 5*time.Second)
	if asset.Status != media.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", asset.Status, asset.ErrorMessage)
	}
	if asset.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (resume must not consume a fresh attempt)", asset.Attempt)
	}
	if encodes.Load() != 1 {
		t.Fatalf("encodes = %d, want exactly 1", encodes.Load())
	}
	if f.jobs.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0", f.jobs.Depth())
	}
}

func TestDeadLetteredJobFailsProcessingAsset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := status.NewMemoryStore()
	jobs := queue.NewMemoryQueue(
		queue.WithClock(clock.Now),
		queue.WithLeaseTimeout(time.Minute),
		queue.WithMaxDeliveryCount(1),
		queue.WithDeadLetterFunc(FailDeadLettered(store, slog.Default())),
	)
	f := &fixture{store: store, jobs: jobs, objects: objectstore.NewMemoryClient()}
	f.seedAsset(t, "asset-1")

	// The only permitted delivery claims the asset and then the holder dies.
	job, ok, err := jobs.Lease(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	if _, ok, err := store.CompareAndSet(ctx, "asset-1", media.StatusQueued, media.StatusProcessing, status.Update{
		Attempt: status.Int(job.Attempt),
	}); err != nil || !ok {
		t.Fatalf("to processing = %v, %v", ok, err)
	}
	clock.Advance(2 * time.Minute)

	// Reclaiming exceeds the delivery limit, which must fail the asset
	// instead of stranding it in Processing.
	if _, ok, _ := jobs.Lease(ctx, 0); ok {
		t.Fatal("job past delivery limit must not be redelivered")
	}
	asset, err := store.Get(ctx, "asset-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if asset.Status != media.StatusFailed {
		t.Fatalf("status = %s, want failed after dead-letter", asset.Status)
	}
	if !strings.Contains(asset.ErrorMessage, "abandoned after 2 deliveries") {
		t.Fatalf("errorMessage = %q", asset.ErrorMessage)
	}
	if len(jobs.DeadLetters()) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(jobs.DeadLetters()))
	}
}

func TestDeadLetteredJobFailsQueuedAsset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := status.NewMemoryStore()
	jobs := queue.NewMemoryQueue(
		queue.WithClock(clock.Now),
		queue.WithLeaseTimeout(time.Minute),
		queue.WithMaxDeliveryCount(1),
		queue.WithDeadLetterFunc(FailDeadLettered(store, slog.Default())),
	)
	f := &fixture{store: store, jobs: jobs, objects: objectstore.NewMemoryClient()}
	f.seedAsset(t, "asset-1")

	// Workers keep dying between lease and the Queued -> Processing
	// transition, so the asset never leaves Queued.
	if _, ok, err := jobs.Lease(ctx, 0); err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	clock.Advance(2 * time.Minute)
	if _, ok, _ := jobs.Lease(ctx, 0); ok {
		t.Fatal("job past delivery limit must not be redelivered")
	}

	asset, err := store.Get(ctx, "asset-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if asset.Status != media.StatusFailed {
		t.Fatalf("status = %s, want failed after dead-letter", asset.Status)
	}
}

func TestWorkerRecoverRequeuesQueuedAssets(t *testing.T) {
	f := newFixture(t, encoder.Func{EncodeFn: fakeEncode})
	f.seedAsset(t, "asset-1")
	// Simulate a restart that lost the queued job.
	job, ok, err := f.jobs.Lease(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("Lease = %v, %v", ok, err)
	}
	if err := f.jobs.Ack(context.Background(), job); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}

	if err := f.worker.Recover(context.Background()); err != nil {
		t.Fatalf("Recover returned error: %v", err)
	}
	asset := f.runUntilTerminal(t, "asset-1", 5*time.Second)
	if asset.Status != media.StatusCompleted {
		t.Fatalf("status = %s, want completed after recovery", asset.Status)
	}
}
