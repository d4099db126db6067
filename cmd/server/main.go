// Command server starts the asset API and the transcode worker pool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mediaforge/internal/api"
	"mediaforge/internal/encoder"
	"mediaforge/internal/notify"
	"mediaforge/internal/objectstore"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/playback"
	"mediaforge/internal/queue"
	"mediaforge/internal/server"
	"mediaforge/internal/status"
	"mediaforge/internal/transcode"
	"mediaforge/internal/upload"
)

func main() {
	envFile := flag.String("env-file", "", "path to a .env file loaded before other configuration")
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	statusDriver := flag.String("status-driver", "", "status store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the status store")
	postgresPoll := flag.Duration("postgres-poll-interval", 0, "poll interval for Postgres status subscriptions")

	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueRedisMaster := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	queueLeaseTimeout := flag.Duration("queue-lease-timeout", 0, "job lease duration before redelivery")
	queueMaxDeliveries := flag.Int("queue-max-deliveries", 0, "delivery attempts before a job is dead lettered")

	notifyRedisAddr := flag.String("notify-redis-addr", "", "Redis address for status event notifications")
	notifyRedisStream := flag.String("notify-redis-stream", "", "Redis stream key for status events")
	notifyRedisUsername := flag.String("notify-redis-username", "", "Redis username for status events")
	notifyRedisPassword := flag.String("notify-redis-password", "", "Redis password for status events")

	objectDriver := flag.String("object-driver", "", "object store driver (memory or s3)")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix")

	uploadBaseURL := flag.String("upload-base-url", "", "public base URL embedded in upload targets")

	playbackSecret := flag.String("playback-secret", "", "secret used to sign playback tokens")
	playbackTTL := flag.Duration("playback-ttl", 0, "playback token lifetime")
	entitlementURL := flag.String("entitlement-url", "", "URL of the entitlement service; empty allows all subjects")
	entitlementTimeout := flag.Duration("entitlement-timeout", 0, "timeout for entitlement lookups")

	workerEnabled := flag.Bool("worker", true, "run transcode workers in this process")
	workerConcurrency := flag.Int("worker-concurrency", 0, "number of concurrent transcode workers")
	workerMaxAttempts := flag.Int("worker-max-attempts", 0, "transcode attempts before an asset is failed")
	workerBackoff := flag.Duration("worker-backoff", 0, "base delay before a failed attempt is retried")
	workerPoll := flag.Duration("worker-poll-interval", 0, "queue poll interval when idle")
	workerScratch := flag.String("worker-scratch", "", "scratch directory for transcode attempts")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	scratchSweepInterval := flag.Duration("scratch-sweep-interval", 0, "interval between orphaned scratch directory sweeps")
	scratchMaxAge := flag.Duration("scratch-max-age", 0, "age after which an orphaned scratch directory is removed")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum upload requests per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting upload requests")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	rateRedisTLSCA := flag.String("rate-redis-tls-ca", "", "path to Redis TLS CA certificate for upload throttling")
	rateRedisTLSCert := flag.String("rate-redis-tls-cert", "", "path to Redis TLS client certificate for upload throttling")
	rateRedisTLSKey := flag.String("rate-redis-tls-key", "", "path to Redis TLS client key for upload throttling")
	rateRedisTLSSkipVerify := flag.Bool("rate-redis-tls-skip-verify", false, "skip Redis TLS verification for upload throttling")

	consoleOrigins := flag.String("cors-console-origins", "", "comma separated origins allowed for the upload console")
	playerOrigins := flag.String("cors-player-origins", "", "comma separated origins allowed for browser players")

	flag.Parse()

	if path := firstNonEmpty(*envFile, os.Getenv("MEDIAFORGE_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "load env file %s: %v\n", path, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MEDIAFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MEDIAFORGE_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	ctx := context.Background()

	var publisher notify.Publisher = notify.NoopPublisher{}
	if notifyAddr := firstNonEmpty(*notifyRedisAddr, os.Getenv("MEDIAFORGE_NOTIFY_REDIS_ADDR")); notifyAddr != "" {
		redisPublisher, err := notify.NewRedisPublisher(notify.RedisPublisherConfig{
			Addr:     notifyAddr,
			Username: firstNonEmpty(*notifyRedisUsername, os.Getenv("MEDIAFORGE_NOTIFY_REDIS_USERNAME")),
			Password: firstNonEmpty(*notifyRedisPassword, os.Getenv("MEDIAFORGE_NOTIFY_REDIS_PASSWORD")),
			Stream:   firstNonEmpty(*notifyRedisStream, os.Getenv("MEDIAFORGE_NOTIFY_REDIS_STREAM")),
			Logger:   logging.WithComponent(logger, "notify"),
		})
		if err != nil {
			logger.Error("failed to configure notification publisher", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisPublisher.Close() }()
		publisher = redisPublisher
	}

	var (
		store       status.Store
		storeCloser func()
	)
	switch driver := resolveDriver(*statusDriver, "MEDIAFORGE_STATUS_DRIVER", "memory"); driver {
	case "memory":
		store = status.NewMemoryStore(status.WithPublisher(publisher))
	case "postgres":
		dsn := firstNonEmpty(*postgresDSN, os.Getenv("MEDIAFORGE_POSTGRES_DSN"))
		if dsn == "" {
			logger.Error("postgres status store selected without DSN")
			os.Exit(1)
		}
		opts := []status.PostgresStoreOption{status.WithPostgresPublisher(publisher)}
		if poll := resolveDuration(*postgresPoll, "MEDIAFORGE_POSTGRES_POLL_INTERVAL", 0); poll > 0 {
			opts = append(opts, status.WithPollInterval(poll))
		}
		pgStore, err := status.NewPostgresStore(ctx, dsn, opts...)
		if err != nil {
			logger.Error("failed to open status store", "error", err)
			os.Exit(1)
		}
		store = pgStore
		storeCloser = pgStore.Close
	default:
		logger.Error("unsupported status driver", "driver", driver)
		os.Exit(1)
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	leaseTimeout := resolveDuration(*queueLeaseTimeout, "MEDIAFORGE_QUEUE_LEASE_TIMEOUT", 0)
	maxDeliveries := resolveInt(*queueMaxDeliveries, "MEDIAFORGE_QUEUE_MAX_DELIVERIES")

	deadLetterFunc := transcode.FailDeadLettered(store, logging.WithComponent(logger, "queue"))

	var jobs queue.Queue
	switch driver := resolveDriver(*queueDriver, "MEDIAFORGE_QUEUE_DRIVER", "memory"); driver {
	case "memory":
		opts := []queue.MemoryQueueOption{queue.WithDeadLetterFunc(deadLetterFunc)}
		if leaseTimeout > 0 {
			opts = append(opts, queue.WithLeaseTimeout(leaseTimeout))
		}
		if maxDeliveries > 0 {
			opts = append(opts, queue.WithMaxDeliveryCount(maxDeliveries))
		}
		jobs = queue.NewMemoryQueue(opts...)
	case "redis":
		redisQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:             firstNonEmpty(*queueRedisAddr, os.Getenv("MEDIAFORGE_QUEUE_REDIS_ADDR")),
			Addrs:            splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("MEDIAFORGE_QUEUE_REDIS_ADDRS"))),
			Username:         firstNonEmpty(*queueRedisUsername, os.Getenv("MEDIAFORGE_QUEUE_REDIS_USERNAME")),
			Password:         firstNonEmpty(*queueRedisPassword, os.Getenv("MEDIAFORGE_QUEUE_REDIS_PASSWORD")),
			Stream:           firstNonEmpty(*queueRedisStream, os.Getenv("MEDIAFORGE_QUEUE_REDIS_STREAM")),
			Group:            firstNonEmpty(*queueRedisGroup, os.Getenv("MEDIAFORGE_QUEUE_REDIS_GROUP")),
			MasterName:       firstNonEmpty(*queueRedisMaster, os.Getenv("MEDIAFORGE_QUEUE_REDIS_SENTINEL_MASTER")),
			PoolSize:         resolveInt(*queueRedisPoolSize, "MEDIAFORGE_QUEUE_REDIS_POOL_SIZE"),
			LeaseTimeout:     leaseTimeout,
			MaxDeliveryCount: maxDeliveries,
			DeadLetterFunc:   deadLetterFunc,
			Logger:           logging.WithComponent(logger, "queue"),
		})
		if err != nil {
			logger.Error("failed to configure job queue", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisQueue.Close() }()
		jobs = redisQueue
	default:
		logger.Error("unsupported queue driver", "driver", driver)
		os.Exit(1)
	}

	var objects objectstore.Client
	switch driver := resolveDriver(*objectDriver, "MEDIAFORGE_OBJECT_DRIVER", "memory"); driver {
	case "memory":
		objects = objectstore.NewMemoryClient()
	case "s3":
		s3Client, err := objectstore.NewS3Client(objectstore.Config{
			Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("MEDIAFORGE_OBJECT_ENDPOINT")),
			Region:    firstNonEmpty(*objectRegion, os.Getenv("MEDIAFORGE_OBJECT_REGION")),
			AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("MEDIAFORGE_OBJECT_ACCESS_KEY")),
			SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("MEDIAFORGE_OBJECT_SECRET_KEY")),
			Bucket:    firstNonEmpty(*objectBucket, os.Getenv("MEDIAFORGE_OBJECT_BUCKET")),
			UseSSL:    resolveBool(*objectUseSSL, "MEDIAFORGE_OBJECT_USE_SSL"),
			Prefix:    strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("MEDIAFORGE_OBJECT_PREFIX"))),
		})
		if err != nil {
			logger.Error("failed to configure object storage", "error", err)
			os.Exit(1)
		}
		objects = s3Client
	default:
		logger.Error("unsupported object driver", "driver", driver)
		os.Exit(1)
	}

	var coordinatorOpts []upload.CoordinatorOption
	if base := firstNonEmpty(*uploadBaseURL, os.Getenv("MEDIAFORGE_UPLOAD_BASE_URL")); base != "" {
		coordinatorOpts = append(coordinatorOpts, upload.WithUploadBaseURL(base))
	}
	coordinator := upload.NewCoordinator(store, jobs, logging.WithComponent(logger, "uploads"), coordinatorOpts...)

	secret := firstNonEmpty(*playbackSecret, os.Getenv("MEDIAFORGE_PLAYBACK_SECRET"))
	if secret == "" {
		logger.Error("playback secret is required (set -playback-secret or MEDIAFORGE_PLAYBACK_SECRET)")
		os.Exit(1)
	}
	entitlements, err := resolveEntitlements(
		firstNonEmpty(*entitlementURL, os.Getenv("MEDIAFORGE_ENTITLEMENT_URL")),
		resolveDuration(*entitlementTimeout, "MEDIAFORGE_ENTITLEMENT_TIMEOUT", 5*time.Second),
	)
	if err != nil {
		logger.Error("failed to configure entitlements", "error", err)
		os.Exit(1)
	}
	var playbackOpts []playback.ServiceOption
	if ttl := resolveDuration(*playbackTTL, "MEDIAFORGE_PLAYBACK_TTL", 0); ttl > 0 {
		playbackOpts = append(playbackOpts, playback.WithTTL(ttl))
	}
	playbackSvc, err := playback.NewService(secret, store, entitlements, playbackOpts...)
	if err != nil {
		logger.Error("failed to configure playback", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(coordinator, store, playbackSvc, objects, logger)
	handler.Metrics = recorder

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	scratchRoot := firstNonEmpty(*workerScratch, os.Getenv("MEDIAFORGE_WORKER_SCRATCH"))
	if resolveBoolDefault(*workerEnabled, "MEDIAFORGE_WORKER") {
		enc := encoder.NewFFmpegEncoder(encoder.WithBinaries(
			firstNonEmpty(*ffmpegPath, os.Getenv("MEDIAFORGE_FFMPEG")),
			firstNonEmpty(*ffprobePath, os.Getenv("MEDIAFORGE_FFPROBE")),
		))
		worker := transcode.NewWorker(store, jobs, objects, enc, logging.WithComponent(logger, "transcode"), transcode.Config{
			Concurrency:  resolveInt(*workerConcurrency, "MEDIAFORGE_WORKER_CONCURRENCY"),
			MaxAttempts:  resolveInt(*workerMaxAttempts, "MEDIAFORGE_WORKER_MAX_ATTEMPTS"),
			BackoffBase:  resolveDuration(*workerBackoff, "MEDIAFORGE_WORKER_BACKOFF", 0),
			LeaseTimeout: leaseTimeout,
			PollInterval: resolveDuration(*workerPoll, "MEDIAFORGE_WORKER_POLL_INTERVAL", 0),
			ScratchRoot:  scratchRoot,
		})
		worker.SetMetrics(recorder)
		if err := worker.Recover(workerCtx); err != nil {
			logger.Warn("queued asset recovery failed", "error", err)
		}
		go func() {
			if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("transcode workers stopped", "error", err)
			}
		}()
	}

	sweepStop := startScratchSweeper(
		workerCtx,
		logging.WithComponent(logger, "scratch-sweeper"),
		scratchRoot,
		resolveDuration(*scratchSweepInterval, "MEDIAFORGE_SCRATCH_SWEEP_INTERVAL", time.Hour),
		resolveDuration(*scratchMaxAge, "MEDIAFORGE_SCRATCH_MAX_AGE", 24*time.Hour),
	)
	defer sweepStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "MEDIAFORGE_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "MEDIAFORGE_RATE_GLOBAL_BURST"),
		UploadLimit:   resolveInt(*uploadLimit, "MEDIAFORGE_RATE_UPLOAD_LIMIT"),
		UploadWindow:  resolveDuration(*uploadWindow, "MEDIAFORGE_RATE_UPLOAD_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("MEDIAFORGE_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("MEDIAFORGE_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "MEDIAFORGE_RATE_REDIS_TIMEOUT", 2*time.Second),
		RedisTLS: server.RedisTLSConfig{
			CAFile:             firstNonEmpty(*rateRedisTLSCA, os.Getenv("MEDIAFORGE_RATE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*rateRedisTLSCert, os.Getenv("MEDIAFORGE_RATE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*rateRedisTLSKey, os.Getenv("MEDIAFORGE_RATE_REDIS_TLS_KEY")),
			InsecureSkipVerify: resolveBool(*rateRedisTLSSkipVerify, "MEDIAFORGE_RATE_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("MEDIAFORGE_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("MEDIAFORGE_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("MEDIAFORGE_TLS_KEY")),
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			ConsoleOrigins: splitAndTrim(firstNonEmpty(*consoleOrigins, os.Getenv("MEDIAFORGE_CORS_CONSOLE_ORIGINS"))),
			PlayerOrigins:  splitAndTrim(firstNonEmpty(*playerOrigins, os.Getenv("MEDIAFORGE_CORS_PLAYER_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("mediaforge API listening", "addr", listenAddr)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweepStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}

// resolveEntitlements picks the entitlement backend. Without a URL every
// subject is entitled, which suits single-tenant deployments where the
// console already gates uploads.
func resolveEntitlements(rawURL string, timeout time.Duration) (playback.Entitlement, error) {
	if strings.TrimSpace(rawURL) == "" {
		return playback.EntitlementFunc(func(ctx context.Context, subjectID, courseID string) (bool, error) {
			return true, nil
		}), nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse entitlement url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("entitlement url must include scheme and host")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return playback.EntitlementFunc(func(ctx context.Context, subjectID, courseID string) (bool, error) {
		checkURL := *parsed
		query := checkURL.Query()
		query.Set("subject", subjectID)
		query.Set("course", courseID)
		checkURL.RawQuery = query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL.String(), nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			var payload struct {
				Entitled bool `json:"entitled"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return false, fmt.Errorf("decode entitlement response: %w", err)
			}
			return payload.Entitled, nil
		case http.StatusForbidden, http.StatusNotFound:
			return false, nil
		default:
			return false, fmt.Errorf("entitlement service returned %d", resp.StatusCode)
		}
	}), nil
}

func resolveDriver(flagValue, envKey, fallback string) string {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(os.Getenv(envKey)))
	}
	if driver == "" {
		driver = fallback
	}
	return driver
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return false
}

// resolveBoolDefault lets the environment override a boolean flag that
// defaults to true.
func resolveBoolDefault(flagValue bool, envKey string) bool {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return flagValue
}
