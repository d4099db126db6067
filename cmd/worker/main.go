// Command worker runs the transcode worker pool without the asset API. It is
// used to scale transcoding independently of the HTTP tier; it exposes only
// health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mediaforge/internal/encoder"
	"mediaforge/internal/notify"
	"mediaforge/internal/objectstore"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/queue"
	"mediaforge/internal/serverutil"
	"mediaforge/internal/status"
	"mediaforge/internal/transcode"
)

func main() {
	envFile := flag.String("env-file", "", "path to a .env file loaded before other configuration")
	addr := flag.String("addr", "", "listen address for health and metrics")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	statusDriver := flag.String("status-driver", "", "status store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the status store")

	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueLeaseTimeout := flag.Duration("queue-lease-timeout", 0, "job lease duration before redelivery")
	queueMaxDeliveries := flag.Int("queue-max-deliveries", 0, "delivery attempts before a job is dead lettered")

	notifyRedisAddr := flag.String("notify-redis-addr", "", "Redis address for status event notifications")
	notifyRedisStream := flag.String("notify-redis-stream", "", "Redis stream key for status events")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")

	workerConcurrency := flag.Int("worker-concurrency", 0, "number of concurrent transcode workers")
	workerMaxAttempts := flag.Int("worker-max-attempts", 0, "transcode attempts before an asset is failed")
	workerBackoff := flag.Duration("worker-backoff", 0, "base delay before a failed attempt is retried")
	workerPoll := flag.Duration("worker-poll-interval", 0, "queue poll interval when idle")
	workerScratch := flag.String("worker-scratch", "", "scratch directory for transcode attempts")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")

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
	recorder := metrics.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var publisher notify.Publisher = notify.NoopPublisher{}
	if notifyAddr := firstNonEmpty(*notifyRedisAddr, os.Getenv("MEDIAFORGE_NOTIFY_REDIS_ADDR")); notifyAddr != "" {
		redisPublisher, err := notify.NewRedisPublisher(notify.RedisPublisherConfig{
			Addr:   notifyAddr,
			Stream: firstNonEmpty(*notifyRedisStream, os.Getenv("MEDIAFORGE_NOTIFY_REDIS_STREAM")),
			Logger: logging.WithComponent(logger, "notify"),
		})
		if err != nil {
			logger.Error("failed to configure notification publisher", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisPublisher.Close() }()
		publisher = redisPublisher
	}

	var store status.Store
	switch driver := resolveDriver(*statusDriver, "MEDIAFORGE_STATUS_DRIVER", "postgres"); driver {
	case "memory":
		logger.Warn("memory status store selected; workers will not see API state")
		store = status.NewMemoryStore(status.WithPublisher(publisher))
	case "postgres":
		dsn := firstNonEmpty(*postgresDSN, os.Getenv("MEDIAFORGE_POSTGRES_DSN"))
		if dsn == "" {
			logger.Error("postgres status store selected without DSN")
			os.Exit(1)
		}
		pgStore, err := status.NewPostgresStore(ctx, dsn, status.WithPostgresPublisher(publisher))
		if err != nil {
			logger.Error("failed to open status store", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
	default:
		logger.Error("unsupported status driver", "driver", driver)
		os.Exit(1)
	}

	leaseTimeout := resolveDuration(*queueLeaseTimeout, "MEDIAFORGE_QUEUE_LEASE_TIMEOUT", 0)
	jobs, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:             firstNonEmpty(*queueRedisAddr, os.Getenv("MEDIAFORGE_QUEUE_REDIS_ADDR")),
		Addrs:            splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("MEDIAFORGE_QUEUE_REDIS_ADDRS"))),
		Username:         firstNonEmpty(*queueRedisUsername, os.Getenv("MEDIAFORGE_QUEUE_REDIS_USERNAME")),
		Password:         firstNonEmpty(*queueRedisPassword, os.Getenv("MEDIAFORGE_QUEUE_REDIS_PASSWORD")),
		Stream:           firstNonEmpty(*queueRedisStream, os.Getenv("MEDIAFORGE_QUEUE_REDIS_STREAM")),
		Group:            firstNonEmpty(*queueRedisGroup, os.Getenv("MEDIAFORGE_QUEUE_REDIS_GROUP")),
		LeaseTimeout:     leaseTimeout,
		MaxDeliveryCount: resolveInt(*queueMaxDeliveries, "MEDIAFORGE_QUEUE_MAX_DELIVERIES"),
		DeadLetterFunc:   transcode.FailDeadLettered(store, logging.WithComponent(logger, "queue")),
		Logger:           logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}
	defer func() { _ = jobs.Close() }()

	objects, err := objectstore.NewS3Client(objectstore.Config{
		Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("MEDIAFORGE_OBJECT_ENDPOINT")),
		Region:    firstNonEmpty(*objectRegion, os.Getenv("MEDIAFORGE_OBJECT_REGION")),
		AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("MEDIAFORGE_OBJECT_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("MEDIAFORGE_OBJECT_SECRET_KEY")),
		Bucket:    firstNonEmpty(*objectBucket, os.Getenv("MEDIAFORGE_OBJECT_BUCKET")),
		UseSSL:    resolveBool(*objectUseSSL, "MEDIAFORGE_OBJECT_USE_SSL"),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

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
		ScratchRoot:  firstNonEmpty(*workerScratch, os.Getenv("MEDIAFORGE_WORKER_SCRATCH")),
	})
	worker.SetMetrics(recorder)

	if err := worker.Recover(ctx); err != nil {
		logger.Warn("queued asset recovery failed", "error", err)
	}

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", recorder.Handler())

	listenAddr := firstNonEmpty(*addr, os.Getenv("MEDIAFORGE_WORKER_ADDR"))
	if listenAddr == "" {
		listenAddr = ":9090"
	}
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("transcode worker listening", "addr", listenAddr)
		serveErr <- serverutil.Run(ctx, serverutil.Config{Server: httpServer, ShutdownTimeout: 10 * time.Second})
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-workerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("transcode workers stopped", "error", err)
		}
	case err := <-serveErr:
		if err != nil {
			logger.Error("health endpoint failed", "error", err)
		}
	}

	cancel()
	if err := <-workerErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("transcode workers exited with error", "error", err)
	}
	logger.Info("worker stopped")
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
