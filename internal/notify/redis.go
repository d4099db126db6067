package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mediaforge/internal/media"
)

// RedisPublisherConfig configures the Redis Streams notification transport.
type RedisPublisherConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	MasterName   string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// RedisPublisher appends status events to a Redis stream.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	logger *slog.Logger
}

// NewRedisPublisher connects to Redis and returns a stream-backed publisher.
func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "asset.status"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, stream: stream, logger: logger}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event media.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if _, err := p.client.Do(ctx, "XADD", p.stream, "*", "payload", string(payload)).Result(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
