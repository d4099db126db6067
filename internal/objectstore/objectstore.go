// Package objectstore abstracts the durable blob store that holds source
// uploads, rendition segments, and manifests.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("object not found")

// Client stores opaque byte blobs by key.
type Client interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

const defaultRequestTimeout = 30 * time.Second

// Config describes an S3-compatible endpoint. Leaving Endpoint or Bucket empty
// selects the in-memory client.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	RequestTimeout time.Duration
}

func (cfg Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}
