// Package encoder turns an uploaded source file into an HLS rendition ladder.
// The production implementation shells out to ffprobe and ffmpeg; tests use
// the Func adapter.
package encoder

import (
	"context"

	"mediaforge/internal/media"
)

// SourceInfo describes a probed source file.
type SourceInfo struct {
	DurationSeconds float64
	Width           int
	Height          int
	Format          string
}

// Result describes the output of a completed encode. Paths are relative to
// OutputDir and use forward slashes so they can double as object-store keys.
type Result struct {
	OutputDir      string
	MasterManifest string
	Renditions     []media.Rendition
	Files          []string
}

// Encoder produces the rendition ladder for a source file.
type Encoder interface {
	// Inspect probes the source. Corrupt or unsupported sources return an
	// error classified media.Permanent.
	Inspect(ctx context.Context, sourcePath string) (SourceInfo, error)
	// Encode writes the full ladder plus the master manifest into outputDir.
	Encode(ctx context.Context, sourcePath, outputDir string, ladder []media.RenditionProfile) (*Result, error)
}

// Func adapts plain functions into an Encoder. Tests use it to simulate
// encode outcomes without ffmpeg.
type Func struct {
	InspectFn func(ctx context.Context, sourcePath string) (SourceInfo, error)
	EncodeFn  func(ctx context.Context, sourcePath, outputDir string, ladder []media.RenditionProfile) (*Result, error)
}

func (f Func) Inspect(ctx context.Context, sourcePath string) (SourceInfo, error) {
	if f.InspectFn == nil {
		return SourceInfo{DurationSeconds: 60}, nil
	}
	return f.InspectFn(ctx, sourcePath)
}

func (f Func) Encode(ctx context.Context, sourcePath, outputDir string, ladder []media.RenditionProfile) (*Result, error) {
	if f.EncodeFn == nil {
		return &Result{OutputDir: outputDir, MasterManifest: "index.m3u8"}, nil
	}
	return f.EncodeFn(ctx, sourcePath, outputDir, ladder)
}
