package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"mediaforge/internal/media"
)

// FFmpegEncoder runs ffprobe and ffmpeg binaries found on PATH.
type FFmpegEncoder struct {
	ffmpegPath  string
	ffprobePath string
}

// FFmpegOption mutates FFmpegEncoder configuration.
type FFmpegOption func(*FFmpegEncoder)

// WithBinaries overrides the ffmpeg and ffprobe binary paths.
func WithBinaries(ffmpeg, ffprobe string) FFmpegOption {
	return func(e *FFmpegEncoder) {
		if ffmpeg != "" {
			e.ffmpegPath = ffmpeg
		}
		if ffprobe != "" {
			e.ffprobePath = ffprobe
		}
	}
}

// NewFFmpegEncoder returns an encoder using the system ffmpeg toolchain.
func NewFFmpegEncoder(opts ...FFmpegOption) *FFmpegEncoder {
	e := &FFmpegEncoder{ffmpegPath: "ffmpeg", ffprobePath: "ffprobe"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (e *FFmpegEncoder) Inspect(ctx context.Context, sourcePath string) (SourceInfo, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		sourcePath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return SourceInfo{}, ctx.Err()
		}
		return SourceInfo{}, media.Permanent(fmt.Errorf("probe %s: %w: %s", filepath.Base(sourcePath), err, strings.TrimSpace(stderr.String())))
	}
	var probed probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &probed); err != nil {
		return SourceInfo{}, media.Permanent(fmt.Errorf("decode probe output: %w", err))
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(probed.Format.Duration), 64)
	if err != nil || duration <= 0 {
		return SourceInfo{}, media.Permanent(fmt.Errorf("source has no usable duration"))
	}
	info := SourceInfo{
		DurationSeconds: duration,
		Format:          probed.Format.FormatName,
	}
	var hasVideo bool
	for _, stream := range probed.Streams {
		if stream.CodecType == "video" {
			hasVideo = true
			if stream.Width > info.Width {
				info.Width = stream.Width
				info.Height = stream.Height
			}
		}
	}
	if !hasVideo {
		return SourceInfo{}, media.Permanent(fmt.Errorf("source has no video stream"))
	}
	return info, nil
}

func (e *FFmpegEncoder) Encode(ctx context.Context, sourcePath, outputDir string, ladder []media.RenditionProfile) (*Result, error) {
	plan, err := buildEncodePlan(sourcePath, outputDir, ladder)
	if err != nil {
		return nil, err
	}
	for _, profile := range ladder {
		if err := os.MkdirAll(filepath.Join(outputDir, string(profile.Quality)), 0o755); err != nil {
			return nil, fmt.Errorf("prepare rendition directory: %w", err)
		}
	}
	cmd := exec.CommandContext(ctx, e.ffmpegPath, plan.args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyEncodeError(err, stderr.String())
	}
	files, err := collectOutputFiles(outputDir)
	if err != nil {
		return nil, err
	}
	return &Result{
		OutputDir:      outputDir,
		MasterManifest: plan.master,
		Renditions:     plan.renditions,
		Files:          files,
	}, nil
}

type encodePlan struct {
	args       []string
	renditions []media.Rendition
	master     string
}

// buildEncodePlan assembles a single ffmpeg invocation that produces every
// ladder rung plus the master manifest via var_stream_map.
func buildEncodePlan(input, outputDir string, ladder []media.RenditionProfile) (*encodePlan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(ladder) == 0 {
		return nil, fmt.Errorf("rendition ladder is required")
	}

	args := []string{"-y", "-i", input}
	filters := make([]string, 0, len(ladder))
	for idx, profile := range ladder {
		filters = append(filters, fmt.Sprintf("[0:v]scale=w=%d:h=%d:force_original_aspect_ratio=decrease[v%d]", profile.Width, profile.Height, idx))
	}
	args = append(args, "-filter_complex", strings.Join(filters, ";"))

	varStreamMap := make([]string, 0, len(ladder))
	renditions := make([]media.Rendition, 0, len(ladder))
	for idx, profile := range ladder {
		name := string(profile.Quality)
		args = append(args,
			"-map", fmt.Sprintf("[v%d]", idx),
			"-map", "0:a:0",
			fmt.Sprintf("-c:v:%d", idx), "libx264",
			fmt.Sprintf("-b:v:%d", idx), fmt.Sprintf("%dk", profile.BitrateKbps),
			fmt.Sprintf("-maxrate:v:%d", idx), fmt.Sprintf("%dk", profile.BitrateKbps),
			fmt.Sprintf("-bufsize:v:%d", idx), fmt.Sprintf("%dk", profile.BitrateKbps*2),
			fmt.Sprintf("-c:a:%d", idx), "aac",
			fmt.Sprintf("-b:a:%d", idx), fmt.Sprintf("%dk", media.AudioBitrateKbps),
		)
		varStreamMap = append(varStreamMap, fmt.Sprintf("v:%d,a:%d name:%s bandwidth:%d", idx, idx, name, profile.BitrateKbps*1000))
		renditions = append(renditions, media.Rendition{
			Quality:      profile.Quality,
			BitrateKbps:  profile.BitrateKbps,
			Resolution:   fmt.Sprintf("%dx%d", profile.Width, profile.Height),
			ManifestPath: name + "/index.m3u8",
		})
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(media.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(outputDir, "%v", "segment_%06d.ts")),
		"-master_pl_name", "index.m3u8",
		"-var_stream_map", strings.Join(varStreamMap, " "),
		filepath.ToSlash(filepath.Join(outputDir, "%v", "index.m3u8")),
	)

	return &encodePlan{
		args:       args,
		renditions: renditions,
		master:     "index.m3u8",
	}, nil
}

// classifyEncodeError decides whether an ffmpeg failure is worth retrying.
// Decode errors on the input are deterministic and marked permanent.
func classifyEncodeError(err error, stderr string) error {
	lowered := strings.ToLower(stderr)
	for _, marker := range []string{
		"invalid data found",
		"moov atom not found",
		"could not find codec",
		"decoder not found",
		"unsupported codec",
	} {
		if strings.Contains(lowered, marker) {
			return media.Permanent(fmt.Errorf("encode: %w: %s", err, firstLine(stderr)))
		}
	}
	return fmt.Errorf("encode: %w: %s", err, firstLine(stderr))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func collectOutputFiles(outputDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(outputDir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, current)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("encode produced no output")
		}
		return nil, err
	}
	return files, nil
}
