package encoder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mediaforge/internal/media"
)

func TestBuildEncodePlanCoversLadder(t *testing.T) {
	plan, err := buildEncodePlan("source.mp4", "/work/out", media.DefaultLadder())
	if err != nil {
		t.Fatalf("buildEncodePlan returned error: %v", err)
	}
	if plan.master != "index.m3u8" {
		t.Fatalf("master = %q, want index.m3u8", plan.master)
	}
	if len(plan.renditions) != 4 {
		t.Fatalf("renditions = %d, want 4", len(plan.renditions))
	}
	joined := strings.Join(plan.args, " ")
	for _, want := range []string{
		"-hls_time 6",
		"-hls_playlist_type vod",
		"-master_pl_name index.m3u8",
		"-b:v:0 800k",
		"-b:v:3 5000k",
		"-b:a:0 128k",
		"scale=w=1920:h=1080",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q:\n%s", want, joined)
		}
	}
	for _, rendition := range plan.renditions {
		if !strings.HasSuffix(rendition.ManifestPath, "/index.m3u8") {
			t.Fatalf("rendition manifest %q must end in /index.m3u8", rendition.ManifestPath)
		}
	}
}

func TestBuildEncodePlanVarStreamMap(t *testing.T) {
	plan, err := buildEncodePlan("source.mp4", "/work/out", media.DefaultLadder())
	if err != nil {
		t.Fatalf("buildEncodePlan returned error: %v", err)
	}
	var varMap string
	for i, arg := range plan.args {
		if arg == "-var_stream_map" && i+1 < len(plan.args) {
			varMap = plan.args[i+1]
		}
	}
	if varMap == "" {
		t.Fatal("plan must carry -var_stream_map")
	}
	for _, want := range []string{"name:360p bandwidth:800000", "name:1080p bandwidth:5000000"} {
		if !strings.Contains(varMap, want) {
			t.Fatalf("var_stream_map missing %q: %s", want, varMap)
		}
	}
}

func TestBuildEncodePlanValidation(t *testing.T) {
	if _, err := buildEncodePlan("", "/work/out", media.DefaultLadder()); err == nil {
		t.Fatal("empty input must fail")
	}
	if _, err := buildEncodePlan("source.mp4", "", media.DefaultLadder()); err == nil {
		t.Fatal("empty output dir must fail")
	}
	if _, err := buildEncodePlan("source.mp4", "/work/out", nil); err == nil {
		t.Fatal("empty ladder must fail")
	}
}

func TestClassifyEncodeError(t *testing.T) {
	base := errors.New("exit status 1")
	permanent := classifyEncodeError(base, "file.mp4: Invalid data found when processing input")
	if !media.IsPermanent(permanent) {
		t.Fatalf("decode failure must be permanent, got %v", permanent)
	}
	transient := classifyEncodeError(base, "Error writing trailer: No space left on device")
	if media.IsPermanent(transient) {
		t.Fatalf("environmental failure must stay transient, got %v", transient)
	}
	if !strings.Contains(transient.Error(), "exit status 1") {
		t.Fatalf("classified error must wrap the exit error: %v", transient)
	}
}

func TestFuncEncoderDefaults(t *testing.T) {
	ctx := context.Background()
	var enc Encoder = Func{}
	info, err := enc.Inspect(ctx, "anything.mp4")
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if info.DurationSeconds <= 0 {
		t.Fatal("default Inspect must report a positive duration")
	}
	result, err := enc.Encode(ctx, "anything.mp4", "/tmp/out", media.DefaultLadder())
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if result.MasterManifest != "index.m3u8" {
		t.Fatalf("master = %q, want index.m3u8", result.MasterManifest)
	}
}
