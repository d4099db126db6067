package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediaforge/internal/api"
	"mediaforge/internal/objectstore"
	"mediaforge/internal/playback"
	"mediaforge/internal/queue"
	"mediaforge/internal/status"
	"mediaforge/internal/upload"
)

func newTestHandler(t *testing.T) (*api.Handler, *status.MemoryStore) {
	t.Helper()
	store := status.NewMemoryStore()
	jobs := queue.NewMemoryQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := upload.NewCoordinator(store, jobs, logger)
	playbackSvc, err := playback.NewService("server-test-secret", store, playback.EntitlementFunc(func(ctx context.Context, subjectID, courseID string) (bool, error) {
		return true, nil
	}))
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return api.NewHandler(coordinator, store, playbackSvc, objectstore.NewMemoryClient(), logger), store
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	handler, _ := newTestHandler(t)
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestServerServesHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mediaforge_http_requests_total") {
		t.Fatalf("expected request counters in metrics output, got %q", rec.Body.String())
	}
}

func TestServerCreatesAssetThroughMiddlewareChain(t *testing.T) {
	srv := newTestServer(t, Config{})

	body := bytes.NewBufferString(`{"tenantId":"tenant-1","courseId":"course-1","filename":"lecture.mp4"}`)
	req := httptest.NewRequest(http.MethodPost, "/assets", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from POST /assets, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header on response")
	}

	var payload struct {
		AssetID string `json:"assetId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.AssetID == "" {
		t.Fatal("expected asset id in response")
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/"+payload.AssetID+"/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from status lookup, got %d", rec.Code)
	}
}

func TestServerLimitsUploadRequestsPerClient(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{UploadLimit: 2, UploadWindow: time.Minute},
	})

	var lastCode int
	var lastHeader http.Header
	for i := 0; i < 3; i++ {
		body := bytes.NewBufferString(fmt.Sprintf(`{"tenantId":"tenant-1","courseId":"course-1","filename":"take-%d.mp4"}`, i))
		req := httptest.NewRequest(http.MethodPost, "/assets", body)
		req.RemoteAddr = "198.51.100.7:4242"
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		lastCode = rec.Code
		lastHeader = rec.Header()
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected third upload to be throttled, got %d", lastCode)
	}
	if lastHeader.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on throttled response")
	}
}

func TestServerUploadLimitDoesNotBlockReads(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute},
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "198.51.100.7:4242"
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected reads to bypass the upload limit, got %d", rec.Code)
		}
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to hit the global limit, got %d", rec.Code)
	}
}

func TestAuditMiddlewareLogsAssetMutations(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", AuditLogger: auditLogger})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	body := bytes.NewBufferString(`{"tenantId":"tenant-1","courseId":"course-1","filename":"lecture.mp4"}`)
	srv.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/assets", body))
	srv.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one audit line, got %d: %q", len(lines), buf.String())
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &payload); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if payload["path"] != "/assets" {
		t.Fatalf("expected audit entry for /assets, got %v", payload["path"])
	}
	if payload["request_id"] == "" || payload["request_id"] == nil {
		t.Fatalf("expected request_id in audit entry, got %v", payload["request_id"])
	}
}

func TestShouldAudit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/assets", true},
		{http.MethodPost, "/assets/abc/complete", true},
		{http.MethodPost, "/assets/abc/cancel", true},
		{http.MethodGet, "/assets/abc/status", false},
		{http.MethodGet, "/play/abc/index.m3u8", false},
		{http.MethodPost, "/healthz", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, tc.path, nil)
		if got := shouldAudit(r); got != tc.want {
			t.Fatalf("shouldAudit(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestServerShutdownWithoutStart(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.1:5050"
	if got := extractClientIP(req); got != "192.0.2.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Real-IP", "203.0.113.9")
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected X-Real-IP to win over remote addr, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	if got := extractClientIP(req); got != "198.51.100.2" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}
