package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type jobLabel struct {
	outcome string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, transcode jobs, queue activity, and playback token decisions. It
// coordinates concurrent writers via a RWMutex while exposing a thread-safe
// gauge for active job tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobOutcomes     map[jobLabel]uint64
	jobDuration     map[jobLabel]time.Duration
	queueEvents     map[string]uint64
	tokenEvents     map[string]uint64
	uploadEvents    map[string]uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobOutcomes:     make(map[jobLabel]uint64),
		jobDuration:     make(map[jobLabel]time.Duration),
		queueEvents:     make(map[string]uint64),
		tokenEvents:     make(map[string]uint64),
		uploadEvents:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobStarted increments the active transcode job gauge.
func (r *Recorder) JobStarted() {
	r.activeJobs.Add(1)
}

// JobFinished records a completed transcode attempt by outcome
// ("completed", "retried", "failed", "cancelled", "duplicate") and decrements
// the active job gauge.
func (r *Recorder) JobFinished(outcome string, duration time.Duration) {
	label := jobLabel{outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.jobOutcomes[label]++
	r.jobDuration[label] += duration
	r.mu.Unlock()
	r.decrementGauge(&r.activeJobs)
}

// ObserveQueueEvent records a queue lifecycle event ("enqueued", "leased",
// "acked", "nacked", "dead_lettered").
func (r *Recorder) ObserveQueueEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.queueEvents[name]++
	r.mu.Unlock()
}

// ObserveTokenEvent records a playback token decision ("issued", "validated",
// "signature_invalid", "expired", "subject_mismatch", "asset_not_ready",
// "not_entitled").
func (r *Recorder) ObserveTokenEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.tokenEvents[name]++
	r.mu.Unlock()
}

// ObserveUploadEvent records an upload coordinator event ("target_issued",
// "completed", "cancelled", "rejected").
func (r *Recorder) ObserveUploadEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[name]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of in-flight transcode jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns a copy of the job outcome counters for testing and
// reporting purposes.
func (r *Recorder) JobCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.jobOutcomes))
	for label, count := range r.jobOutcomes {
		out[label.outcome] = count
	}
	return out
}

// TokenCounts returns a copy of the token decision counters.
func (r *Recorder) TokenCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.tokenEvents))
	for event, count := range r.tokenEvents {
		out[event] = count
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobOutcomes = make(map[jobLabel]uint64)
	r.jobDuration = make(map[jobLabel]time.Duration)
	r.queueEvents = make(map[string]uint64)
	r.tokenEvents = make(map[string]uint64)
	r.uploadEvents = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	queueEvents := sortedKeys(r.queueEvents)
	tokenEvents := sortedKeys(r.tokenEvents)
	uploadEvents := sortedKeys(r.uploadEvents)

	fmt.Fprintln(w, "# HELP mediaforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mediaforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "mediaforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP mediaforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mediaforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "mediaforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP mediaforge_transcode_jobs_total Transcode job attempts by outcome")
	fmt.Fprintln(w, "# TYPE mediaforge_transcode_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobOutcomes[label]
		fmt.Fprintf(w, "mediaforge_transcode_jobs_total{outcome=\"%s\"} %d\n", label.outcome, count)
	}

	fmt.Fprintln(w, "# HELP mediaforge_transcode_duration_seconds_sum Cumulative transcode attempt duration in seconds by outcome")
	fmt.Fprintln(w, "# TYPE mediaforge_transcode_duration_seconds_sum counter")
	for _, label := range jobLabels {
		duration := r.jobDuration[label].Seconds()
		fmt.Fprintf(w, "mediaforge_transcode_duration_seconds_sum{outcome=\"%s\"} %f\n", label.outcome, duration)
	}

	fmt.Fprintln(w, "# HELP mediaforge_transcode_active_jobs Current number of in-flight transcode jobs")
	fmt.Fprintln(w, "# TYPE mediaforge_transcode_active_jobs gauge")
	fmt.Fprintf(w, "mediaforge_transcode_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP mediaforge_queue_events_total Ingestion queue events by type")
	fmt.Fprintln(w, "# TYPE mediaforge_queue_events_total counter")
	for _, event := range queueEvents {
		fmt.Fprintf(w, "mediaforge_queue_events_total{event=\"%s\"} %d\n", event, r.queueEvents[event])
	}

	fmt.Fprintln(w, "# HELP mediaforge_playback_tokens_total Playback token decisions by result")
	fmt.Fprintln(w, "# TYPE mediaforge_playback_tokens_total counter")
	for _, event := range tokenEvents {
		fmt.Fprintf(w, "mediaforge_playback_tokens_total{result=\"%s\"} %d\n", event, r.tokenEvents[event])
	}

	fmt.Fprintln(w, "# HELP mediaforge_upload_events_total Upload coordinator events by type")
	fmt.Fprintln(w, "# TYPE mediaforge_upload_events_total counter")
	for _, event := range uploadEvents {
		fmt.Fprintf(w, "mediaforge_upload_events_total{event=\"%s\"} %d\n", event, r.uploadEvents[event])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []jobLabel {
	labels := make([]jobLabel, 0, len(r.jobOutcomes))
	for label := range r.jobOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return strings.ReplaceAll(normalized, " ", "_")
}

// normalizePath collapses identifier-looking segments so per-asset URLs do
// not explode label cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}
