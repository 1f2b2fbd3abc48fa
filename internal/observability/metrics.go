package observability

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	help  string
	value float64
	mu    sync.Mutex
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name  string
	help  string
	value float64
	mu    sync.Mutex
}

// Histogram tracks distribution of values.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter creates and registers a counter.
func (r *MetricsRegistry) NewCounter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// NewHistogram creates and registers a histogram.
func (r *MetricsRegistry) NewHistogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[name] = h
	return h
}

// DefaultBuckets returns default histogram buckets for latency.
func DefaultBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.Add(1) }

// Add adds a value to the counter.
func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the counter value.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set sets the gauge value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds a value to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

// Value returns the gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// ObserveDuration records a duration in the histogram.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text format, sorted by
// name so scrapes are stable.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		c.mu.Lock()
		writeHeader(w, c.name, "counter", c.help)
		io.WriteString(w, c.name+" "+formatFloat(c.value)+"\n")
		c.mu.Unlock()
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		g.mu.Lock()
		writeHeader(w, g.name, "gauge", g.help)
		io.WriteString(w, g.name+" "+formatFloat(g.value)+"\n")
		g.mu.Unlock()
	}
	for _, name := range sortedKeys(r.histos) {
		h := r.histos[name]
		h.mu.Lock()
		writeHistogram(w, h)
		h.mu.Unlock()
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHeader(w io.Writer, name, metricType, help string) {
	io.WriteString(w, "# HELP "+name+" "+help+"\n")
	io.WriteString(w, "# TYPE "+name+" "+metricType+"\n")
}

func writeHistogram(w io.Writer, h *Histogram) {
	writeHeader(w, h.name, "histogram", h.help)
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		io.WriteString(w, h.name+`_bucket{le="`+formatFloat(bound)+`"} `+
			strconv.FormatUint(cumulative, 10)+"\n")
	}
	io.WriteString(w, h.name+`_bucket{le="+Inf"} `+strconv.FormatUint(h.count, 10)+"\n")
	io.WriteString(w, h.name+"_sum "+formatFloat(h.sum)+"\n")
	io.WriteString(w, h.name+"_count "+strconv.FormatUint(h.count, 10)+"\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// IndexMetrics contains the worker's operational metrics.
type IndexMetrics struct {
	Registry *MetricsRegistry

	// Sync metrics
	SyncRunsTotal      *Counter
	SyncPagesTotal     *Counter
	SyncIssuesTotal    *Counter
	SyncErrorsTotal    *Counter
	SyncRepoDuration   *Histogram

	// Embedding metrics
	EmbedBatchesTotal  *Counter
	EmbedIssuesTotal   *Counter
	EmbedErrorsTotal   *Counter
	EmbedBatchDuration *Histogram

	// Search metrics
	SearchesTotal      *Counter
	SearchErrorsTotal  *Counter
	SearchDuration     *Histogram

	// Active sync workers gauge
	ActiveWorkers *Gauge
}

// NewIndexMetrics creates the worker metric set.
func NewIndexMetrics() *IndexMetrics {
	r := NewMetricsRegistry()
	return &IndexMetrics{
		Registry: r,

		SyncRunsTotal:    r.NewCounter("issuedex_sync_runs_total", "Total repository sync runs"),
		SyncPagesTotal:   r.NewCounter("issuedex_sync_pages_total", "Total issue pages fetched"),
		SyncIssuesTotal:  r.NewCounter("issuedex_sync_issues_total", "Total issues upserted"),
		SyncErrorsTotal:  r.NewCounter("issuedex_sync_errors_total", "Total failed sync runs"),
		SyncRepoDuration: r.NewHistogram("issuedex_sync_repo_duration_seconds", "Per-repository sync duration", nil),

		EmbedBatchesTotal:  r.NewCounter("issuedex_embed_batches_total", "Total embedding batches"),
		EmbedIssuesTotal:   r.NewCounter("issuedex_embed_issues_total", "Total issues embedded"),
		EmbedErrorsTotal:   r.NewCounter("issuedex_embed_errors_total", "Total failed embedding batches"),
		EmbedBatchDuration: r.NewHistogram("issuedex_embed_batch_duration_seconds", "Embedding batch duration", nil),

		SearchesTotal:     r.NewCounter("issuedex_searches_total", "Total search requests"),
		SearchErrorsTotal: r.NewCounter("issuedex_search_errors_total", "Total failed search requests"),
		SearchDuration:    r.NewHistogram("issuedex_search_duration_seconds", "Search request duration", nil),

		ActiveWorkers: r.NewGauge("issuedex_active_workers", "Number of active sync workers"),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *IndexMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// RecordSyncRun records one repository sync.
func (m *IndexMetrics) RecordSyncRun(duration time.Duration, pages, issues int, err error) {
	m.SyncRunsTotal.Inc()
	m.SyncPagesTotal.Add(float64(pages))
	m.SyncIssuesTotal.Add(float64(issues))
	m.SyncRepoDuration.Observe(duration.Seconds())
	if err != nil {
		m.SyncErrorsTotal.Inc()
	}
}

// RecordEmbedBatch records one embedding batch.
func (m *IndexMetrics) RecordEmbedBatch(duration time.Duration, issues int, err error) {
	m.EmbedBatchesTotal.Inc()
	m.EmbedIssuesTotal.Add(float64(issues))
	m.EmbedBatchDuration.Observe(duration.Seconds())
	if err != nil {
		m.EmbedErrorsTotal.Inc()
	}
}

// RecordSearch records one search request.
func (m *IndexMetrics) RecordSearch(duration time.Duration, err error) {
	m.SearchesTotal.Inc()
	m.SearchDuration.Observe(duration.Seconds())
	if err != nil {
		m.SearchErrorsTotal.Inc()
	}
}

// Global metrics instance
var globalMetrics *IndexMetrics
var metricsOnce sync.Once

// Metrics returns the global metrics instance.
func Metrics() *IndexMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewIndexMetrics()
	})
	return globalMetrics
}
