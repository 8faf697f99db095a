package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// Metrics is the engine's instrumentation surface. Every method is nil-safe
// so call sites can use Current() unconditionally; with METRICS_ENABLED off
// the whole surface is a no-op.
type Metrics struct {
	jobsSubmitted *CounterVec
	jobStates     *CounterVec
	stageClaims   *CounterVec
	stageOutcomes *CounterVec
	stageLatency  *HistogramVec
	retryDelay    *HistogramVec
	leasesReaped  *Counter
	busPublished  *Counter
	busDropped    *Counter
	queueDepth    *GaugeVec
	pgStats       *GaugeVec
	redisUp       *Gauge
	redisPing     *Gauge

	sloCompliance *GaugeVec
	sloBudget     *GaugeVec
	sloBurn       *GaugeVec

	// Scalar feeds for the SLO evaluator.
	stageTotal   *Counter
	stageError   *Counter
	jobsFinished *Counter
	jobsFailed   *Counter
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			jobsSubmitted: NewCounterVec("sc_jobs_submitted_total", "Jobs submitted by input kind.", []string{"kind"}),
			jobStates:     NewCounterVec("sc_job_events_total", "Job-level ledger events by job state.", []string{"state"}),
			stageClaims:   NewCounterVec("sc_stage_claims_total", "Stage claims by stage/resource class.", []string{"stage", "class"}),
			stageOutcomes: NewCounterVec("sc_stage_outcomes_total", "Stage invocation outcomes by stage/verdict.", []string{"stage", "verdict"}),
			stageLatency: NewHistogramVec(
				"sc_stage_duration_seconds",
				"Stage invocation wall time in seconds by stage/verdict.",
				[]string{"stage", "verdict"},
				[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200},
			),
			retryDelay: NewHistogramVec(
				"sc_retry_delay_seconds",
				"Backoff delay handed to requeued stages.",
				[]string{"stage"},
				[]float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
			),
			leasesReaped: NewCounter("sc_leases_reaped_total", "Expired leases recovered by the reaper."),
			busPublished: NewCounter("sc_progress_events_published_total", "Progress events published to the bus."),
			busDropped:   NewCounter("sc_progress_events_dropped_total", "Progress events dropped on full subscriber buffers."),
			queueDepth:   NewGaugeVec("sc_job_queue_depth", "Jobs by state.", []string{"state"}),
			pgStats:      NewGaugeVec("sc_postgres_stats", "Postgres connection stats.", []string{"metric"}),
			redisUp:      NewGauge("sc_redis_up", "Redis connectivity (1=up, 0=down)."),
			redisPing:    NewGauge("sc_redis_ping_seconds", "Redis ping latency in seconds."),

			sloCompliance: NewGaugeVec("sc_slo_compliance", "SLO compliance (SLI) over window.", []string{"slo", "window"}),
			sloBudget:     NewGaugeVec("sc_slo_error_budget_remaining", "Error budget remaining (0-1).", []string{"slo", "window"}),
			sloBurn:       NewGaugeVec("sc_slo_burn_rate", "Error budget burn rate.", []string{"slo", "window"}),

			stageTotal:   NewCounter("sc_stage_invocations_total_all", "Stage invocations (all verdicts)."),
			stageError:   NewCounter("sc_stage_invocations_error_total", "Stage invocations that did not succeed."),
			jobsFinished: NewCounter("sc_jobs_finished_total_all", "Jobs reaching a terminal state."),
			jobsFailed:   NewCounter("sc_jobs_failed_total", "Jobs reaching FAILED."),
		}
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
}

// IncJobSubmitted records one accepted submission.
func (m *Metrics) IncJobSubmitted(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.jobsSubmitted.Inc(kind)
}

// IncJobState records a committed job-level ledger event. Terminal states
// additionally feed the job success SLO; they occur at most once per job
// because terminal rows reject further writes.
func (m *Metrics) IncJobState(state string) {
	if m == nil {
		return
	}
	if state = strings.TrimSpace(state); state == "" {
		state = "unknown"
	}
	m.jobStates.Inc(state)
	switch video.JobState(state) {
	case video.JobCompleted, video.JobFailed, video.JobCancelled:
		m.jobsFinished.Inc()
	}
	if video.JobState(state) == video.JobFailed {
		m.jobsFailed.Inc()
	}
}

// IncClaim records one dispatched stage claim.
func (m *Metrics) IncClaim(stage, class string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	if class == "" {
		class = "unknown"
	}
	m.stageClaims.Inc(stage, class)
}

// ObserveStage records one applied invocation outcome. Verdicts are the
// orchestrator's: succeeded, retry, fallback, fail, give_up, cancelled,
// paused.
func (m *Metrics) ObserveStage(stage, verdict string, dur time.Duration) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	if verdict == "" {
		verdict = "unknown"
	}
	m.stageOutcomes.Inc(stage, verdict)
	if dur > 0 {
		m.stageLatency.Observe(dur.Seconds(), stage, verdict)
	}
	m.stageTotal.Inc()
	switch verdict {
	case "succeeded", "cancelled", "paused":
	default:
		m.stageError.Inc()
	}
}

// ObserveRetryDelay records the backoff assigned to a requeued stage.
func (m *Metrics) ObserveRetryDelay(stage string, delay time.Duration) {
	if m == nil || delay <= 0 {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	m.retryDelay.Observe(delay.Seconds(), stage)
}

func (m *Metrics) AddLeasesReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leasesReaped.Add(float64(n))
}

func (m *Metrics) IncBusPublished() {
	if m == nil {
		return
	}
	m.busPublished.Inc()
}

func (m *Metrics) IncBusDropped() {
	if m == nil {
		return
	}
	m.busDropped.Inc()
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.jobsSubmitted, m.jobStates, m.stageClaims, m.stageOutcomes,
		m.stageLatency, m.retryDelay, m.leasesReaped,
		m.busPublished, m.busDropped,
		m.queueDepth, m.pgStats, m.redisUp, m.redisPing,
		m.sloCompliance, m.sloBudget, m.sloBurn,
		m.stageTotal, m.stageError, m.jobsFinished, m.jobsFailed,
	}
	for _, metric := range writers {
		if err := metric.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

// StartQueueDepthCollector samples jobs-by-state from the durable store.
// Gorm deployments only; the memory store is for tests and dev runs where
// scrape infrastructure is absent anyway.
func (m *Metrics) StartQueueDepthCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	states := []video.JobState{
		video.JobQueued, video.JobRunning, video.JobPaused,
		video.JobCompleted, video.JobFailed, video.JobCancelled,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range states {
					m.queueDepth.Set(0, string(s))
				}
				var rows []struct {
					State string
					Count int64
				}
				if err := db.WithContext(ctx).
					Model(&video.Job{}).
					Select("state, count(*) as count").
					Group("state").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					state := strings.TrimSpace(row.State)
					if state == "" {
						state = "unknown"
					}
					m.queueDepth.Set(float64(row.Count), state)
				}
			}
		}
	}()
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
				m.pgStats.Set(float64(stats.MaxIdleClosed), "max_idle_closed")
				m.pgStats.Set(float64(stats.MaxIdleTimeClosed), "max_idle_time_closed")
				m.pgStats.Set(float64(stats.MaxLifetimeClosed), "max_lifetime_closed")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}
