package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// rollingSum keeps a fixed-size ring of per-interval deltas so SLIs are
// computed over a sliding window instead of process lifetime.
type rollingSum struct {
	values []float64
	idx    int
	total  float64
}

func newRollingSum(size int) *rollingSum {
	if size < 1 {
		size = 1
	}
	return &rollingSum{values: make([]float64, size)}
}

func (r *rollingSum) add(v float64) {
	r.total += v - r.values[r.idx]
	r.values[r.idx] = v
	r.idx++
	if r.idx >= len(r.values) {
		r.idx = 0
	}
}

type sloTarget struct {
	name   string
	target float64
	bad    *rollingSum
	total  *rollingSum
}

type sloEvaluator struct {
	metrics  *Metrics
	log      *logger.Logger
	interval time.Duration
	window   time.Duration

	jobSuccess   *sloTarget
	stageSuccess *sloTarget
	busDelivery  *sloTarget

	prevJobsFinished float64
	prevJobsFailed   float64
	prevStageTotal   float64
	prevStageError   float64
	prevBusPublished float64
	prevBusDropped   float64

	webhookURL    string
	burnWarn      float64
	burnCrit      float64
	alertCooldown time.Duration
	lastAlerts    map[string]time.Time
}

// StartSLOEvaluator periodically turns raw counters into windowed SLIs,
// error-budget burn rates, and webhook alerts. Gated by SLO_ENABLED.
func (m *Metrics) StartSLOEvaluator(ctx context.Context, log *logger.Logger) {
	if m == nil || !sloEnabled() {
		return
	}
	ev := newSLOEvaluator(m, log)
	go ev.run(ctx)
}

func newSLOEvaluator(m *Metrics, log *logger.Logger) *sloEvaluator {
	interval := parseDurationSeconds("SLO_EVAL_INTERVAL_SECONDS", 60*time.Second)
	windowHours := parseSLOFloat("SLO_WINDOW_HOURS", 720)
	window := time.Duration(windowHours * float64(time.Hour))
	size := int(window / interval)
	if size < 1 {
		size = 1
	}

	mk := func(name, env string, def float64) *sloTarget {
		return &sloTarget{
			name:   name,
			target: clamp01(parseSLOFloat(env, def)),
			bad:    newRollingSum(size),
			total:  newRollingSum(size),
		}
	}

	return &sloEvaluator{
		metrics:  m,
		log:      log,
		interval: interval,
		window:   window,

		jobSuccess:   mk("job_success", "SLO_JOB_SUCCESS_TARGET", 0.99),
		stageSuccess: mk("stage_success", "SLO_STAGE_SUCCESS_TARGET", 0.95),
		busDelivery:  mk("bus_delivery", "SLO_BUS_DELIVERY_TARGET", 0.999),

		webhookURL:    strings.TrimSpace(os.Getenv("SLO_ALERT_WEBHOOK_URL")),
		burnWarn:      parseSLOFloat("SLO_ALERT_BURN_WARN", 2),
		burnCrit:      parseSLOFloat("SLO_ALERT_BURN_CRIT", 10),
		alertCooldown: parseDurationSeconds("SLO_ALERT_MIN_INTERVAL_SECONDS", 900*time.Second),
		lastAlerts:    map[string]time.Time{},
	}
}

func (e *sloEvaluator) run(ctx context.Context) {
	if e.log != nil {
		e.log.Info("SLO evaluator started",
			"interval", e.interval.String(),
			"window", formatWindowLabel(e.window))
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluate()
		}
	}
}

func (e *sloEvaluator) evaluate() {
	finished := e.metrics.jobsFinished.Value()
	failed := e.metrics.jobsFailed.Value()
	stageTotal := e.metrics.stageTotal.Value()
	stageError := e.metrics.stageError.Value()
	published := e.metrics.busPublished.Value()
	dropped := e.metrics.busDropped.Value()

	e.jobSuccess.total.add(delta(finished, e.prevJobsFinished))
	e.jobSuccess.bad.add(delta(failed, e.prevJobsFailed))
	e.stageSuccess.total.add(delta(stageTotal, e.prevStageTotal))
	e.stageSuccess.bad.add(delta(stageError, e.prevStageError))
	e.busDelivery.total.add(delta(published, e.prevBusPublished))
	e.busDelivery.bad.add(delta(dropped, e.prevBusDropped))

	e.prevJobsFinished = finished
	e.prevJobsFailed = failed
	e.prevStageTotal = stageTotal
	e.prevStageError = stageError
	e.prevBusPublished = published
	e.prevBusDropped = dropped

	for _, t := range []*sloTarget{e.jobSuccess, e.stageSuccess, e.busDelivery} {
		e.evalSLO(t)
	}
}

func (e *sloEvaluator) evalSLO(t *sloTarget) {
	windowLabel := formatWindowLabel(e.window)

	var sli, burn, budget float64
	if t.total.total <= 0 {
		sli, burn, budget = 1, 0, 1
	} else {
		sli = 1 - t.bad.total/t.total.total
		if t.target < 1 {
			burn = (1 - sli) / (1 - t.target)
		} else if sli < 1 {
			burn = e.burnCrit
		}
		budget = clamp01(1 - burn)
	}

	e.metrics.sloCompliance.Set(clamp01(sli), t.name, windowLabel)
	e.metrics.sloBudget.Set(budget, t.name, windowLabel)
	e.metrics.sloBurn.Set(burn, t.name, windowLabel)

	severity := ""
	switch {
	case burn >= e.burnCrit:
		severity = "critical"
	case burn >= e.burnWarn:
		severity = "warning"
	}
	if severity == "" {
		return
	}

	if e.log != nil {
		e.log.Warn("SLO burn threshold exceeded",
			"slo", t.name,
			"severity", severity,
			"sli", fmt.Sprintf("%.5f", sli),
			"burn_rate", fmt.Sprintf("%.2f", burn),
			"target", fmt.Sprintf("%.5f", t.target))
	}

	key := t.name + "/" + severity
	if last, ok := e.lastAlerts[key]; ok && time.Since(last) < e.alertCooldown {
		return
	}
	e.lastAlerts[key] = time.Now()
	e.sendAlert(t.name, severity, sli, burn, t.target)
}

func (e *sloEvaluator) sendAlert(slo, severity string, sli, burn, target float64) {
	if e.webhookURL == "" {
		return
	}
	payload := map[string]any{
		"slo":       slo,
		"severity":  severity,
		"sli":       sli,
		"burn_rate": burn,
		"target":    target,
		"window":    formatWindowLabel(e.window),
		"at":        time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	go func() {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(e.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			if e.log != nil {
				e.log.Warn("SLO alert webhook failed", "error", err)
			}
			return
		}
		_ = resp.Body.Close()
	}()
}

func delta(current, previous float64) float64 {
	d := current - previous
	if d < 0 {
		return 0
	}
	return d
}

func parseDurationSeconds(env string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func parseSLOFloat(env string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func formatWindowLabel(window time.Duration) string {
	hours := int(window.Hours())
	if hours >= 24 && hours%24 == 0 {
		return fmt.Sprintf("%dd", hours/24)
	}
	return fmt.Sprintf("%dh", hours)
}

func sloEnabled() bool {
	v := strings.TrimSpace(os.Getenv("SLO_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
