// Package metrics 自动化核心的 prometheus 指标，所有方法对 nil 接收者安全。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notebookwing"

type Metrics struct {
	resolutions     *prometheus.CounterVec
	stepAttempts    *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	workflows       *prometheus.HistogramVec
	snapshots       prometheus.Counter
	sessionRestarts prometheus.Counter
}

// New 创建指标并注册到 reg，reg 为 nil 时不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "element_resolutions_total",
			Help:      "Element resolutions by logical target, winning strategy index and outcome.",
		}, []string{"target", "strategy", "outcome"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Workflow step attempts by outcome.",
		}, []string{"workflow", "step", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_fallbacks_total",
			Help:      "Manual fallback requests by outcome.",
		}, []string{"workflow", "outcome"}),
		workflows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow durations by terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"workflow", "outcome"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_snapshots_total",
			Help:      "Error snapshots written.",
		}),
		sessionRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_restarts_total",
			Help:      "Browser sessions recreated after a failed liveness probe.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.resolutions, m.stepAttempts, m.fallbacks, m.workflows, m.snapshots, m.sessionRestarts)
	}
	return m
}

// ObserveResolution strategy 为 -1 表示全部策略耗尽
func (m *Metrics) ObserveResolution(target string, strategy int, found bool) {
	if m == nil {
		return
	}
	outcome := "found"
	if !found {
		outcome = "not_found"
	}
	m.resolutions.WithLabelValues(target, strconv.Itoa(strategy), outcome).Inc()
}

func (m *Metrics) ObserveStep(workflow, step, outcome string) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(workflow, step, outcome).Inc()
}

func (m *Metrics) ObserveFallback(workflow, outcome string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(workflow, outcome).Inc()
}

func (m *Metrics) ObserveWorkflow(workflow, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(workflow, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncSnapshots() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

func (m *Metrics) IncSessionRestarts() {
	if m == nil {
		return
	}
	m.sessionRestarts.Inc()
}
