package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	TasksSubmitted *prometheus.CounterVec
	TasksRejected  prometheus.Counter
	TasksStarted   *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	RunningTasks   prometheus.Gauge
	BatchDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "commissioner",
				Name:      "tasks_submitted_total",
				Help:      "Top-level tasks accepted by the dispatcher.",
			},
			[]string{"type"},
		),
		TasksRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "commissioner",
				Name:      "tasks_rejected_total",
				Help:      "Submissions rejected because the dispatcher was at capacity.",
			},
		),
		TasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "commissioner",
				Name:      "tasks_started_total",
				Help:      "Tasks started, top-level and sub tasks.",
			},
			[]string{"type"},
		),
		TasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "commissioner",
				Name:      "tasks_finished_total",
				Help:      "Tasks that reached a terminal state.",
			},
			[]string{"type", "state"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "commissioner",
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"type"},
		),
		RunningTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "commissioner",
				Name:      "running_tasks",
				Help:      "Top-level tasks currently holding a dispatcher slot.",
			},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "commissioner",
				Name:      "batch_duration_seconds",
				Help:      "Time from batch start until all members finished.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"category", "result"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksSubmitted,
			m.TasksRejected,
			m.TasksStarted,
			m.TasksFinished,
			m.TaskDuration,
			m.RunningTasks,
			m.BatchDuration,
		)
	}
	return m
}

func (m *Metrics) TaskSubmitted(taskType string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(taskType).Inc()
	m.RunningTasks.Inc()
}

func (m *Metrics) TaskRejected() {
	if m == nil {
		return
	}
	m.TasksRejected.Inc()
}

// TopLevelDone releases the running slot counted by TaskSubmitted.
func (m *Metrics) TopLevelDone() {
	if m == nil {
		return
	}
	m.RunningTasks.Dec()
}

func (m *Metrics) TaskStarted(taskType string) {
	if m == nil {
		return
	}
	m.TasksStarted.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskFinished(taskType, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(taskType, state).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *Metrics) BatchFinished(category string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.BatchDuration.WithLabelValues(category, result).Observe(d.Seconds())
}
