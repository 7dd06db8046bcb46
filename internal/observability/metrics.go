package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the core counters and histograms for the dispatch
// pipeline.
type Metrics struct {
	tasks         *prometheus.CounterVec
	checkouts     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_tasks_total",
		Help: "Total tasks by terminal status.",
	}, []string{"status"})
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_checkouts_total",
		Help: "Total checkout operations by result.",
	}, []string{"result"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_notifications_total",
		Help: "Total terminal-state notifications fired, by task status.",
	}, []string{"status"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_webhook_requests_total",
		Help: "Total inbound webhook requests by result.",
	}, []string{"result"})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatcher_task_duration_seconds",
		Help:    "Task execution duration from dequeue to terminal state.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	tasks = registerCounterVec(registerer, tasks)
	checkouts = registerCounterVec(registerer, checkouts)
	notifications = registerCounterVec(registerer, notifications)
	webhooks = registerCounterVec(registerer, webhooks)
	taskDuration = registerHistogramVec(registerer, taskDuration)

	return &Metrics{
		tasks:         tasks,
		checkouts:     checkouts,
		notifications: notifications,
		webhooks:      webhooks,
		taskDuration:  taskDuration,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncTask(status string) {
	if m == nil || m.tasks == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

func (m *Metrics) IncCheckout(result string) {
	if m == nil || m.checkouts == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncNotification(status string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) IncWebhook(result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTaskDuration(status string, seconds float64) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(status).Observe(seconds)
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerHistogramVec(registerer prometheus.Registerer, hist *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := registerer.Register(hist); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return hist
}
