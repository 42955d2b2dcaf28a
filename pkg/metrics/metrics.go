package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// HistogramBuckets are in milliseconds. Provider calls usually land under 2s
// but a slow acquirer can hold a charge for tens of seconds.
var HistogramBuckets = []float64{
	25, 50, 100, 200, 300, 500,
	750, 1000, 1500, 2000,
	3000, 5000, 7500, 10000, 15000,
	30000, 60000, 120000,
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description, Buckets: HistogramBuckets},
			m.Args,
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	}
	return metric
}

var MetricsBusinessProcess = &Metric{
	ID:          "bpDur",
	Name:        "bp_dur",
	Description: "process latency in milliseconds",
	Type:        "histogram_vec",
	Args:        []string{"type", "subtype"},
}

var MetricsChargeResult = &Metric{
	ID:          "chargeTotal",
	Name:        "billing_charge_total",
	Description: "Recurring charge outcomes, partitioned by result.",
	Type:        "counter_vec",
	Args:        []string{"result"},
}

var MetricsWebhookEvent = &Metric{
	ID:          "webhookTotal",
	Name:        "billing_webhook_total",
	Description: "Provider webhook deliveries, partitioned by event type and handling status.",
	Type:        "counter_vec",
	Args:        []string{"event_type", "status"},
}

const (
	RefererKey = "X-Referer"
)

// Recorder exposes the billing business metrics. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	process  *prometheus.HistogramVec
	charges  *prometheus.CounterVec
	webhooks *prometheus.CounterVec
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	return &Recorder{
		process:  register(reg, MetricsBusinessProcess).(*prometheus.HistogramVec),
		charges:  register(reg, MetricsChargeResult).(*prometheus.CounterVec),
		webhooks: register(reg, MetricsWebhookEvent).(*prometheus.CounterVec),
	}
}

// register returns the already registered collector when the same metric
// was registered before, so multiple recorders can share one registry.
func register(reg prometheus.Registerer, m *Metric) prometheus.Collector {
	c := NewMetric(m, "")
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			c = are.ExistingCollector
		}
	}
	m.MetricCollector = c
	return c
}

func (r *Recorder) ObserveProcess(typ, subtype string, start time.Time) {
	if r == nil {
		return
	}
	r.process.WithLabelValues(typ, subtype).Observe(MillisecondsSince(start))
}

func (r *Recorder) ObserveCharge(result string) {
	if r == nil {
		return
	}
	r.charges.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveWebhook(eventType, status string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(eventType, status).Inc()
}

var Module = fx.Options(
	fx.Provide(func() *Recorder { return NewRecorder(prometheus.DefaultRegisterer) }),
)
