package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/internal/types"
)

// PrometheusOptions configures a Prometheus Collector.
type PrometheusOptions struct {
	// Namespace and Subsystem prefix every metric name, following the
	// promauto convention (e.g. "sip_core_requests_total").
	Namespace string
	Subsystem string
	// Registerer receives every metric this package registers; nil
	// uses prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Prometheus is a Collector backed by client_golang counters and a
// gauge sampling a dialog.Manager's live dialog count.
type Prometheus struct {
	requestsTotal   *prometheus.CounterVec
	responsesTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	dialogsActive   prometheus.GaugeFunc
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus registers a Prometheus Collector's metrics against
// opts.Registerer (or the default registry) and returns it. dialogs,
// if non-nil, backs a gauge sampling its live Count() on every scrape;
// pass nil to skip the gauge (e.g. a process instrumenting only the
// request/response counters).
func NewPrometheus(opts PrometheusOptions, dialogs *dialog.Manager) *Prometheus {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	p := &Prometheus{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "requests_total",
			Help:      "Total number of inbound requests accepted for dispatch, by method.",
		}, []string{"method"}),
		responsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "responses_total",
			Help:      "Total number of inbound responses processed, by status code.",
		}, []string{"status"}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "requests_dropped_total",
			Help:      "Total number of inbound requests rejected before dispatch, by reason.",
		}, []string{"reason"}),
	}

	if dialogs != nil {
		p.dialogsActive = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      "dialogs_active",
			Help:      "Number of dialogs currently tracked by the dialog manager.",
		}, func() float64 { return float64(dialogs.Count()) })
	}

	return p
}

func (p *Prometheus) RequestReceived(method types.RequestMethod) {
	p.requestsTotal.WithLabelValues(string(method)).Inc()
}

func (p *Prometheus) ResponseReceived(status types.ResponseStatus) {
	p.responsesTotal.WithLabelValues(strconv.Itoa(int(status))).Inc()
}

func (p *Prometheus) RequestDropped(reason string) {
	p.droppedTotal.WithLabelValues(reason).Inc()
}
