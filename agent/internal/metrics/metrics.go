package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "lumberjack"

// Metric names, as exposed on /metrics.
const (
	EventsReceived   = namespace + "_events_received_total"
	EventsAcked      = namespace + "_events_acked_total"
	EventsResent     = namespace + "_events_resent_total"
	BatchesSent      = namespace + "_batches_sent_total"
	ConnectFailures  = namespace + "_connect_failures_total"
	Reconnects       = namespace + "_reconnects_total"
	DeliveryFailures = namespace + "_delivery_failures_total"
	BufferedEvents   = namespace + "_buffered_events"
	PendingEvents    = namespace + "_pending_events"
	AckLatency       = namespace + "_ack_latency_seconds"
)

// Failure reasons used as the "reason" label of DeliveryFailures.
const (
	ReasonTimeout    = "timeout"
	ReasonConnection = "connection"
	ReasonProtocol   = "protocol"
)

// Metrics is the set of instruments updated by the delivery worker.
type Metrics struct {
	reg *prometheus.Registry

	EventsReceived   prometheus.Counter
	EventsAcked      prometheus.Counter
	EventsResent     prometheus.Counter
	BatchesSent      prometheus.Counter
	ConnectFailures  *prometheus.CounterVec
	Reconnects       prometheus.Counter
	DeliveryFailures *prometheus.CounterVec
	Buffered         prometheus.Gauge
	Pending          prometheus.Gauge
	AckLatency       prometheus.Histogram
}

// New creates the instruments and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: EventsReceived,
			Help: "Events accepted by Receive.",
		}),
		EventsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: EventsAcked,
			Help: "Events acknowledged by the collector.",
		}),
		EventsResent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: EventsResent,
			Help: "Events written again after a partial ack or a failed window.",
		}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: BatchesSent,
			Help: "Windows written to the collector, including resends.",
		}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ConnectFailures,
			Help: "Failed connection attempts by collector address.",
		}, []string{"addr"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: Reconnects,
			Help: "Successful connections after the first one.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: DeliveryFailures,
			Help: "Windows abandoned on the current connection, by reason.",
		}, []string{"reason"}),
		Buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: BufferedEvents,
			Help: "Events waiting in the buffer.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: PendingEvents,
			Help: "Events sent or about to be sent and not yet acknowledged.",
		}),
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    AckLatency,
			Help:    "Time from writing a window to reading its final ack.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	m.reg.MustRegister(
		m.EventsReceived, m.EventsAcked, m.EventsResent, m.BatchesSent,
		m.ConnectFailures, m.Reconnects, m.DeliveryFailures,
		m.Buffered, m.Pending, m.AckLatency,
	)
	return m
}

// Registry returns the registry holding the instruments. Callers may register
// extra collectors on it.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Value returns the current value of the named metric summed across labels.
// Histograms report their sample count. Unknown names return 0.
func (m *Metrics) Value(name string) float64 {
	mfs, err := m.reg.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return sumFamily(mf)
		}
	}
	return 0
}

// Snapshot returns every metric family summed across labels, keyed by name.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	mfs, err := m.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]float64, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = sumFamily(mf)
	}
	return out, nil
}

// WriteText writes every metric family in the Prometheus text format, sorted
// by name.
func (m *Metrics) WriteText(w io.Writer) error {
	mfs, err := m.reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("metrics: write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		case m.Histogram != nil:
			total += float64(m.Histogram.GetSampleCount())
		}
	}
	return total
}
