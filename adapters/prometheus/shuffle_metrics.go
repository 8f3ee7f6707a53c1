package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sakjain92/vpic-shuffle/core/metrics"
	"github.com/sakjain92/vpic-shuffle/core/shuffle"
)

// shuffleMetrics implements shuffle.ShuffleMetrics on top of Prometheus
// counter, gauge, and histogram vectors.
type shuffleMetrics struct {
	sends    *prometheus.CounterVec // {locality}
	recvs    *prometheus.CounterVec // {locality}
	bytes    *prometheus.CounterVec // {locality, direction}
	errors   *prometheus.CounterVec // {op, kind}
	epochs   *prometheus.CounterVec // {transition}
	iqDepth  *prometheus.GaugeVec   // {dst}
	handoff  prometheus.Histogram
}

// NewShuffleMetrics registers and returns a Prometheus-backed
// shuffle.ShuffleMetrics.
func NewShuffleMetrics(reg prometheus.Registerer) shuffle.ShuffleMetrics {
	m := &shuffleMetrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shuffle",
			Name:      "sends_total",
			Help:      "Total writes routed by the shuffle dispatcher.",
		}, []string{"locality"}),
		recvs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shuffle",
			Name:      "recvs_total",
			Help:      "Total deliveries handled by the shuffle dispatcher.",
		}, []string{"locality"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shuffle",
			Name:      "bytes_total",
			Help:      "Total payload bytes moved by the shuffle dispatcher.",
		}, []string{"locality", "direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shuffle",
			Name:      "errors_total",
			Help:      "Total dispatcher errors, by operation and kind.",
		}, []string{"op", "kind"}),
		epochs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shuffle",
			Name:      "epoch_transitions_total",
			Help:      "Total epoch lifecycle transitions.",
		}, []string{"transition"}),
		iqDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shuffle",
			Name:      "outbound_queue_depth",
			Help:      "Current depth of the per-destination outbound queue.",
		}, []string{"dst"}),
		handoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shuffle",
			Name:      "handoff_interval_seconds",
			Help:      "Gap between successive Handle calls.",
			Buckets:   defaultBuckets,
		}),
	}
	reg.MustRegister(m.sends, m.recvs, m.bytes, m.errors, m.epochs, m.iqDepth, m.handoff)
	return m
}

func (m *shuffleMetrics) LocalSend()  { m.sends.WithLabelValues("local").Inc() }
func (m *shuffleMetrics) RemoteSend() { m.sends.WithLabelValues("remote").Inc() }
func (m *shuffleMetrics) LocalRecv()  { m.recvs.WithLabelValues("local").Inc() }
func (m *shuffleMetrics) RemoteRecv() { m.recvs.WithLabelValues("remote").Inc() }

func (m *shuffleMetrics) LocalSendBytes(n int)  { m.bytes.WithLabelValues("local", "send").Add(float64(n)) }
func (m *shuffleMetrics) RemoteSendBytes(n int) { m.bytes.WithLabelValues("remote", "send").Add(float64(n)) }
func (m *shuffleMetrics) LocalRecvBytes(n int)  { m.bytes.WithLabelValues("local", "recv").Add(float64(n)) }
func (m *shuffleMetrics) RemoteRecvBytes(n int) { m.bytes.WithLabelValues("remote", "recv").Add(float64(n)) }

func (m *shuffleMetrics) WriteError(kind string)  { m.errors.WithLabelValues("write", kind).Inc() }
func (m *shuffleMetrics) HandleError(kind string) { m.errors.WithLabelValues("handle", kind).Inc() }

func (m *shuffleMetrics) EpochStarted() { m.epochs.WithLabelValues("started").Inc() }
func (m *shuffleMetrics) EpochEnded()   { m.epochs.WithLabelValues("ended").Inc() }

func (m *shuffleMetrics) IQDepth(dst int, depth int) {
	m.iqDepth.WithLabelValues(strconv.Itoa(dst)).Set(float64(depth))
}

func (m *shuffleMetrics) HandoffInterval() metrics.Timer {
	return newTimer(m.handoff)
}

var _ shuffle.ShuffleMetrics = (*shuffleMetrics)(nil)
