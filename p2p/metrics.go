package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	sessions   prometheus.Gauge
	connecting prometheus.Gauge
	buffered   prometheus.Gauge

	passes      prometheus.Counter
	bans        prometheus.Counter
	pruned      prometheus.Counter
	bufferDrops *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
	pushes      prometheus.Counter

	meter            metric.Meter
	passCounter      metric.Int64Counter
	banCounter       metric.Int64Counter
	broadcastCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ore_p2p_sessions",
				Help: "Registered peer sessions.",
			}),
			connecting: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ore_p2p_connecting_sockets",
				Help: "Half-open outbound connects.",
			}),
			buffered: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ore_p2p_buffered_messages",
				Help: "Unsolicited messages buffered for replay.",
			}),
			passes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ore_p2p_state_machine_passes_total",
				Help: "Completed full passes of the work state machine.",
			}),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ore_p2p_bans_total",
				Help: "Deny entries written for misbehaving peers.",
			}),
			pruned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ore_p2p_pruned_sessions_total",
				Help: "Sessions evicted by capacity pruning.",
			}),
			bufferDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ore_p2p_buffer_drops_total",
				Help: "Unsolicited messages dropped at a full buffer, by kind.",
			}, []string{"kind"}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ore_p2p_broadcast_messages_total",
				Help: "Broadcast fan-out sends queued, by kind.",
			}, []string{"kind"}),
			pushes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ore_p2p_antientropy_pushes_total",
				Help: "Blocks and microblock streams pushed by anti-entropy.",
			}),
		}
		prometheus.MustRegister(
			nm.sessions, nm.connecting, nm.buffered,
			nm.passes, nm.bans, nm.pruned,
			nm.bufferDrops, nm.broadcasts, nm.pushes,
		)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("orechain/p2p")
	passCounter, err := meter.Int64Counter("ore.p2p.state_machine_passes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("orechain/p2p")
		passCounter, _ = fallback.Int64Counter("ore.p2p.state_machine_passes")
		meter = fallback
	}
	banCounter, err := meter.Int64Counter("ore.p2p.bans")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("orechain/p2p")
		banCounter, _ = fallback.Int64Counter("ore.p2p.bans")
		meter = fallback
	}
	broadcastCounter, err := meter.Int64Counter("ore.p2p.broadcasts")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("orechain/p2p")
		broadcastCounter, _ = fallback.Int64Counter("ore.p2p.broadcasts")
		meter = fallback
	}
	m.meter = meter
	m.passCounter = passCounter
	m.banCounter = banCounter
	m.broadcastCounter = broadcastCounter
}

func (m *networkMetrics) observeSessions(sessions, connecting int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.connecting.Set(float64(connecting))
}

func (m *networkMetrics) observeBuffered(count int) {
	if m == nil {
		return
	}
	m.buffered.Set(float64(count))
}

func (m *networkMetrics) recordPass() {
	if m == nil {
		return
	}
	m.passes.Inc()
	if m.passCounter != nil {
		m.passCounter.Add(context.Background(), 1)
	}
}

func (m *networkMetrics) recordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
	if m.banCounter != nil {
		m.banCounter.Add(context.Background(), 1)
	}
}

func (m *networkMetrics) recordPrune(count int) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(count))
}

func (m *networkMetrics) recordBufferDrop(kind MessageKind) {
	if m == nil {
		return
	}
	m.bufferDrops.WithLabelValues(kind.String()).Inc()
}

func (m *networkMetrics) recordBroadcast(kind MessageKind, receivers int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind.String()).Add(float64(receivers))
	if m.broadcastCounter != nil {
		m.broadcastCounter.Add(
			context.Background(),
			int64(receivers),
			metric.WithAttributes(attribute.String("kind", kind.String())),
		)
	}
}

func (m *networkMetrics) recordAntiEntropyPush(count int) {
	if m == nil {
		return
	}
	m.pushes.Add(float64(count))
}
