// Package metrics provides Prometheus metrics for quietbridge.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "quietbridge"

// OverflowPlayer is used as the player label when the number of unique
// players exceeds MaxPlayers.
const OverflowPlayer = "__other__"

const (
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonHandshakeError     = "handshake_error"
	ReasonAuthFailed         = "auth_failed"
	ReasonIdentityError      = "identity_error"
	ReasonDialFailed         = "dial_failed"
	ReasonDialTimeout        = "dial_timeout"
	ReasonUpstreamLogin      = "upstream_login_failed"
	ReasonCapacity           = "capacity"
)

// Metrics holds all Prometheus metrics for quietbridge.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxPlayers is the maximum number of unique player label values.
	// Once exceeded, new players are recorded as OverflowPlayer.
	// Zero means unlimited.
	MaxPlayers int

	connectionsTotal *prometheus.CounterVec
	connectionErrors *prometheus.CounterVec
	chatMessages     *prometheus.CounterVec
	noticesTotal     *prometheus.CounterVec
	quietToggles     *prometheus.CounterVec
	detachesTotal    prometheus.Counter
	reattachesTotal  prometheus.Counter
	bridgesTotal     *prometheus.CounterVec
	activeBridges    *prometheus.GaugeVec
	bridgeDuration   prometheus.Histogram
	dialDuration     prometheus.Histogram

	playerCount atomic.Int64
	players     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total downstream connections accepted, by requested state.",
		}, []string{"kind"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connections that failed before bridging, by reason.",
		}, []string{"reason"}),

		chatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages seen by bridges, by direction and verdict.",
		}, []string{"player", "direction", "verdict"}),

		noticesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "Notices synthesized by the proxy and sent to players.",
		}, []string{"player"}),

		quietToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quiet_toggles_total",
			Help:      "Quiet mode toggles, by the resulting state.",
		}, []string{"state"}),

		detachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detaches_total",
			Help:      "Downstream disconnects that left the upstream session running.",
		}),

		reattachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reattaches_total",
			Help:      "Downstream connections attached to a detached upstream session.",
		}),

		bridgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridges_total",
			Help:      "Total bridges that terminated, by outcome.",
		}, []string{"status"}),

		activeBridges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridges",
			Help:      "Number of live bridges, by state.",
		}, []string{"state"}),

		bridgeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_duration_seconds",
			Help:      "Lifetime of terminated bridges in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 14400, 43200},
		}),

		dialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_duration_seconds",
			Help:      "Time spent dialing and logging in to the upstream server, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionErrors,
		m.chatMessages,
		m.noticesTotal,
		m.quietToggles,
		m.detachesTotal,
		m.reattachesTotal,
		m.bridgesTotal,
		m.activeBridges,
		m.bridgeDuration,
		m.dialDuration,
	)

	return m
}

// SanitizePlayer returns player if it is within the cardinality budget,
// or OverflowPlayer if the cap has been reached. Players that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizePlayer(player string) string {
	if m == nil {
		return player
	}
	if m.MaxPlayers <= 0 {
		return player
	}

	for {
		// Fast path: already-known player.
		if _, ok := m.players.Load(player); ok {
			return player
		}

		cur := m.playerCount.Load()
		if cur >= int64(m.MaxPlayers) {
			// Re-check: another goroutine may have stored this player
			// between our Load and this cap check.
			if _, ok := m.players.Load(player); ok {
				return player
			}
			return OverflowPlayer
		}

		// Try to reserve a slot atomically.
		if !m.playerCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the player, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.players.LoadOrStore(player, struct{}{}); loaded {
			m.playerCount.Add(-1)
		}

		return player
	}
}

// ConnectionAccepted counts a downstream connection that finished its
// handshake. kind is "status" or "login".
func (m *Metrics) ConnectionAccepted(kind string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(kind).Inc()
}

// ConnectionError records a connection failure that did not reach the bridge.
func (m *Metrics) ConnectionError(reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(reason).Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback. Use this to distinguish timeout errors from other dial
// failures in metrics.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an upstream dial and login took.
func (m *Metrics) ObserveDialDuration(seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.Observe(seconds)
}

// ChatMessage counts one chat verdict.
func (m *Metrics) ChatMessage(player, direction, verdict string) {
	if m == nil {
		return
	}
	m.chatMessages.WithLabelValues(m.SanitizePlayer(player), direction, verdict).Inc()
}

// NoticeSent counts one synthesized notice.
func (m *Metrics) NoticeSent(player string) {
	if m == nil {
		return
	}
	m.noticesTotal.WithLabelValues(m.SanitizePlayer(player)).Inc()
}

// QuietToggled counts a quiet mode toggle.
func (m *Metrics) QuietToggled(enabled bool) {
	if m == nil {
		return
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	m.quietToggles.WithLabelValues(state).Inc()
}

// Detached counts a downstream disconnect that kept the upstream session.
func (m *Metrics) Detached() {
	if m == nil {
		return
	}
	m.detachesTotal.Inc()
}

// Reattached counts a downstream attached to a detached session.
func (m *Metrics) Reattached() {
	if m == nil {
		return
	}
	m.reattachesTotal.Inc()
}

// BridgeTransition moves one bridge between state gauges. An empty from or
// to means the bridge is entering or leaving the set of live bridges.
func (m *Metrics) BridgeTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.activeBridges.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.activeBridges.WithLabelValues(to).Inc()
	}
}

// BridgeDone records the end of a bridge.
func (m *Metrics) BridgeDone(durationSec float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.bridgesTotal.WithLabelValues(status).Inc()
	m.bridgeDuration.Observe(durationSec)
}
