package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics exposes counters for session lifecycle and dispatch flows.
// All methods are nil-safe so components can run without metrics wired.
type GatewayMetrics struct {
	connectAttempts prometheus.Counter
	reconnects      prometheus.Counter
	closesTotal     *prometheus.CounterVec
	phaseChanges    *prometheus.CounterVec
	sendsTotal      *prometheus.CounterVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsgate",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Total transport connection attempts",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsgate",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Total automatic reconnects after a recoverable close",
		}),
		closesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsgate",
			Subsystem: "session",
			Name:      "closes_total",
			Help:      "Transport closes by reason",
		}, []string{"reason"}),
		phaseChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsgate",
			Subsystem: "session",
			Name:      "phase_changes_total",
			Help:      "Session phase transitions",
		}, []string{"phase"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsgate",
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Outbound message sends by mode and status",
		}, []string{"mode", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.connectAttempts, m.reconnects, m.closesTotal, m.phaseChanges, m.sendsTotal)
	return m
}

func (m *GatewayMetrics) ObserveConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *GatewayMetrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *GatewayMetrics) ObserveClose(reason string) {
	if m == nil {
		return
	}
	m.closesTotal.WithLabelValues(reason).Inc()
}

func (m *GatewayMetrics) ObservePhase(phase string) {
	if m == nil {
		return
	}
	m.phaseChanges.WithLabelValues(phase).Inc()
}

func (m *GatewayMetrics) ObserveSend(mode string, succeeded bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !succeeded {
		status = "error"
	}
	m.sendsTotal.WithLabelValues(mode, status).Inc()
}
