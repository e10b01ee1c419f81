package dhcp

import (
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dhcpd"

// LeaseCounter is the read side of the lease table the gauges sample.
type LeaseCounter interface {
	ActiveCount() int
	DeclinedCount() int
}

// Metrics holds the Prometheus collectors for packet processing. A nil
// *Metrics records nothing.
type Metrics struct {
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

// NewMetrics registers the packet counters, and lease gauges when leases is
// non-nil, with reg.
func NewMetrics(reg prometheus.Registerer, leases LeaseCounter) (*Metrics, error) {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Decoded DHCP packets by message type.",
		}, []string{"message_type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_sent_total",
			Help:      "DHCP responses produced by message type.",
		}, []string{"message_type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets that produced no response, by reason.",
		}, []string{"reason"}),
	}
	collectors := []prometheus.Collector{m.received, m.sent, m.dropped}
	if leases != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "leases_active",
				Help:      "Unexpired leases in the lease table.",
			}, func() float64 { return float64(leases.ActiveCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "addresses_declined",
				Help:      "Addresses cooling down after a DECLINE.",
			}, func() float64 { return float64(leases.DeclinedCount()) }),
		)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeReceived(mt dhcpv4.MessageType) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(messageLabel(mt)).Inc()
}

func (m *Metrics) observeSent(mt dhcpv4.MessageType) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(messageLabel(mt)).Inc()
}

func (m *Metrics) observeDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func messageLabel(mt dhcpv4.MessageType) string {
	if mt == dhcpv4.MessageTypeNone {
		return "none"
	}
	return strings.ToLower(mt.String())
}
