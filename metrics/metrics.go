// Package metrics implements xhci.Metrics on top of a Prometheus
// registry, grounded on the counters usbip-device-plugin registers
// against its own prometheus.Registry in main.go.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c35s/xhci/trb"
)

// Metrics is a Prometheus-backed implementation of xhci.Metrics.
type Metrics struct {
	commandsCompleted  *prometheus.CounterVec
	transfersCompleted *prometheus.CounterVec
	eventRingOverflows prometheus.Counter
	doorbellsRung      *prometheus.CounterVec
}

// New builds a Metrics and registers its collectors against r.
func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xhci",
			Name:      "commands_completed_total",
			Help:      "Command TRBs completed, by completion code.",
		}, []string{"code"}),

		transfersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xhci",
			Name:      "transfers_completed_total",
			Help:      "Transfers completed, by completion code.",
		}, []string{"code"}),

		eventRingOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xhci",
			Name:      "event_ring_overflows_total",
			Help:      "Times the event ring filled and a synthetic overflow event was inserted.",
		}),

		doorbellsRung: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xhci",
			Name:      "doorbells_rung_total",
			Help:      "Doorbell register writes, by slot id.",
		}, []string{"slot"}),
	}

	r.MustRegister(m.commandsCompleted, m.transfersCompleted, m.eventRingOverflows, m.doorbellsRung)

	return m
}

func (m *Metrics) CommandCompleted(code trb.CompletionCode) {
	m.commandsCompleted.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) TransferCompleted(code trb.CompletionCode) {
	m.transfersCompleted.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) EventRingOverflowed() {
	m.eventRingOverflows.Inc()
}

func (m *Metrics) DoorbellRung(slot uint8) {
	m.doorbellsRung.WithLabelValues(strconv.Itoa(int(slot))).Inc()
}
