package atc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess     = "success"
	resultFailure     = "failure"
	resultRateLimited = "rate_limited"
)

// Metrics counts requests and events across devices. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	events   *prometheus.CounterVec
	devices  *prometheus.GaugeVec
}

// NewMetrics creates the device metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atc_requests_total",
				Help: "Requests handled by devices, by product type, action and result",
			},
			[]string{"product_type", "action", "result"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atc_events_total",
				Help: "Events sent by devices, by product type, action and result",
			},
			[]string{"product_type", "action", "result"},
		),
		devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atc_devices",
				Help: "Devices held by the hub, by product type",
			},
			[]string{"product_type"},
		),
	}

	for _, c := range []prometheus.Collector{m.requests, m.events, m.devices} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) request(productType string, action string, success bool) {
	if m == nil {
		return
	}

	result := resultSuccess
	if !success {
		result = resultFailure
	}

	m.requests.WithLabelValues(productType, action, result).Inc()
}

func (m *Metrics) event(productType string, action string, result string) {
	if m == nil {
		return
	}

	m.events.WithLabelValues(productType, action, result).Inc()
}

func (m *Metrics) deviceAdded(productType string) {
	if m == nil {
		return
	}

	m.devices.WithLabelValues(productType).Inc()
}

func (m *Metrics) deviceRemoved(productType string) {
	if m == nil {
		return
	}

	m.devices.WithLabelValues(productType).Dec()
}
