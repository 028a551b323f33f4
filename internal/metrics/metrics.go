// Package metrics exposes Prometheus collectors for poll exchanges, logged
// fixes and link quality.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
)

// Collector bundles the range test metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Exchanges        *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	Rows             *prometheus.CounterVec
	Notes            *prometheus.CounterVec

	Distance   prometheus.Gauge
	Satellites prometheus.Gauge
	TxPower    *prometheus.GaugeVec
	RSSI       *prometheus.GaugeVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry reuses the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	exchanges, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "georange_exchanges_total",
		Help: "Command exchanges by node, role and outcome.",
	}, []string{"node", "role", "outcome"}), "georange_exchanges_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "georange_exchange_duration_seconds",
		Help:    "Time from registering the response predicate to resolution.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"role"}), "georange_exchange_duration_seconds")
	if err != nil {
		return nil, err
	}

	rows, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "georange_rows_total",
		Help: "Data rows appended to the telemetry log.",
	}, []string{"role"}), "georange_rows_total")
	if err != nil {
		return nil, err
	}

	notes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "georange_notes_total",
		Help: "Exchanges that produced no data row, by node and note.",
	}, []string{"node", "note"}), "georange_notes_total")
	if err != nil {
		return nil, err
	}

	distance, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "georange_distance_meters",
		Help: "Distance of the latest logged fix from the first one.",
	}), "georange_distance_meters")
	if err != nil {
		return nil, err
	}

	satellites, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "georange_satellites",
		Help: "Satellites in use for the latest logged fix.",
	}), "georange_satellites")
	if err != nil {
		return nil, err
	}

	txPower, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "georange_tx_power_dbm",
		Help: "Transmit power of the latest exchange per node.",
	}, []string{"node"}), "georange_tx_power_dbm")
	if err != nil {
		return nil, err
	}

	rssi, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "georange_rssi_dbm",
		Help: "Acknowledgement RSSI of the latest exchange per node, when measured.",
	}, []string{"node"}), "georange_rssi_dbm")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		Exchanges:        exchanges,
		ExchangeDuration: durations,
		Rows:             rows,
		Notes:            notes,
		Distance:         distance,
		Satellites:       satellites,
		TxPower:          txPower,
		RSSI:             rssi,
	}, nil
}

// ObserveExchange counts one finished exchange.
func (c *Collector) ObserveExchange(node transport.NodeID, role, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.Exchanges.WithLabelValues(nodeLabel(node), role, outcome).Inc()
	c.ExchangeDuration.WithLabelValues(role).Observe(latency.Seconds())
}

// ObserveFix records a logged primary fix and its distance.
func (c *Collector) ObserveFix(fix geo.Fix, distance float64) {
	if c == nil {
		return
	}
	c.Rows.WithLabelValues("primary").Inc()
	c.Distance.Set(distance)
	c.Satellites.Set(float64(fix.Satellites))
}

// ObserveRow counts a logged secondary row.
func (c *Collector) ObserveRow(role string) {
	if c == nil {
		return
	}
	c.Rows.WithLabelValues(role).Inc()
}

// ObserveSignal records link metrics. An unavailable RSSI leaves the gauge
// untouched.
func (c *Collector) ObserveSignal(node transport.NodeID, txPower int, rssi transport.Reading) {
	if c == nil {
		return
	}
	label := nodeLabel(node)
	c.TxPower.WithLabelValues(label).Set(float64(txPower))
	if v, ok := rssi.Value(); ok {
		c.RSSI.WithLabelValues(label).Set(float64(v))
	}
}

// ObserveNote counts an exchange that produced no data row.
func (c *Collector) ObserveNote(node transport.NodeID, note string) {
	if c == nil {
		return
	}
	c.Notes.WithLabelValues(nodeLabel(node), note).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func nodeLabel(node transport.NodeID) string {
	return strconv.Itoa(int(node))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
