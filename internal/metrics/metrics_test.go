package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c, reg
}

func TestCollector_ObserveExchange(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveExchange(2, "primary", "success", 40*time.Millisecond)
	c.ObserveExchange(2, "primary", "nack", time.Millisecond)
	c.ObserveExchange(2, "primary", "success", 60*time.Millisecond)

	if got := testutil.ToFloat64(c.Exchanges.WithLabelValues("2", "primary", "success")); got != 2 {
		t.Errorf("georange_exchanges_total{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Exchanges.WithLabelValues("2", "primary", "nack")); got != 1 {
		t.Errorf("georange_exchanges_total{nack} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.ExchangeDuration); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestCollector_ObserveFixAndSignal(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveFix(geo.Fix{Satellites: 9}, 123.5)
	c.ObserveRow("secondary")
	c.ObserveSignal(3, 4, transport.Measured(-71))
	c.ObserveSignal(3, 5, transport.Unavailable)

	if got := testutil.ToFloat64(c.Distance); got != 123.5 {
		t.Errorf("georange_distance_meters = %v, want 123.5", got)
	}
	if got := testutil.ToFloat64(c.Satellites); got != 9 {
		t.Errorf("georange_satellites = %v, want 9", got)
	}
	if got := testutil.ToFloat64(c.Rows.WithLabelValues("primary")); got != 1 {
		t.Errorf("rows{primary} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Rows.WithLabelValues("secondary")); got != 1 {
		t.Errorf("rows{secondary} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.TxPower.WithLabelValues("3")); got != 5 {
		t.Errorf("tx power = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.RSSI.WithLabelValues("3")); got != -71 {
		t.Errorf("rssi = %v, want -71 (unavailable must not overwrite)", got)
	}
}

func TestCollector_ObserveNote(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveNote(2, "NACK")
	c.ObserveNote(2, "NACK")

	if got := testutil.ToFloat64(c.Notes.WithLabelValues("2", "NACK")); got != 2 {
		t.Errorf("georange_notes_total = %v, want 2", got)
	}
}

func TestNewCollector_ReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector() error = %v", err)
	}

	first.ObserveNote(4, "no response")
	if got := testutil.ToFloat64(second.Notes.WithLabelValues("4", "no response")); got != 1 {
		t.Errorf("shared counter = %v, want 1", got)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveExchange(1, "primary", "success", time.Second)
	c.ObserveFix(geo.Fix{}, 1)
	c.ObserveRow("secondary")
	c.ObserveSignal(1, 0, transport.Unavailable)
	c.ObserveNote(1, "NACK")
}

func TestCollector_Handler(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ObserveExchange(2, "primary", "timeout", time.Second)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `georange_exchanges_total{node="2",outcome="timeout",role="primary"} 1`) {
		t.Errorf("metrics output missing exchange counter:\n%s", body)
	}
}
