package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/admission"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/cache"
)

// gathered returns the value of the single sample of the named family.
func gathered(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		metric := f.GetMetric()[0]
		if g := metric.GetGauge(); g != nil {
			return g.GetValue()
		}
		return metric.GetCounter().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRequestCounters(t *testing.T) {
	m := New(cache.NewLRUCache(1024, 512), admission.New(2))

	m.ObserveRequest(OutcomeHit, time.Millisecond)
	m.ObserveRequest(OutcomeHit, time.Millisecond)
	m.ObserveRequest(OutcomeMiss, 20*time.Millisecond)
	m.AddOriginBytes(100)
	m.AddOriginBytes(-5)
	m.AddClientBytes(250)

	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeHit)); got != 2 {
		t.Errorf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeMiss)); got != 1 {
		t.Errorf("expected 1 miss, got %v", got)
	}
	if got := testutil.ToFloat64(m.originBytes); got != 100 {
		t.Errorf("expected 100 origin bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.clientBytes); got != 250 {
		t.Errorf("expected 250 client bytes, got %v", got)
	}
	if got := testutil.CollectAndCount(m.duration); got != 2 {
		t.Errorf("expected 2 histogram series, got %d", got)
	}
}

func TestScrapeTimeGauges(t *testing.T) {
	c := cache.NewLRUCache(cache.Footprint("k", 4), cache.Footprint("k", 4))
	slots := admission.New(3)
	m := New(c, slots)

	c.Put("k", []byte("data"))
	c.Put("j", []byte("data"))
	slots.TryAcquire()

	if got := gathered(t, m, "proxy_cache_entries"); got != 1 {
		t.Errorf("expected 1 entry, got %v", got)
	}
	if got := gathered(t, m, "proxy_cache_bytes"); got != float64(cache.Footprint("j", 4)) {
		t.Errorf("unexpected cache bytes %v", got)
	}
	if got := gathered(t, m, "proxy_cache_evictions_total"); got != 1 {
		t.Errorf("expected 1 eviction, got %v", got)
	}
	if got := gathered(t, m, "proxy_active_connections"); got != 1 {
		t.Errorf("expected 1 active connection, got %v", got)
	}
	if got := gathered(t, m, "proxy_max_connections"); got != 3 {
		t.Errorf("expected 3 slots, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRequest(OutcomeError, time.Second)
	m.AddOriginBytes(1)
	m.AddClientBytes(1)
}

func TestHandler(t *testing.T) {
	m := New(cache.NewLRUCache(1024, 512), admission.New(1))
	m.ObserveRequest(OutcomeBlocked, time.Millisecond)
	h := m.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected healthz 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`proxy_requests_total{outcome="blocked"} 1`,
		"proxy_cache_capacity_bytes 1024",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
