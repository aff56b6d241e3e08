package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusProviderRegistersAndServes(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "triage", Subsystem: "engine", Name: "admitted_total", Help: "test", Labels: []string{"priority"}}})
	c.Inc(1, "urgent")
	c.Inc(2, "low")

	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "triage", Name: "depth", Help: "test"}})
	g.Set(7)
	g.Add(-2)

	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "triage", Name: "latency_seconds", Help: "test"}, Buckets: []float64{1, 10}})
	h.Observe(0.5)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{"triage_engine_admitted_total", "triage_depth 5", "triage_latency_seconds_bucket"} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q:\n%s", want, out)
		}
	}
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestPrometheusProviderReusesInstruments(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	opts := CounterOpts{CommonOpts: CommonOpts{Namespace: "triage", Name: "dup_total", Help: "test"}}
	a := p.NewCounter(opts)
	b := p.NewCounter(opts)
	a.Inc(1)
	b.Inc(1)
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("re-registration must not record a problem: %v", err)
	}
}

func TestPrometheusProviderRejectsBadName(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "bad name"}})
	c.Inc(1) // noop; must not panic
	if err := p.Health(context.Background()); err == nil {
		t.Fatal("invalid metric name must surface via Health")
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider()
	p.NewCounter(CounterOpts{}).Inc(1)
	p.NewGauge(GaugeOpts{}).Set(1)
	p.NewHistogram(HistogramOpts{}).Observe(1)
	p.NewTimer(HistogramOpts{})().ObserveDuration()
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("noop health: %v", err)
	}
}

func TestOTelProviderInstruments(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{ServiceName: "triage-test"})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "triage", Name: "count_total", Labels: []string{"band"}}})
	c.Inc(1, "urgent")
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "triage", Name: "depth", Labels: []string{"band"}}})
	g.Set(4, "low")
	g.Set(2, "low")
	g.Add(1, "low")
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "triage", Name: "lat_seconds"}})
	h.Observe(0.25)
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("otel health: %v", err)
	}
}

func TestOTelNameComposition(t *testing.T) {
	cases := []struct {
		opts CommonOpts
		want string
	}{
		{CommonOpts{Namespace: "a", Subsystem: "b", Name: "c"}, "a.b.c"},
		{CommonOpts{Namespace: "a", Name: "c"}, "a.c"},
		{CommonOpts{Name: "c"}, "c"},
	}
	for _, tc := range cases {
		if got := otelName(tc.opts); got != tc.want {
			t.Fatalf("otelName(%+v) = %q want %q", tc.opts, got, tc.want)
		}
	}
}
