package metrics

// OpenTelemetry bridge implementing the Provider interface behind the
// stable internal abstraction. Label values are attached as string
// attributes, zipped against the declared label names.

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type OTelProviderOptions struct {
	ServiceName string // meter name; "triage" when empty
}

// NewOTelProvider returns a Provider backed by an OTEL MeterProvider. The
// MeterProvider is created internally with no readers or exporters, so
// recorded values are not exported anywhere.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	name := opts.ServiceName
	if name == "" {
		name = "triage"
	}
	mp := sdkmetric.NewMeterProvider()
	return &otelProvider{meter: mp.Meter(name)}
}

type otelProvider struct {
	meter metric.Meter
}

func otelName(c CommonOpts) string {
	out := c.Name
	if c.Subsystem != "" {
		out = c.Subsystem + "." + out
	}
	if c.Namespace != "" {
		out = c.Namespace + "." + out
	}
	return out
}

func attrs(names, values []string) []attribute.KeyValue {
	n := len(names)
	if len(values) < n {
		n = len(values)
	}
	kvs := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		kvs = append(kvs, attribute.String(names[i], values[i]))
	}
	return kvs
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labels: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labels: opts.Labels, values: make(map[string]float64)}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labels: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &startedTimer{hist: hist, start: time.Now()} }
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

type otelCounter struct {
	c      metric.Float64Counter
	labels []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrs(c.labels, labels)...))
}

// otelGauge simulates Set semantics over an UpDownCounter by tracking the
// last value per label combination and applying the delta.
type otelGauge struct {
	g      metric.Float64UpDownCounter
	labels []string

	mu     sync.Mutex
	values map[string]float64
}

func labelKey(values []string) string {
	key := ""
	for _, v := range values {
		key += v + "\x00"
	}
	return key
}

func (g *otelGauge) Set(v float64, labels ...string) {
	key := labelKey(labels)
	g.mu.Lock()
	diff := v - g.values[key]
	g.values[key] = v
	g.mu.Unlock()
	if diff != 0 {
		g.g.Add(context.Background(), diff, metric.WithAttributes(attrs(g.labels, labels)...))
	}
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	key := labelKey(labels)
	g.mu.Lock()
	g.values[key] += delta
	g.mu.Unlock()
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrs(g.labels, labels)...))
}

type otelHistogram struct {
	h      metric.Float64Histogram
	labels []string
}

func (h *otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrs(h.labels, labels)...))
}
