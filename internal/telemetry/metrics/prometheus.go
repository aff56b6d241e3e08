package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// PrometheusProvider implements Provider backed by a Prometheus registry.
type PrometheusProvider struct {
	reg *prom.Registry

	mu         sync.Mutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
	problems   []error

	handler http.Handler
}

// PrometheusProviderOptions configures the provider.
type PrometheusProviderOptions struct {
	Registry *prom.Registry // optional custom registry
}

func NewPrometheusProvider(opts PrometheusProviderOptions) *PrometheusProvider {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
		handler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// MetricsHandler returns an HTTP handler exposing the registry.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

func fqName(c CommonOpts) (string, error) {
	if c.Name == "" {
		return "", errors.New("metric name required")
	}
	parts := make([]string, 0, 3)
	if c.Namespace != "" {
		parts = append(parts, c.Namespace)
	}
	if c.Subsystem != "" {
		parts = append(parts, c.Subsystem)
	}
	parts = append(parts, c.Name)
	fq := strings.Join(parts, "_")
	if !metricNameRE.MatchString(fq) {
		return "", fmt.Errorf("invalid metric name: %s", fq)
	}
	return fq, nil
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	fq, err := fqName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopCounter{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cv, ok := p.counters[fq]; ok {
		return promCounter{cv}
	}
	vec := prom.NewCounterVec(prom.CounterOpts{Name: fq, Help: opts.Help}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			vec = are.ExistingCollector.(*prom.CounterVec)
		} else {
			p.problems = append(p.problems, err)
			return noopCounter{}
		}
	}
	p.counters[fq] = vec
	return promCounter{vec}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	fq, err := fqName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopGauge{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if gv, ok := p.gauges[fq]; ok {
		return promGauge{gv}
	}
	vec := prom.NewGaugeVec(prom.GaugeOpts{Name: fq, Help: opts.Help}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			vec = are.ExistingCollector.(*prom.GaugeVec)
		} else {
			p.problems = append(p.problems, err)
			return noopGauge{}
		}
	}
	p.gauges[fq] = vec
	return promGauge{vec}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	fq, err := fqName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopHistogram{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if hv, ok := p.histograms[fq]; ok {
		return promHistogram{hv}
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{Name: fq, Help: opts.Help, Buckets: buckets}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			vec = are.ExistingCollector.(*prom.HistogramVec)
		} else {
			p.problems = append(p.problems, err)
			return noopHistogram{}
		}
	}
	p.histograms[fq] = vec
	return promHistogram{vec}
}

func (p *PrometheusProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &startedTimer{hist: hist, start: time.Now()} }
}

func (p *PrometheusProvider) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.problems) == 0 {
		return nil
	}
	return fmt.Errorf("prometheus provider encountered %d problems (first: %v)", len(p.problems), p.problems[0])
}

func (p *PrometheusProvider) recordProblem(err error) {
	p.mu.Lock()
	p.problems = append(p.problems, err)
	p.mu.Unlock()
}

type promCounter struct{ cv *prom.CounterVec }

func (c promCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.cv.WithLabelValues(labels...).Add(delta)
}

type promGauge struct{ gv *prom.GaugeVec }

func (g promGauge) Set(v float64, labels ...string) { g.gv.WithLabelValues(labels...).Set(v) }
func (g promGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	g.gv.WithLabelValues(labels...).Add(delta)
}

type promHistogram struct{ hv *prom.HistogramVec }

func (h promHistogram) Observe(v float64, labels ...string) {
	h.hv.WithLabelValues(labels...).Observe(v)
}

type startedTimer struct {
	hist  Histogram
	start time.Time
}

func (t *startedTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}
