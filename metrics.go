package triage

import (
	"strings"
	"time"

	intmetrics "github.com/webqx/triage-engine/internal/telemetry/metrics"
	"github.com/webqx/triage-engine/models"
)

// latencyBuckets covers seconds from sub-minute triage turnaround out to a
// full shift.
var latencyBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 14400}

// LatencyStats summarizes one histogram band for MetricsSnapshot and the
// wait-time estimator.
type LatencyStats struct {
	Count       uint64  `json:"count"`
	SumSeconds  float64 `json:"sum_seconds"`
	MeanSeconds float64 `json:"mean_seconds"`
}

// MetricsSnapshot is a structured view of the live engine counters, exposed
// through Engine.MetricsSnapshot for dashboards that do not scrape.
type MetricsSnapshot struct {
	AdmittedTotal         uint64 `json:"admitted_total"`
	LeasedTotal           uint64 `json:"leased_total"`
	AckedTotal            uint64 `json:"acked_total"`
	NackedRequeuedTotal   uint64 `json:"nacked_requeued_total"`
	NackedFailedTotal     uint64 `json:"nacked_failed_total"`
	LeaseExpiredTotal     uint64 `json:"lease_expired_total"`
	CapacityRejectedTotal uint64 `json:"capacity_rejected_total"`
	GCRemovedTotal        uint64 `json:"gc_removed_total"`
	AuditFailuresTotal    uint64 `json:"audit_failures_total"`

	AdmittedByPriority map[string]uint64 `json:"admitted_by_priority"`
	QueueDepthByBand   map[string]int    `json:"queue_depth_by_band"`
	InFlightLeases     int               `json:"in_flight_leases"`
	StoreByState       map[string]int    `json:"store_by_state"`

	AdmitToLease    map[string]LatencyStats `json:"admit_to_lease"`
	LeaseToTerminal map[string]LatencyStats `json:"lease_to_terminal"`
}

// engineMetrics owns both the provider instruments and the plain counters
// backing MetricsSnapshot. All mutation happens under the engine mutex, the
// same serialization point as the state transitions being counted.
type engineMetrics struct {
	admitted           uint64
	leased             uint64
	acked              uint64
	nackedRequeued     uint64
	nackedFailed       uint64
	leaseExpired       uint64
	capacityRejected   uint64
	gcRemoved          uint64
	auditFailures      uint64
	admittedByPriority map[string]uint64
	admitToLease       map[string]*LatencyStats
	leaseToTerminal    map[string]*LatencyStats

	mAdmitted         intmetrics.Counter
	mLeased           intmetrics.Counter
	mAcked            intmetrics.Counter
	mNackedRequeued   intmetrics.Counter
	mNackedFailed     intmetrics.Counter
	mLeaseExpired     intmetrics.Counter
	mCapacityRejected intmetrics.Counter
	mGCRemoved        intmetrics.Counter
	mAuditFailures    intmetrics.Counter
	mQueueDepth       intmetrics.Gauge
	mInFlight         intmetrics.Gauge
	mStoreSize        intmetrics.Gauge
	mAdmitToLease     intmetrics.Histogram
	mLeaseToTerminal  intmetrics.Histogram
}

func newEngineMetrics(p intmetrics.Provider) *engineMetrics {
	m := &engineMetrics{
		admittedByPriority: make(map[string]uint64),
		admitToLease:       make(map[string]*LatencyStats),
		leaseToTerminal:    make(map[string]*LatencyStats),
	}
	if p == nil {
		p = intmetrics.NewNoopProvider()
	}
	counter := func(name, help string, labels ...string) intmetrics.Counter {
		return p.NewCounter(intmetrics.CounterOpts{CommonOpts: intmetrics.CommonOpts{
			Namespace: "triage", Subsystem: "engine", Name: name, Help: help, Labels: labels}})
	}
	gauge := func(name, help string, labels ...string) intmetrics.Gauge {
		return p.NewGauge(intmetrics.GaugeOpts{CommonOpts: intmetrics.CommonOpts{
			Namespace: "triage", Subsystem: "engine", Name: name, Help: help, Labels: labels}})
	}
	hist := func(name, help string, labels ...string) intmetrics.Histogram {
		return p.NewHistogram(intmetrics.HistogramOpts{CommonOpts: intmetrics.CommonOpts{
			Namespace: "triage", Subsystem: "engine", Name: name, Help: help, Labels: labels},
			Buckets: latencyBuckets})
	}
	m.mAdmitted = counter("admitted_total", "Items admitted", "priority")
	m.mLeased = counter("leased_total", "Leases granted", "priority")
	m.mAcked = counter("acked_total", "Items completed", "priority")
	m.mNackedRequeued = counter("nacked_requeued_total", "Negative completions requeued", "priority")
	m.mNackedFailed = counter("nacked_failed_total", "Negative completions failed terminally", "priority")
	m.mLeaseExpired = counter("lease_expired_total", "Leases reclaimed after expiry", "priority")
	m.mCapacityRejected = counter("capacity_rejected_total", "Admissions refused at capacity")
	m.mGCRemoved = counter("gc_removed_total", "Terminal records garbage collected")
	m.mAuditFailures = counter("audit_failures_total", "Audit sink emission failures")
	m.mQueueDepth = gauge("queue_depth", "Pending items per priority band", "band")
	m.mInFlight = gauge("leases_in_flight", "Outstanding leases")
	m.mStoreSize = gauge("store_size", "Records per lifecycle state", "state")
	m.mAdmitToLease = hist("admit_to_lease_seconds", "Latency from admission to first lease", "band")
	m.mLeaseToTerminal = hist("lease_to_terminal_seconds", "Latency from lease to terminal state", "band")
	return m
}

func (m *engineMetrics) observe(stats map[string]*LatencyStats, h intmetrics.Histogram, band string, d time.Duration) {
	s := stats[band]
	if s == nil {
		s = &LatencyStats{}
		stats[band] = s
	}
	sec := d.Seconds()
	s.Count++
	s.SumSeconds += sec
	h.Observe(sec, band)
}

func (m *engineMetrics) onAdmit(p models.Priority) {
	m.admitted++
	m.admittedByPriority[p.String()]++
	m.mAdmitted.Inc(1, p.String())
}

func (m *engineMetrics) onCapacityRejected() {
	m.capacityRejected++
	m.mCapacityRejected.Inc(1)
}

func (m *engineMetrics) onLease(p models.Priority, wait time.Duration) {
	m.leased++
	m.mLeased.Inc(1, p.String())
	m.observe(m.admitToLease, m.mAdmitToLease, p.String(), wait)
}

func (m *engineMetrics) onAck(p models.Priority, held time.Duration) {
	m.acked++
	m.mAcked.Inc(1, p.String())
	m.observe(m.leaseToTerminal, m.mLeaseToTerminal, p.String(), held)
}

func (m *engineMetrics) onNackRequeued(p models.Priority) {
	m.nackedRequeued++
	m.mNackedRequeued.Inc(1, p.String())
}

func (m *engineMetrics) onNackFailed(p models.Priority, held time.Duration) {
	m.nackedFailed++
	m.mNackedFailed.Inc(1, p.String())
	m.observe(m.leaseToTerminal, m.mLeaseToTerminal, p.String(), held)
}

func (m *engineMetrics) onLeaseExpired(p models.Priority) {
	m.leaseExpired++
	m.mLeaseExpired.Inc(1, p.String())
}

func (m *engineMetrics) onGC(n int) {
	m.gcRemoved += uint64(n)
	m.mGCRemoved.Inc(float64(n))
}

func (m *engineMetrics) onAuditFailure() {
	m.auditFailures++
	m.mAuditFailures.Inc(1)
}

// setGauges pushes the current depth/in-flight/state counts to the provider.
func (m *engineMetrics) setGauges(depthByBand map[string]int, inFlight int, byState map[models.State]int) {
	for _, band := range []string{"low", "medium", "high", "urgent"} {
		m.mQueueDepth.Set(float64(depthByBand[band]), band)
	}
	m.mInFlight.Set(float64(inFlight))
	for _, st := range []models.State{models.StatePending, models.StateLeased, models.StateCompleted, models.StateFailed} {
		m.mStoreSize.Set(float64(byState[st]), string(st))
	}
}

func (m *engineMetrics) snapshot(depthByBand map[string]int, inFlight int, byState map[models.State]int) MetricsSnapshot {
	snap := MetricsSnapshot{
		AdmittedTotal:         m.admitted,
		LeasedTotal:           m.leased,
		AckedTotal:            m.acked,
		NackedRequeuedTotal:   m.nackedRequeued,
		NackedFailedTotal:     m.nackedFailed,
		LeaseExpiredTotal:     m.leaseExpired,
		CapacityRejectedTotal: m.capacityRejected,
		GCRemovedTotal:        m.gcRemoved,
		AuditFailuresTotal:    m.auditFailures,
		AdmittedByPriority:    make(map[string]uint64, len(m.admittedByPriority)),
		QueueDepthByBand:      depthByBand,
		InFlightLeases:        inFlight,
		StoreByState:          make(map[string]int, len(byState)),
		AdmitToLease:          make(map[string]LatencyStats, len(m.admitToLease)),
		LeaseToTerminal:       make(map[string]LatencyStats, len(m.leaseToTerminal)),
	}
	for k, v := range m.admittedByPriority {
		snap.AdmittedByPriority[k] = v
	}
	for st, n := range byState {
		snap.StoreByState[string(st)] = n
	}
	for k, v := range m.admitToLease {
		s := *v
		if s.Count > 0 {
			s.MeanSeconds = s.SumSeconds / float64(s.Count)
		}
		snap.AdmitToLease[k] = s
	}
	for k, v := range m.leaseToTerminal {
		s := *v
		if s.Count > 0 {
			s.MeanSeconds = s.SumSeconds / float64(s.Count)
		}
		snap.LeaseToTerminal[k] = s
	}
	return snap
}

func selectMetricsProvider(cfg Config) intmetrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}
