package triage

import (
	"fmt"
	"time"

	"github.com/webqx/triage-engine/audit"
	"github.com/webqx/triage-engine/internal/aging"
	"github.com/webqx/triage-engine/internal/clock"
	"github.com/webqx/triage-engine/models"
	"github.com/webqx/triage-engine/telemetry/logging"
)

// AgingConfig is the starvation-avoidance schedule: every Step a pending
// item earns Bump effective priority, saturating at Ceiling.
type AgingConfig struct {
	Step    time.Duration `json:"step"`
	Bump    int           `json:"bump"`
	Ceiling int           `json:"ceiling"`
}

// Config is the public configuration surface for the Engine facade.
type Config struct {
	// MaxItems is the hard ceiling on total records in any state.
	MaxItems int `json:"max_items"`

	// Lease bounds.
	MaxLeaseTTL     time.Duration `json:"max_lease_ttl"`
	DefaultLeaseTTL time.Duration `json:"default_lease_ttl"`

	// RetryCap fails an item once its requeue count would exceed it.
	// Zero means unlimited requeues.
	RetryCap int `json:"retry_cap"`

	Aging AgingConfig `json:"aging"`
	// AgingInterval is the background promotion tick period.
	AgingInterval time.Duration `json:"aging_interval"`

	// GCTerminalAfter is the terminal-record age carried in Tunables for
	// callers of GarbageCollect. The engine runs no periodic GC of its own;
	// terminal records stay until GarbageCollect is called.
	GCTerminalAfter time.Duration `json:"gc_terminal_after"`

	// PrioritySet is the closed set of accepted base priorities.
	PrioritySet []models.Priority `json:"priority_set"`

	// Telemetry surface.
	MetricsEnabled bool `json:"metrics_enabled"`
	// MetricsBackend selects the provider: "prom" (default), "otel", "noop".
	MetricsBackend string `json:"metrics_backend"`
	// PrometheusListenAddr is an optional metrics address (e.g. ":2112")
	// carried for embedders. The engine does not listen on it; the embedder
	// serves MetricsHandler itself.
	PrometheusListenAddr string `json:"prometheus_listen_addr"`

	// External collaborator bindings.
	AuditSink   audit.Sink     `json:"-"`
	Persistence SnapshotStore  `json:"-"`
	Logger      logging.Logger `json:"-"`
	// Clock overrides the time source; tests inject a fake.
	Clock clock.Clock `json:"-"`
}

// Tunables is the subset of configuration the engine re-reads at runtime.
// Swapped atomically; hot reload and UpdateTunables feed it.
type Tunables struct {
	RetryCap        int           `json:"retry_cap"`
	AgingInterval   time.Duration `json:"aging_interval"`
	GCTerminalAfter time.Duration `json:"gc_terminal_after"`
	DefaultLeaseTTL time.Duration `json:"default_lease_ttl"`
}

// Defaults returns a Config with the documented default schedule.
func Defaults() Config {
	return Config{
		MaxItems:        10_000,
		MaxLeaseTTL:     30 * time.Minute,
		DefaultLeaseTTL: 5 * time.Minute,
		RetryCap:        5,
		Aging: AgingConfig{
			Step:    5 * time.Minute,
			Bump:    5,
			Ceiling: int(models.PriorityUrgent),
		},
		AgingInterval:   30 * time.Second,
		GCTerminalAfter: 24 * time.Hour,
		PrioritySet:     models.DefaultPrioritySet(),
		MetricsEnabled:  false,
		MetricsBackend:  "prom",
	}
}

func (c *Config) normalize() {
	d := Defaults()
	if c.MaxItems <= 0 {
		c.MaxItems = d.MaxItems
	}
	if c.MaxLeaseTTL <= 0 {
		c.MaxLeaseTTL = d.MaxLeaseTTL
	}
	if c.DefaultLeaseTTL <= 0 || c.DefaultLeaseTTL > c.MaxLeaseTTL {
		c.DefaultLeaseTTL = d.DefaultLeaseTTL
		if c.DefaultLeaseTTL > c.MaxLeaseTTL {
			c.DefaultLeaseTTL = c.MaxLeaseTTL
		}
	}
	if c.Aging.Step == 0 {
		c.Aging = d.Aging
	}
	if c.Aging.Ceiling <= 0 {
		c.Aging.Ceiling = d.Aging.Ceiling
	}
	if c.AgingInterval <= 0 {
		c.AgingInterval = d.AgingInterval
	}
	if c.GCTerminalAfter <= 0 {
		c.GCTerminalAfter = d.GCTerminalAfter
	}
	if len(c.PrioritySet) == 0 {
		c.PrioritySet = d.PrioritySet
	}
	if c.MetricsBackend == "" {
		c.MetricsBackend = d.MetricsBackend
	}
	if c.AuditSink == nil {
		c.AuditSink = audit.NopSink{}
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

func (c Config) validate() error {
	pol := c.agingPolicy()
	if err := pol.Validate(); err != nil {
		return err
	}
	if c.RetryCap < 0 {
		return fmt.Errorf("retry_cap must not be negative")
	}
	for _, p := range c.PrioritySet {
		if int(p) <= 0 {
			return fmt.Errorf("priority_set entry %d out of range", p)
		}
	}
	return nil
}

func (c Config) agingPolicy() aging.Policy {
	return aging.Policy{Step: c.Aging.Step, Bump: c.Aging.Bump, Ceiling: c.Aging.Ceiling}
}

func (c Config) tunables() Tunables {
	return Tunables{
		RetryCap:        c.RetryCap,
		AgingInterval:   c.AgingInterval,
		GCTerminalAfter: c.GCTerminalAfter,
		DefaultLeaseTTL: c.DefaultLeaseTTL,
	}
}

func (t Tunables) normalize(base Config) Tunables {
	if t.RetryCap < 0 {
		t.RetryCap = base.RetryCap
	}
	if t.AgingInterval <= 0 {
		t.AgingInterval = base.AgingInterval
	}
	if t.GCTerminalAfter <= 0 {
		t.GCTerminalAfter = base.GCTerminalAfter
	}
	if t.DefaultLeaseTTL <= 0 || t.DefaultLeaseTTL > base.MaxLeaseTTL {
		t.DefaultLeaseTTL = base.DefaultLeaseTTL
	}
	return t
}

func (c Config) priorityAllowed(p models.Priority) bool {
	for _, q := range c.PrioritySet {
		if q == p {
			return true
		}
	}
	return false
}
