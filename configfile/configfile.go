// Package configfile loads engine configuration from yaml and hot-reloads
// the runtime-tunable subset when the file changes.
package configfile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	triage "github.com/webqx/triage-engine"
	"github.com/webqx/triage-engine/models"
)

// Duration accepts either Go duration strings ("5m", "90s") or integer
// nanoseconds in yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}
	return fmt.Errorf("duration must be a string or integer nanoseconds")
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgingSection mirrors triage.AgingConfig with yaml-friendly durations.
type AgingSection struct {
	Step    Duration `yaml:"step"`
	Bump    int      `yaml:"bump"`
	Ceiling int      `yaml:"ceiling"`
}

// EngineSection is the yaml shape of the engine configuration. Zero fields
// keep engine defaults.
type EngineSection struct {
	MaxItems             int          `yaml:"max_items"`
	MaxLeaseTTL          Duration     `yaml:"max_lease_ttl"`
	DefaultLeaseTTL      Duration     `yaml:"default_lease_ttl"`
	RetryCap             int          `yaml:"retry_cap"`
	Aging                AgingSection `yaml:"aging"`
	AgingInterval        Duration     `yaml:"aging_interval"`
	GCTerminalAfter      Duration     `yaml:"gc_terminal_after"`
	PrioritySet          []int        `yaml:"priority_set"`
	MetricsEnabled       bool         `yaml:"metrics_enabled"`
	MetricsBackend       string       `yaml:"metrics_backend"`
	PrometheusListenAddr string       `yaml:"prometheus_listen_addr"`
}

// LoggingSection configures the daemon logger.
type LoggingSection struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// File is the on-disk configuration shape consumed by embedders and the
// triaged daemon. External collaborator bindings stay path-based here and
// are materialized by the caller.
type File struct {
	Engine       EngineSection  `yaml:"engine"`
	Logging      LoggingSection `yaml:"logging"`
	AuditLogPath string         `yaml:"audit_log_path"`
	SnapshotPath string         `yaml:"snapshot_path"`
	ListenAddr   string         `yaml:"listen_addr"`
}

// Load parses the yaml file at path. A missing file yields defaults.
func Load(path string) (*File, error) {
	f := &File{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return f, nil
}

// EngineConfig materializes the engine section over triage.Defaults().
func (f *File) EngineConfig() triage.Config {
	cfg := triage.Defaults()
	s := f.Engine
	if s.MaxItems > 0 {
		cfg.MaxItems = s.MaxItems
	}
	if s.MaxLeaseTTL > 0 {
		cfg.MaxLeaseTTL = s.MaxLeaseTTL.Std()
	}
	if s.DefaultLeaseTTL > 0 {
		cfg.DefaultLeaseTTL = s.DefaultLeaseTTL.Std()
	}
	if s.RetryCap > 0 {
		cfg.RetryCap = s.RetryCap
	}
	if s.Aging.Step > 0 {
		cfg.Aging = triage.AgingConfig{Step: s.Aging.Step.Std(), Bump: s.Aging.Bump, Ceiling: s.Aging.Ceiling}
	}
	if s.AgingInterval > 0 {
		cfg.AgingInterval = s.AgingInterval.Std()
	}
	if s.GCTerminalAfter > 0 {
		cfg.GCTerminalAfter = s.GCTerminalAfter.Std()
	}
	if len(s.PrioritySet) > 0 {
		cfg.PrioritySet = make([]models.Priority, 0, len(s.PrioritySet))
		for _, p := range s.PrioritySet {
			cfg.PrioritySet = append(cfg.PrioritySet, models.Priority(p))
		}
	}
	cfg.MetricsEnabled = s.MetricsEnabled
	if s.MetricsBackend != "" {
		cfg.MetricsBackend = s.MetricsBackend
	}
	cfg.PrometheusListenAddr = s.PrometheusListenAddr
	return cfg
}

// Tunables extracts the hot-reloadable subset of the engine section.
func (f *File) Tunables() triage.Tunables {
	return triage.Tunables{
		RetryCap:        f.Engine.RetryCap,
		AgingInterval:   f.Engine.AgingInterval.Std(),
		GCTerminalAfter: f.Engine.GCTerminalAfter.Std(),
		DefaultLeaseTTL: f.Engine.DefaultLeaseTTL.Std(),
	}
}
