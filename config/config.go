package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fieldflow/dispatch/core/dispatch"
	"github.com/fieldflow/dispatch/core/escalation"
	"github.com/fieldflow/dispatch/core/metrics"
	"github.com/fieldflow/dispatch/infra/calllog"
	"github.com/fieldflow/dispatch/infra/notify"
)

type Config struct {
	Dispatch     dispatch.Config    `json:"dispatch"`
	Escalation   escalation.Config  `json:"escalation"`
	Reconcile    ReconcileConfig    `json:"reconcile"`
	Metrics      metrics.Config     `json:"metrics"`
	MQTT         notify.MQTTConfig  `json:"mqtt"`
	Storage      StorageConfig      `json:"storage"`
	API          APIConfig          `json:"api"`
	CallProvider CallProviderConfig `json:"call_provider"`
}

// CallProviderConfig points at the external call-record API swept by the
// reconciliation worker. An empty URL selects the in-process call log.
type CallProviderConfig struct {
	URL  string           `json:"url"`
	Auth calllog.AuthConf `json:"auth"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("FD_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "fd_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies defaults across every section.
func (c *Config) SetDefaults() {
	c.Dispatch.SetDefaults()
	c.Escalation.SetDefaults()
	c.Reconcile.SetDefaults()
	c.Metrics.SetDefaults()
	c.Storage.SetDefaults()
	c.API.SetDefaults()
}

// Validate checks mandatory fields.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	return c.Reconcile.Validate()
}

// ReconcileConfig controls the call-log sweep worker.
type ReconcileConfig struct {
	// IntervalMinutes is the sweep cadence.
	IntervalMinutes int `json:"interval_minutes"`
	// Enabled turns the worker off entirely when false.
	Enabled bool `json:"enabled"`
}

func (c *ReconcileConfig) SetDefaults() {
	if c.IntervalMinutes <= 0 {
		c.IntervalMinutes = 5
	}
}

func (c ReconcileConfig) Validate() error {
	if c.IntervalMinutes < 0 {
		return fmt.Errorf("interval_minutes must be positive")
	}
	return nil
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend selects the store type: "memory" or "sqlite".
	Backend string `json:"backend"`
	// Path is the database file location for the sqlite backend.
	Path string `json:"path"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "fieldflow.db"
	}
}

func (c StorageConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "sqlite" {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	if c.Backend == "sqlite" && c.Path == "" {
		return fmt.Errorf("path is required for sqlite backend")
	}
	return nil
}

// APIConfig configures the jobs HTTP API.
type APIConfig struct {
	Addr string `json:"addr"`
}

func (c *APIConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}
