// Package config loads syncbridge configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ricardomaia/syncbridge/internal/sync/conflict"
)

// SubCycleOrder controls which sub-cycle a BIDIRECTIONAL run executes
// first. The default runs local-to-remote first so the remote-sourced
// sub-cycle applies last and wins ties (remote is the priority replica).
type SubCycleOrder string

const (
	OrderLocalFirst  SubCycleOrder = "local_first"
	OrderRemoteFirst SubCycleOrder = "remote_first"
)

// Config is the root configuration document.
type Config struct {
	Local   StoreConfig   `yaml:"local"`
	Remote  StoreConfig   `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
	Tables  []TableConfig `yaml:"tables"`
}

// StoreConfig describes one replica.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql

	// sqlite
	Path string `yaml:"path"`

	// mysql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// SyncConfig tunes the orchestrator and scheduler.
type SyncConfig struct {
	Interval           time.Duration `yaml:"interval"`            // auto-sync period
	ApplyTimeout       time.Duration `yaml:"apply_timeout"`       // per-entry bound
	BidirectionalOrder SubCycleOrder `yaml:"bidirectional_order"` // local_first, remote_first
	DefaultStrategy    string        `yaml:"default_strategy"`    // remote_wins, local_wins, newest_wins, manual
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TableConfig describes one synchronized table. Rank is the foreign-key
// dependency rank: parents carry a lower rank and are applied first.
type TableConfig struct {
	Name       string `yaml:"name"`
	PrimaryKey string `yaml:"primary_key"`
	Rank       int    `yaml:"rank"`
	Strategy   string `yaml:"strategy"` // empty means the default strategy
}

// DefaultTables returns the table registry of the original deployment:
// equipes before usuarios/funcionarios before the tables referencing them.
func DefaultTables() []TableConfig {
	return []TableConfig{
		{Name: "equipes", PrimaryKey: "id", Rank: 0},
		{Name: "system_config", PrimaryKey: "id", Rank: 0},
		{Name: "funcionarios", PrimaryKey: "id", Rank: 1},
		{Name: "usuarios", PrimaryKey: "id", Rank: 1},
		{Name: "atividades", PrimaryKey: "id", Rank: 2},
		{Name: "user_lock_unlock", PrimaryKey: "id", Rank: 2},
		{Name: "logs_sistema", PrimaryKey: "id", Rank: 2},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if c.Sync.ApplyTimeout == 0 {
		c.Sync.ApplyTimeout = 10 * time.Second
	}
	if c.Sync.BidirectionalOrder == "" {
		c.Sync.BidirectionalOrder = OrderLocalFirst
	}
	if c.Sync.DefaultStrategy == "" {
		c.Sync.DefaultStrategy = string(conflict.StrategyRemoteWins)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if len(c.Tables) == 0 {
		c.Tables = DefaultTables()
	}
	for i := range c.Tables {
		if c.Tables[i].PrimaryKey == "" {
			c.Tables[i].PrimaryKey = "id"
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	for _, sc := range []struct {
		name string
		cfg  StoreConfig
	}{{"local", c.Local}, {"remote", c.Remote}} {
		switch sc.cfg.Driver {
		case "sqlite":
			if sc.cfg.Path == "" {
				return fmt.Errorf("%s store: sqlite driver requires path", sc.name)
			}
		case "mysql":
			if sc.cfg.Host == "" || sc.cfg.Database == "" {
				return fmt.Errorf("%s store: mysql driver requires host and database", sc.name)
			}
		case "":
			return fmt.Errorf("%s store: driver is required", sc.name)
		default:
			return fmt.Errorf("%s store: unknown driver %q", sc.name, sc.cfg.Driver)
		}
	}

	switch c.Sync.BidirectionalOrder {
	case OrderLocalFirst, OrderRemoteFirst:
	default:
		return fmt.Errorf("unknown bidirectional_order %q", c.Sync.BidirectionalOrder)
	}

	if _, err := conflict.ParseStrategy(c.Sync.DefaultStrategy); err != nil {
		return fmt.Errorf("default_strategy: %w", err)
	}

	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s configured twice", t.Name)
		}
		seen[t.Name] = true
		if t.Strategy != "" {
			if _, err := conflict.ParseStrategy(t.Strategy); err != nil {
				return fmt.Errorf("table %s: %w", t.Name, err)
			}
		}
	}

	return nil
}

// RankOf returns the dependency rank for a table. Unknown tables sort
// last so a stray entry can never jump ahead of configured parents.
func (c *Config) RankOf(table string) int {
	for _, t := range c.Tables {
		if t.Name == table {
			return t.Rank
		}
	}
	return int(^uint(0) >> 1)
}

// StrategyFor returns the conflict strategy for a table, falling back to
// the default strategy.
func (c *Config) StrategyFor(table string) conflict.Strategy {
	for _, t := range c.Tables {
		if t.Name == table && t.Strategy != "" {
			s, err := conflict.ParseStrategy(t.Strategy)
			if err == nil {
				return s
			}
		}
	}
	s, err := conflict.ParseStrategy(c.Sync.DefaultStrategy)
	if err != nil {
		return conflict.StrategyRemoteWins
	}
	return s
}

// TableNames returns the configured table names in registry order.
func (c *Config) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	return names
}
