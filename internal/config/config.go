// Package config loads the tracker's configuration from defaults, an
// optional JSON or YAML file, and TRACKER_* environment overrides, applied
// in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings
// ("90s", "5m") as well as integer nanoseconds.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir is the Pebble database directory. Empty means the per-OS
	// default from DefaultDataDir.
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// HTTPAddr is the listen address of the HTTP API.
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	// GRPCAddr is the listen address of the gRPC health endpoint.
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr"`

	// Backend selects the item store: "pebble" or "postgres".
	Backend string `json:"backend" yaml:"backend"`
	// DatabaseURL is the Postgres connection string when Backend=postgres.
	DatabaseURL string `json:"databaseUrl" yaml:"databaseUrl"`

	// BatchDir is the root of the per-project batch files. Empty disables
	// replenishment.
	BatchDir string `json:"batchDir" yaml:"batchDir"`

	Lease  LeaseConfig  `json:"lease" yaml:"lease"`
	Items  ItemDefaults `json:"items" yaml:"items"`
	Ledger LedgerConfig `json:"ledger" yaml:"ledger"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

// LeaseConfig tunes handout expiry.
type LeaseConfig struct {
	// Timeout is how long a handout may go without a heartbeat before the
	// reaper abandons it.
	Timeout Duration `json:"timeout" yaml:"timeout"`
	// ReapInterval is how often the reaper scans.
	ReapInterval Duration `json:"reapInterval" yaml:"reapInterval"`
	// ReapBatch is the maximum handouts abandoned per scan.
	ReapBatch int `json:"reapBatch" yaml:"reapBatch"`
	// RequeuePenalty is added to an item's priority on each abandonment.
	RequeuePenalty int32 `json:"requeuePenalty" yaml:"requeuePenalty"`
}

// ItemDefaults apply to items enqueued from batches or the API.
type ItemDefaults struct {
	Priority         int32    `json:"priority" yaml:"priority"`
	ExpectedDuration Duration `json:"expectedDuration" yaml:"expectedDuration"`
}

// LedgerConfig tunes contribution-ledger persistence.
type LedgerConfig struct {
	// SaveInterval is how often dirty ledger snapshots are flushed.
	SaveInterval Duration `json:"saveInterval" yaml:"saveInterval"`
	// LeaderboardTTL bounds leaderboard staleness.
	LeaderboardTTL Duration `json:"leaderboardTtl" yaml:"leaderboardTtl"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Backend:  "pebble",
		Lease: LeaseConfig{
			Timeout:      Duration(5 * time.Minute),
			ReapInterval: Duration(30 * time.Second),
			ReapBatch:    100,
		},
		Items: ItemDefaults{
			Priority:         1,
			ExpectedDuration: Duration(24 * time.Hour),
		},
		Ledger: LedgerConfig{
			SaveInterval:   Duration(30 * time.Second),
			LeaderboardTTL: Duration(2 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
