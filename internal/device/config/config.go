package config

import "time"

// Config holds runtime settings for the ChartSync agent.
type Config struct {
	// ServerURL is the base URL of the sync server.
	ServerURL string
	// DatabasePath is the local SQLite file. ":memory:" is accepted for
	// throwaway runs.
	DatabasePath string

	// SyncInterval separates periodic incremental cycles.
	SyncInterval time.Duration
	// FullSyncInterval separates manifest reconciliations.
	FullSyncInterval time.Duration
	// PingInterval separates connectivity probes while offline.
	PingInterval time.Duration

	// BatchSize caps journal entries per push request.
	BatchSize int
	// PullLimit caps changes per pull page.
	PullLimit int
	// MaxAttempts is the per-entry transient failure cap before an entry
	// is parked as failed.
	MaxAttempts int
	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration

	// JournalRetention bounds how long synced journal entries are kept
	// before pruning.
	JournalRetention time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.DatabasePath = "chartsync.db"
	c.SyncInterval = 30 * time.Second
	c.FullSyncInterval = 24 * time.Hour
	c.PingInterval = 10 * time.Second
	c.BatchSize = 50
	c.PullLimit = 100
	c.MaxAttempts = 5
	c.MaxBackoff = 5 * time.Minute
	c.JournalRetention = 30 * 24 * time.Hour
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
