package config

import (
	"encoding/json"
	"os"

	"github.com/openclinic/chartsync/internal/flagx"
	"github.com/openclinic/chartsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Intervals use
// timex.Duration so JSON can specify them either as strings like "30s" or as
// integer nanoseconds.
type JsonConfig struct {
	ServerURL        string         `json:"server_url"`
	DatabasePath     string         `json:"database_path"`
	SyncInterval     timex.Duration `json:"sync_interval"`
	FullSyncInterval timex.Duration `json:"full_sync_interval"`
	PingInterval     timex.Duration `json:"ping_interval"`
	BatchSize        int            `json:"batch_size"`
	PullLimit        int            `json:"pull_limit"`
	MaxAttempts      int            `json:"max_attempts"`
	MaxBackoff       timex.Duration `json:"max_backoff"`
	JournalRetention timex.Duration `json:"journal_retention"`
}

// parseJson overlays cfg with values from the JSON file named by the -c or
// -config flag. Absent file path means no JSON is loaded. Zero fields in the
// file leave the existing value untouched. Panics on read or unmarshal
// errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.SyncInterval.Duration > 0 {
		cfg.SyncInterval = jc.SyncInterval.Duration
	}
	if jc.FullSyncInterval.Duration > 0 {
		cfg.FullSyncInterval = jc.FullSyncInterval.Duration
	}
	if jc.PingInterval.Duration > 0 {
		cfg.PingInterval = jc.PingInterval.Duration
	}
	if jc.BatchSize > 0 {
		cfg.BatchSize = jc.BatchSize
	}
	if jc.PullLimit > 0 {
		cfg.PullLimit = jc.PullLimit
	}
	if jc.MaxAttempts > 0 {
		cfg.MaxAttempts = jc.MaxAttempts
	}
	if jc.MaxBackoff.Duration > 0 {
		cfg.MaxBackoff = jc.MaxBackoff.Duration
	}
	if jc.JournalRetention.Duration > 0 {
		cfg.JournalRetention = jc.JournalRetention.Duration
	}
}
