// Package config loads runtime configuration for the ChartSync agent.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via flags: -c or -config.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the sync server
//	-d string   path to the local SQLite database
//	-i int      sync interval (seconds)
//
// # JSON schema
//
// Intervals use timex.Duration, so values can be either strings like "30s"
// or integer nanoseconds:
//
//	{
//	  "server_url": "http://127.0.0.1:8080",
//	  "database_path": "chartsync.db",
//	  "sync_interval": "30s",
//	  "full_sync_interval": "24h",
//	  "ping_interval": "10s",
//	  "batch_size": 50,
//	  "pull_limit": 100,
//	  "max_attempts": 5,
//	  "max_backoff": "5m",
//	  "journal_retention": "720h"
//	}
package config
