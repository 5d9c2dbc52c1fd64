// Package engine is the embedding surface of the ChartSync agent: one value
// that owns the local database, the background scheduler and the transport,
// and exposes reads, writes and sync controls to the host application.
//
// # Overview
//
// Open initializes the SQLite store (running migrations and reverting any
// journal entries orphaned mid-sync by a previous crash), then starts the
// scheduler in the background. Writes always succeed locally and are synced
// opportunistically; reads never touch the network.
//
// Key Types
//
//   - type Engine: the facade
//   - func Open: construct from config
//   - type Options: dependency overrides for embedding and tests
package engine
