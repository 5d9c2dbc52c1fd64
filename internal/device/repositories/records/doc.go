// Package records provides the device-side persistence layer for
// synchronizable entities.
//
// # Overview
//
// The package defines a Repository interface for reads, writes, and sync
// bookkeeping on Entity models (see internal/device/models). A SQLite-backed
// implementation (SQLiteRepository) persists data using a dbx.DBTX (either
// *sql.DB or *sql.Tx), which lets the local store compose an entity write and
// its journal entry into one transaction.
//
// # Data Model
//
// Each row stores the raw JSON payload, the server-assigned version (zero
// until first ack), a tombstone flag (deleted), and a sync_status column
// mirroring the outstanding journal entry for UI display. Tombstones are
// never physically removed here; deletion propagates through sync.
//
// Key Types
//
//   - type Repository: interface used by the store and dispatcher
//   - type SQLiteRepository: SQLite implementation over dbx.DBTX
//
// Typical Usage
//
//	repo := records.NewSQLiteRepository(db)
//	_ = repo.Upsert(ctx, entity)
//	e, _ := repo.Get(ctx, models.EntityTypePatients, id)
//	list, _ := repo.Query(ctx, models.EntityTypeVitals, nil)
//	_ = repo.MarkSynced(ctx, e.Type, e.ID, serverVersion)
package records
