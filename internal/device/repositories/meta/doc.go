// Package meta stores small per-device key/value state: sync cursors, the
// stable device identifier, and full-sync bookkeeping.
//
// The raw Get/Set/Delete/List API works on opaque byte values; the typed
// helpers (Cursor, DeviceID, LastFullSync) layer the engine's conventions on
// top of it so callers never touch key names directly.
package meta
