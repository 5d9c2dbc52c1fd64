// Package api defines the JSON wire contract between devices and the sync
// server. Both sides marshal these exact types, so a field change here is a
// protocol change.
package api
