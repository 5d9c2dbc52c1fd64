// Package common contains shared constants and sentinel errors used across
// ChartSync components.
package common

// DeviceIDHeaderName is the HTTP header carrying the stable per-installation
// device id on every sync request. The server uses it to attribute changes
// and to filter a device's own echoes out of pull responses.
const DeviceIDHeaderName = "X-Chartsync-Device"
