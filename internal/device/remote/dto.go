package remote

import "github.com/openclinic/chartsync/internal/api"

// The wire types live in internal/api so the server marshals the same
// structs the device unmarshals. Aliased here so transport callers stay
// within the remote package.
type (
	PushEntry         = api.PushEntry
	PushRequest       = api.PushRequest
	PushEntryResult   = api.PushEntryResult
	PushResponse      = api.PushResponse
	Change            = api.Change
	PullResponse      = api.PullResponse
	ManifestEntry     = api.ManifestEntry
	ManifestResponse  = api.ManifestResponse
	FetchResponse     = api.FetchResponse
	UploadURLResponse = api.UploadURLResponse
)

const (
	PushApplied  = api.PushApplied
	PushRejected = api.PushRejected
)
