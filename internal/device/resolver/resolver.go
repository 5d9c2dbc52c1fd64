package resolver

import (
	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/device/models"
)

type Outcome int

const (
	// TakeRemote applies the remote change over local state.
	TakeRemote Outcome = iota
	// KeepLocal discards the remote change; the local edit stays queued.
	KeepLocal
	// Duplicate drops the remote change as a byte-identical re-observation
	// in an append-only collection. Nothing is logged.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case TakeRemote:
		return "take_remote"
	case KeepLocal:
		return "keep_local"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Decision is the resolver's verdict. Conflict reports whether an unsynced
// local edit was displaced or defended, meaning the loser must be preserved
// in the conflict log.
type Decision struct {
	Outcome  Outcome
	Reason   string
	Conflict bool
}

// Resolve decides between an incoming remote change and the current local
// row. local is nil when no row exists yet.
func Resolve(local *models.Entity, incoming *models.Entity) Decision {
	if local == nil {
		return Decision{Outcome: TakeRemote, Reason: "no local row"}
	}
	if local.SyncStatus == models.StatusSynced {
		// Local state is exactly what the server last acked; the remote
		// change simply supersedes it.
		return Decision{Outcome: TakeRemote, Reason: "local unchanged"}
	}

	if local.Type.AppendOnly() && !local.Deleted && !incoming.Deleted &&
		common.ContentHash(local.Payload) == common.ContentHash(incoming.Payload) {
		return Decision{Outcome: Duplicate, Reason: "identical content"}
	}

	// Tombstones take precedence over concurrent edits; an edit survives a
	// deletion only by being strictly newer.
	if incoming.Deleted && !local.Deleted {
		if local.UpdatedAt.After(incoming.UpdatedAt) {
			return Decision{Outcome: KeepLocal, Reason: "local edit newer than remote delete", Conflict: true}
		}
		return Decision{Outcome: TakeRemote, Reason: "remote delete wins", Conflict: true}
	}
	if local.Deleted && !incoming.Deleted {
		if incoming.UpdatedAt.After(local.UpdatedAt) {
			return Decision{Outcome: TakeRemote, Reason: "remote edit newer than local delete", Conflict: true}
		}
		return Decision{Outcome: KeepLocal, Reason: "local delete wins", Conflict: true}
	}

	// Last write wins; an exact tie goes to the remote side so all devices
	// settle on the same copy.
	if local.UpdatedAt.After(incoming.UpdatedAt) {
		return Decision{Outcome: KeepLocal, Reason: "local edit newer", Conflict: true}
	}
	return Decision{Outcome: TakeRemote, Reason: "remote edit newer or tie", Conflict: true}
}
