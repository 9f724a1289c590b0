package reconcile

import (
	"errors"
	"fmt"

	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
)

// Keep selects the side that wins a conflict.
type Keep string

const (
	KeepLocal  Keep = "local"
	KeepRemote Keep = "remote"
)

var (
	ErrNotInConflict = errors.New("task is not in conflict")
	ErrNoRemote      = errors.New("remote item is required to keep the remote version")
)

// Resolve settles a flagged conflict and returns the task to save.
//
// KeepLocal clears the flag and adopts the remote timestamp the conflict was
// raised against, so the next pass sees the remote as unchanged and pushes
// the local fields. KeepRemote applies the remote fields and clears dirty.
func Resolve(t models.Task, keep Keep, remote *provider.RemoteItem) (models.Task, error) {
	if !t.Conflict {
		return t, ErrNotInConflict
	}

	switch keep {
	case KeepLocal:
		at := t.ConflictRemoteAt
		if at != nil {
			v := *at
			at = &v
		}
		t.RemoteUpdatedAt = at
		t.Conflict = false
		t.ConflictRemoteAt = nil
		t.Dirty = true
		return t, nil
	case KeepRemote:
		if remote == nil {
			return t, ErrNoRemote
		}
		return adopt(t, *remote), nil
	default:
		return t, fmt.Errorf("unknown keep %q: want local or remote", keep)
	}
}
