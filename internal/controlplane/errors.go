package controlplane

import "errors"

// Sentinel errors for control plane operations. They are wrapped into
// errs.Validation failures before they reach an outcome.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrConflictNotFlagged = errors.New("task has no conflict to resolve")
	ErrRemoteGone         = errors.New("remote item no longer exists")
	ErrEmptyEdit          = errors.New("nothing to change")
	ErrNotLinked          = errors.New("task is not filed under a collection")
)
