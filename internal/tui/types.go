package tui

import (
	"time"

	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
)

// pendingOp is an operation submitted by the board whose outcome has not
// been drained yet.
type pendingOp struct {
	kind      scheduler.Kind
	label     string
	submitted time.Time
}

type tickMsg time.Time

type outcomesMsg struct {
	outcomes []scheduler.Outcome
	err      error
}

type submittedMsg struct {
	handle scheduler.Handle
	kind   scheduler.Kind
	label  string
}

type projectsLoadedMsg struct {
	projects []models.Project
}

type tasksLoadedMsg struct {
	projectID string
	tasks     []models.Task
}

type authLoadedMsg struct {
	session models.AuthSession
}

type statsLoadedMsg struct {
	stats map[string]any
}

type cmdResultMsg struct {
	message string
}

type errMsg struct {
	err error
}
