// Package models defines the core domain types for myme.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the board column a task sits in.
// Statuses are ordered by declaration only; no workflow is enforced.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []TaskStatus{
	TaskStatusBacklog,
	TaskStatusTodo,
	TaskStatusInProgress,
	TaskStatusBlocked,
	TaskStatusReview,
	TaskStatusDone,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// RemoteRef links a task to an item held by a remote provider.
type RemoteRef struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"external_id"`
	Number     int    `json:"number,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Key returns the matching key used by sync.
func (r RemoteRef) Key() string {
	return r.Provider + "/" + r.ExternalID
}

// Task is a unit of work, owned locally and optionally mirrored remotely.
type Task struct {
	LocalID   string     `json:"local_id"`
	RemoteRef *RemoteRef `json:"remote_ref,omitempty"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Status    TaskStatus `json:"status"`
	ProjectID string     `json:"project_id"`
	RepoID    string     `json:"repo_id,omitempty"`

	// Dirty means the local copy carries edits not yet pushed remotely.
	Dirty            bool       `json:"dirty"`
	Conflict         bool       `json:"conflict"`
	ConflictRemoteAt *time.Time `json:"conflict_remote_at,omitempty"`
	Orphaned         bool       `json:"orphaned"`
	RemoteUpdatedAt  *time.Time `json:"remote_updated_at,omitempty"`
	LocalUpdatedAt   time.Time  `json:"local_updated_at"`
	CreatedAt        time.Time  `json:"created_at"`
	// Rev increments on every write and guards sync writes against
	// concurrent local edits.
	Rev int64 `json:"rev"`
}

// IsLinked reports whether the task has a remote counterpart.
func (t *Task) IsLinked() bool {
	return t.RemoteRef != nil
}

// Project groups tasks and the remote collections they mirror.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// LinkedRepoIDs is insertion ordered; the first entry is the default
	// collection for newly created tasks.
	LinkedRepoIDs []string  `json:"linked_repo_ids"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DefaultRepoID returns the collection new tasks are assigned to, if any.
func (p *Project) DefaultRepoID() string {
	if len(p.LinkedRepoIDs) == 0 {
		return ""
	}
	return p.LinkedRepoIDs[0]
}

// CollectionRef identifies a remote collection (a repository, a calendar, a mail label).
type CollectionRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// String renders the ref in the "<provider>:<id>" form stored as repo_id.
func (c CollectionRef) String() string {
	return c.Provider + ":" + c.ID
}

// ParseCollectionRef parses a "<provider>:<id>" repo id.
func ParseCollectionRef(s string) (CollectionRef, error) {
	provider, id, ok := strings.Cut(s, ":")
	if !ok || provider == "" || id == "" {
		return CollectionRef{}, fmt.Errorf("invalid collection ref %q: want <provider>:<id>", s)
	}
	return CollectionRef{Provider: provider, ID: id}, nil
}

// AuthState is a provider's position in the sign-in state machine.
type AuthState string

const (
	AuthStateUnauthenticated AuthState = "unauthenticated"
	AuthStateAuthenticating  AuthState = "authenticating"
	AuthStateAuthenticated   AuthState = "authenticated"
)

// AuthSession is the cached authentication state of one provider.
type AuthSession struct {
	ProviderID    string    `json:"provider_id"`
	State         AuthState `json:"state"`
	Authenticated bool      `json:"authenticated"`
	// TokenHandle references the vault entry, never the secret itself.
	TokenHandle string     `json:"token_handle,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
