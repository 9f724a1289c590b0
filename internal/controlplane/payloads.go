package controlplane

import (
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/reconcile"
)

// Operation payloads, one per scheduler kind.

type FetchPayload struct {
	ProjectID string `json:"project_id"`
}

type CreatePayload struct {
	ProjectID string            `json:"project_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Status    models.TaskStatus `json:"status,omitempty"`
	// RepoID defaults to the project's first linked repo.
	RepoID string `json:"repo_id,omitempty"`
}

type UpdatePayload struct {
	LocalID string  `json:"local_id"`
	Title   *string `json:"title,omitempty"`
	Body    *string `json:"body,omitempty"`
}

type MovePayload struct {
	LocalID string            `json:"local_id"`
	Status  models.TaskStatus `json:"status"`
}

type DeletePayload struct {
	LocalID string `json:"local_id"`
}

type SyncPayload struct {
	ProjectID string `json:"project_id"`
}

type ResolvePayload struct {
	LocalID string         `json:"local_id"`
	Keep    reconcile.Keep `json:"keep"`
}

type AuthenticatePayload struct {
	Provider string `json:"provider"`
}

type PullPayload struct {
	Path string `json:"path"`
}

type ProjectCreatePayload struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	LinkedRepoIDs []string `json:"linked_repo_ids"`
}

type ProjectLinkPayload struct {
	ProjectID string `json:"project_id"`
	RepoID    string `json:"repo_id"`
}

// FetchResult is the data of a fetch outcome.
type FetchResult struct {
	Project models.Project `json:"project"`
	Tasks   []models.Task  `json:"tasks"`
}

// CollectionError is a collection a sync pass could not reach.
type CollectionError struct {
	Collection string `json:"collection"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// SyncSummary is the data of a sync outcome.
type SyncSummary struct {
	ProjectID string                 `json:"project_id"`
	Reports   []reconcile.SyncReport `json:"reports"`
	Failed    []CollectionError      `json:"failed,omitempty"`
}

// Conflicts returns the conflicts raised across all collections.
func (s SyncSummary) Conflicts() []reconcile.Conflict {
	var out []reconcile.Conflict
	for _, r := range s.Reports {
		out = append(out, r.Conflicts...)
	}
	return out
}

// DeleteResult is the data of a delete outcome.
type DeleteResult struct {
	LocalID string `json:"local_id"`
}
