// Package provider defines the client contract for remote collections
// (issue trackers, calendars, mailboxes) and the HTTP plumbing shared by the
// concrete clients.
package provider

import (
	"context"
	"sort"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
)

// RemoteItem is the provider-neutral view of one remote item.
type RemoteItem struct {
	Ref       models.RemoteRef  `json:"ref"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Status    models.TaskStatus `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewItem is the payload of CreateItem.
type NewItem struct {
	Title  string
	Body   string
	Status models.TaskStatus
}

// Patch carries the fields to change; nil fields are left alone.
type Patch struct {
	Title  *string
	Body   *string
	Status *models.TaskStatus
}

// ItemRef addresses an existing remote item.
type ItemRef struct {
	Collection string
	Ref        models.RemoteRef
}

// Client talks to one remote provider. Implementations classify failures
// into errs kinds and never retry on their own.
type Client interface {
	// ID is the provider id used in remote refs and collection refs.
	ID() string
	ListItems(ctx context.Context, collection string, since *time.Time) ([]RemoteItem, error)
	CreateItem(ctx context.Context, collection string, item NewItem) (RemoteItem, error)
	UpdateItem(ctx context.Context, ref ItemRef, patch Patch) (RemoteItem, error)
}

// TokenSource hands out access tokens and learns about rejected ones.
type TokenSource interface {
	Token(ctx context.Context, provider string) (string, error)
	Invalidate(provider string, cause error)
}

// Registry maps provider ids to clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry returns a registry holding clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ID()] = c
	}
	return r
}

// Get returns the client for provider.
func (r *Registry) Get(provider string) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, errs.Invalid("provider.get", "no client for provider %q", provider)
	}
	return c, nil
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
