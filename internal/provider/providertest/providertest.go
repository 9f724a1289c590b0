// Package providertest provides in-memory provider doubles for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
)

// Tokens is a TokenSource returning a fixed token and recording
// invalidations.
type Tokens struct {
	mu          sync.Mutex
	Value       string
	Err         error
	Invalidated []string
}

// Token implements provider.TokenSource.
func (t *Tokens) Token(context.Context, string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return "", t.Err
	}
	if t.Value == "" {
		return "test-token", nil
	}
	return t.Value, nil
}

// Invalidate implements provider.TokenSource.
func (t *Tokens) Invalidate(provider string, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Invalidated = append(t.Invalidated, provider)
}

// InvalidatedProviders returns a copy of the recorded invalidations.
func (t *Tokens) InvalidatedProviders() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Invalidated...)
}

// Fake is an in-memory provider.Client. Items live per collection and every
// write moves the item's updated_at one second past the fake clock.
type Fake struct {
	mu     sync.Mutex
	id     string
	now    time.Time
	next   int
	items  map[string]map[string]*provider.RemoteItem
	calls  map[string]int
	errors map[string][]error
	// Gate, when set, is received from before every call returns.
	Gate chan struct{}
}

// NewFake returns an empty fake for provider id.
func NewFake(id string) *Fake {
	return &Fake{
		id:     id,
		now:    time.Now().UTC().Truncate(time.Second),
		items:  map[string]map[string]*provider.RemoteItem{},
		calls:  map[string]int{},
		errors: map[string][]error{},
	}
}

// ID implements provider.Client.
func (f *Fake) ID() string { return f.id }

// Put seeds or replaces a remote item and returns it.
func (f *Fake) Put(collection string, item provider.RemoteItem) provider.RemoteItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.Ref.Provider == "" {
		item.Ref.Provider = f.id
	}
	if item.Ref.ExternalID == "" {
		f.next++
		item.Ref.Number = f.next
		item.Ref.ExternalID = fmt.Sprintf("%s#%d", collection, f.next)
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = f.tick()
	} else if item.UpdatedAt.After(f.now) {
		f.now = item.UpdatedAt
	}
	if f.items[collection] == nil {
		f.items[collection] = map[string]*provider.RemoteItem{}
	}
	cp := item
	f.items[collection][item.Ref.ExternalID] = &cp
	return cp
}

// Remove deletes a remote item.
func (f *Fake) Remove(collection, externalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items[collection], externalID)
}

// Get returns the current remote item.
func (f *Fake) Get(collection, externalID string) (provider.RemoteItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[collection][externalID]
	if !ok {
		return provider.RemoteItem{}, false
	}
	return *it, true
}

// Items returns the collection's items sorted by external id.
func (f *Fake) Items(collection string) []provider.RemoteItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(collection, nil)
}

// FailNext queues errors returned by the next calls of method
// ("list", "create" or "update").
func (f *Fake) FailNext(method string, failures ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = append(f.errors[method], failures...)
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// ListItems implements provider.Client.
func (f *Fake) ListItems(ctx context.Context, collection string, since *time.Time) ([]provider.RemoteItem, error) {
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(collection, since), nil
}

// CreateItem implements provider.Client.
func (f *Fake) CreateItem(ctx context.Context, collection string, item provider.NewItem) (provider.RemoteItem, error) {
	if err := f.enter(ctx, "create"); err != nil {
		return provider.RemoteItem{}, err
	}
	if item.Title == "" {
		return provider.RemoteItem{}, errs.Invalid("fake.create", "title is required")
	}
	return f.Put(collection, provider.RemoteItem{Title: item.Title, Body: item.Body, Status: item.Status}), nil
}

// UpdateItem implements provider.Client.
func (f *Fake) UpdateItem(ctx context.Context, ref provider.ItemRef, patch provider.Patch) (provider.RemoteItem, error) {
	if err := f.enter(ctx, "update"); err != nil {
		return provider.RemoteItem{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[ref.Collection][ref.Ref.ExternalID]
	if !ok {
		return provider.RemoteItem{}, errs.Invalid("fake.update", "no item %s", ref.Ref.ExternalID)
	}
	if patch.Title != nil {
		it.Title = *patch.Title
	}
	if patch.Body != nil {
		it.Body = *patch.Body
	}
	if patch.Status != nil {
		it.Status = *patch.Status
	}
	it.UpdatedAt = f.tick()
	return *it, nil
}

func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	var err error
	if q := f.errors[method]; len(q) > 0 {
		err, f.errors[method] = q[0], q[1:]
	}
	gate := f.Gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// tick must be called with mu held.
func (f *Fake) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

// sorted must be called with mu held.
func (f *Fake) sorted(collection string, since *time.Time) []provider.RemoteItem {
	out := []provider.RemoteItem{}
	for _, it := range f.items[collection] {
		if since != nil && it.UpdatedAt.Before(*since) {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ExternalID < out[j].Ref.ExternalID })
	return out
}

var _ provider.Client = (*Fake)(nil)
var _ provider.TokenSource = (*Tokens)(nil)

// Status is a convenience for building a provider.Patch.
func Status(s models.TaskStatus) *models.TaskStatus { return &s }
