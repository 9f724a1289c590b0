package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
	"github.com/fentz26/myme/internal/store"
	"github.com/google/uuid"
)

// Store is the part of the local store a sync pass writes through.
type Store interface {
	ListTasks(ctx context.Context, f store.TaskFilter) ([]models.Task, error)
	SaveTasks(ctx context.Context, tasks []models.Task) (store.SaveResult, error)
	MarkPushed(ctx context.Context, id string, rev int64, ref models.RemoteRef, remoteUpdatedAt time.Time) (*models.Task, error)
}

// Retrier runs one remote step, retrying transient failures.
// scheduler.Backoff satisfies it.
type Retrier interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type noRetry struct{}

func (noRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Deps are the collaborators Apply and Sync need.
type Deps struct {
	Store   Store
	Client  provider.Client
	Retrier Retrier
	// NewID and Now default to uuid.NewString and time.Now.
	NewID func() string
	Now   func() time.Time
}

func (d Deps) retrier() Retrier {
	if d.Retrier == nil {
		return noRetry{}
	}
	return d.Retrier
}

func (d Deps) newID() string {
	if d.NewID == nil {
		return uuid.NewString()
	}
	return d.NewID()
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// Conflict describes a task flagged during a pass.
type Conflict struct {
	LocalID     string    `json:"local_id"`
	Title       string    `json:"title"`
	RemoteTitle string    `json:"remote_title"`
	RemoteRef   string    `json:"remote_ref"`
	RemoteAt    time.Time `json:"remote_updated_at"`
}

// EntryError is a per-entry failure that did not abort the pass.
type EntryError struct {
	LocalID string    `json:"local_id"`
	Step    string    `json:"step"`
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// SyncReport summarizes one pass over one collection.
type SyncReport struct {
	Collection    string       `json:"collection"`
	CreatedRemote int          `json:"created_remote"`
	UpdatedRemote int          `json:"updated_remote"`
	CreatedLocal  int          `json:"created_local"`
	UpdatedLocal  int          `json:"updated_local"`
	Orphaned      int          `json:"orphaned"`
	Conflicts     []Conflict   `json:"conflicts"`
	Stale         []string     `json:"stale,omitempty"`
	Errors        []EntryError `json:"errors,omitempty"`
}

func newReport(col models.CollectionRef) SyncReport {
	return SyncReport{Collection: col.String(), Conflicts: []Conflict{}}
}

// Changed reports whether the pass wrote anything.
func (r SyncReport) Changed() bool {
	return r.CreatedRemote+r.UpdatedRemote+r.CreatedLocal+r.UpdatedLocal+r.Orphaned+len(r.Conflicts) > 0
}

// Apply executes a plan. Local applies are written in one transaction first;
// rows changed since the plan was computed are skipped and listed as stale.
// Remote creates and updates follow one by one, each through the retrier, and
// their result is written back with MarkPushed. A cancelled ctx stops the pass
// between steps; an Unauthorized failure aborts it. Other per-entry failures
// are recorded in the report.
func Apply(ctx context.Context, plan SyncPlan, deps Deps) (SyncReport, error) {
	logger := logging.Component("reconcile")
	report := newReport(plan.Collection)

	if err := applyLocal(ctx, plan, deps, &report); err != nil {
		return report, err
	}

	steps := make([]step, 0, len(plan.ToCreateRemote)+len(plan.ToUpdateRemote))
	for _, e := range plan.ToCreateRemote {
		steps = append(steps, step{name: "create_remote", task: e.Task})
	}
	for _, e := range plan.ToUpdateRemote {
		steps = append(steps, step{name: "update_remote", task: e.Task})
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := push(ctx, plan.Collection, s, deps)
		switch errs.KindOf(err) {
		case "":
			if s.name == "create_remote" {
				report.CreatedRemote++
			} else {
				report.UpdatedRemote++
			}
		case errs.KindUnauthorized, errs.KindCancelled:
			return report, err
		default:
			logger.Warn().Ctx(ctx).Err(err).Str("local_id", s.task.LocalID).Str("step", s.name).Msg("sync step failed")
			report.Errors = append(report.Errors, EntryError{
				LocalID: s.task.LocalID,
				Step:    s.name,
				Kind:    errs.KindOf(err),
				Message: errs.Message(err),
			})
		}
	}

	logger.Info().Ctx(ctx).
		Str("collection", report.Collection).
		Int("created_remote", report.CreatedRemote).
		Int("updated_remote", report.UpdatedRemote).
		Int("created_local", report.CreatedLocal).
		Int("updated_local", report.UpdatedLocal).
		Int("conflicts", len(report.Conflicts)).
		Int("orphaned", report.Orphaned).
		Int("errors", len(report.Errors)).
		Msg("sync pass applied")
	return report, nil
}

func applyLocal(ctx context.Context, plan SyncPlan, deps Deps, report *SyncReport) error {
	if len(plan.ToApplyLocal) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := deps.now()
	rows := make([]models.Task, len(plan.ToApplyLocal))
	for i, e := range plan.ToApplyLocal {
		t := e.Task
		if e.Action == ActionCreate {
			t.LocalID = deps.newID()
			t.CreatedAt = now
		}
		rows[i] = t
	}

	res, err := deps.Store.SaveTasks(ctx, rows)
	if err != nil {
		if errs.KindOf(err) == errs.KindCancelled {
			return err
		}
		return errs.StoreErr("sync.apply_local", err)
	}

	stale := make(map[string]bool, len(res.Stale))
	for _, id := range res.Stale {
		stale[id] = true
	}
	for i, e := range plan.ToApplyLocal {
		if stale[rows[i].LocalID] {
			continue
		}
		switch e.Action {
		case ActionCreate:
			report.CreatedLocal++
		case ActionUpdate:
			report.UpdatedLocal++
		case ActionOrphan:
			report.Orphaned++
		case ActionConflict:
			c := Conflict{LocalID: rows[i].LocalID, Title: rows[i].Title}
			if e.Remote != nil {
				c.RemoteTitle = e.Remote.Title
				c.RemoteRef = e.Remote.Ref.Key()
				c.RemoteAt = e.Remote.UpdatedAt
			}
			report.Conflicts = append(report.Conflicts, c)
		}
	}
	report.Stale = append(report.Stale, res.Stale...)
	sort.Strings(report.Stale)
	return nil
}

type step struct {
	name string
	task models.Task
}

func push(ctx context.Context, col models.CollectionRef, s step, deps Deps) error {
	t := s.task
	var item provider.RemoteItem
	err := deps.retrier().Do(ctx, func(ctx context.Context) error {
		var err error
		if s.name == "create_remote" {
			item, err = deps.Client.CreateItem(ctx, col.ID, provider.NewItem{Title: t.Title, Body: t.Body, Status: t.Status})
			return err
		}
		status := t.Status
		item, err = deps.Client.UpdateItem(ctx,
			provider.ItemRef{Collection: col.ID, Ref: *t.RemoteRef},
			provider.Patch{Title: &t.Title, Body: &t.Body, Status: &status},
		)
		return err
	})
	if err != nil {
		return err
	}

	// The remote write happened: record it even if ctx was cancelled since, so
	// the item is never pushed twice.
	if _, err := deps.Store.MarkPushed(context.WithoutCancel(ctx), t.LocalID, t.Rev, item.Ref, item.UpdatedAt); err != nil {
		return errs.StoreErr("sync."+s.name, err)
	}
	return nil
}

// Sync lists the full collection, plans against the local tasks filed under
// it and applies the plan.
func Sync(ctx context.Context, col models.CollectionRef, projectID string, deps Deps) (SyncReport, error) {
	local, err := deps.Store.ListTasks(ctx, store.TaskFilter{RepoID: col.String()})
	if err != nil {
		return newReport(col), errs.StoreErr("sync.list_local", err)
	}

	var items []provider.RemoteItem
	err = deps.retrier().Do(ctx, func(ctx context.Context) error {
		var err error
		items, err = deps.Client.ListItems(ctx, col.ID, nil)
		return err
	})
	if err != nil {
		return newReport(col), err
	}

	plan := Plan(local, Snapshot{Collection: col, ProjectID: projectID, Items: items, Complete: true})
	return Apply(ctx, plan, deps)
}
