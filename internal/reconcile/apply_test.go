package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
	"github.com/fentz26/myme/internal/provider/providertest"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/fentz26/myme/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store   *store.Store
	remote  *providertest.Fake
	project *models.Project
	deps    Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p, err := s.CreateProject(context.Background(), "Widgets", "", []string{col.String()})
	require.NoError(t, err)

	remote := providertest.NewFake("github")
	return &harness{
		store:   s,
		remote:  remote,
		project: p,
		deps: Deps{
			Store:   s,
			Client:  remote,
			Retrier: scheduler.Backoff{Retries: 2, Base: time.Millisecond, Max: 5 * time.Millisecond},
		},
	}
}

func (h *harness) sync(t *testing.T) SyncReport {
	t.Helper()
	report, err := Sync(context.Background(), col, h.project.ID, h.deps)
	require.NoError(t, err)
	return report
}

func (h *harness) createLocal(t *testing.T, title string) *models.Task {
	t.Helper()
	task := &models.Task{Title: title, ProjectID: h.project.ID, RepoID: col.String(), Dirty: true}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

func (h *harness) get(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (h *harness) onlyTask(t *testing.T) models.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), store.TaskFilter{ProjectID: h.project.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestSync_LocalOnlyTaskGainsRemoteRef(t *testing.T) {
	h := newHarness(t)
	task := h.createLocal(t, "write docs")

	report := h.sync(t)
	assert.Equal(t, 1, report.CreatedRemote)

	got := h.get(t, task.LocalID)
	require.NotNil(t, got.RemoteRef)
	assert.Equal(t, "github", got.RemoteRef.Provider)
	assert.False(t, got.Dirty)

	items := h.remote.Items(col.ID)
	require.Len(t, items, 1)
	assert.Equal(t, "write docs", items[0].Title)
	assert.Equal(t, items[0].Ref.ExternalID, got.RemoteRef.ExternalID)

	again := h.sync(t)
	assert.False(t, again.Changed(), "second pass is a no-op: %+v", again)
	assert.Equal(t, 1, h.remote.Calls("create"))
	assert.Zero(t, h.remote.Calls("update"))
}

func TestSync_RemoteEditReachesCleanTask(t *testing.T) {
	h := newHarness(t)
	base := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	seeded := h.remote.Put(col.ID, provider.RemoteItem{Title: "v1", Status: models.TaskStatusTodo, UpdatedAt: base})

	report := h.sync(t)
	assert.Equal(t, 1, report.CreatedLocal)
	mirrored := h.onlyTask(t)
	assert.Equal(t, "v1", mirrored.Title)
	assert.False(t, mirrored.Dirty)

	seeded.Title = "v2"
	seeded.Status = models.TaskStatusBlocked
	seeded.UpdatedAt = base.Add(time.Hour)
	h.remote.Put(col.ID, seeded)

	report = h.sync(t)
	assert.Equal(t, 1, report.UpdatedLocal)
	got := h.get(t, mirrored.LocalID)
	assert.Equal(t, "v2", got.Title)
	assert.Equal(t, models.TaskStatusBlocked, got.Status)
	assert.False(t, got.Dirty)

	assert.False(t, h.sync(t).Changed())
}

func TestSync_ConcurrentEditsKeepLocalFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	seeded := h.remote.Put(col.ID, provider.RemoteItem{Title: "original", Status: models.TaskStatusTodo, UpdatedAt: base})
	h.sync(t)
	task := h.onlyTask(t)

	title := "local edit"
	_, err := h.store.EditTask(ctx, task.LocalID, store.TaskEdit{Title: &title})
	require.NoError(t, err)

	seeded.Title = "remote edit"
	seeded.UpdatedAt = base.Add(2 * time.Hour)
	h.remote.Put(col.ID, seeded)

	report := h.sync(t)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "local edit", report.Conflicts[0].Title)
	assert.Equal(t, "remote edit", report.Conflicts[0].RemoteTitle)

	got := h.get(t, task.LocalID)
	assert.Equal(t, "local edit", got.Title)
	assert.True(t, got.Dirty)
	assert.True(t, got.Conflict)

	again := h.sync(t)
	assert.False(t, again.Changed(), "a flagged conflict is not raised twice")
	assert.Zero(t, h.remote.Calls("update"), "a conflicting task is never pushed")

	// Keeping the local side pushes it on the next pass.
	resolved, err := Resolve(*got, KeepLocal, nil)
	require.NoError(t, err)
	res, err := h.store.SaveTasks(ctx, []models.Task{resolved})
	require.NoError(t, err)
	require.Empty(t, res.Stale)

	report = h.sync(t)
	assert.Equal(t, 1, report.UpdatedRemote)
	remote, ok := h.remote.Get(col.ID, seeded.Ref.ExternalID)
	require.True(t, ok)
	assert.Equal(t, "local edit", remote.Title)

	got = h.get(t, task.LocalID)
	assert.False(t, got.Dirty)
	assert.False(t, got.Conflict)
	assert.False(t, h.sync(t).Changed())
}

func TestSync_MissingRemoteItemOrphansTask(t *testing.T) {
	h := newHarness(t)
	seeded := h.remote.Put(col.ID, provider.RemoteItem{Title: "doomed", Status: models.TaskStatusInProgress, UpdatedAt: time.Now().UTC().Add(time.Hour)})
	h.sync(t)

	h.remote.Remove(col.ID, seeded.Ref.ExternalID)
	report := h.sync(t)
	assert.Equal(t, 1, report.Orphaned)

	got := h.onlyTask(t)
	assert.True(t, got.Orphaned)
	assert.Nil(t, got.RemoteRef)
	assert.Equal(t, models.TaskStatusInProgress, got.Status)

	assert.False(t, h.sync(t).Changed())
	assert.Zero(t, h.remote.Calls("create"), "orphans are not recreated")
}

func TestApply_SkipsRowsEditedDuringThePass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	seeded := h.remote.Put(col.ID, provider.RemoteItem{Title: "v1", UpdatedAt: base})
	h.sync(t)
	task := h.onlyTask(t)

	seeded.Title = "v2"
	seeded.UpdatedAt = base.Add(time.Hour)
	h.remote.Put(col.ID, seeded)

	local, err := h.store.ListTasks(ctx, store.TaskFilter{RepoID: col.String()})
	require.NoError(t, err)
	plan := Plan(local, Snapshot{Collection: col, ProjectID: h.project.ID, Items: h.remote.Items(col.ID), Complete: true})
	require.Len(t, plan.ToApplyLocal, 1)

	title := "typed meanwhile"
	_, err = h.store.EditTask(ctx, task.LocalID, store.TaskEdit{Title: &title})
	require.NoError(t, err)

	report, err := Apply(ctx, plan, h.deps)
	require.NoError(t, err)
	assert.Zero(t, report.UpdatedLocal)
	assert.Equal(t, []string{task.LocalID}, report.Stale)
	assert.Equal(t, "typed meanwhile", h.get(t, task.LocalID).Title)
}

func TestApply_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	task := h.createLocal(t, "flaky")
	h.remote.FailNext("create", errs.Transient("fake.create", errors.New("connection reset")))

	report := h.sync(t)
	assert.Equal(t, 1, report.CreatedRemote)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, h.remote.Calls("create"))
	assert.NotNil(t, h.get(t, task.LocalID).RemoteRef)
}

func TestApply_RecordsEntryFailuresAndContinues(t *testing.T) {
	h := newHarness(t)
	first := h.createLocal(t, "rejected")
	second := h.createLocal(t, "accepted")
	// Tasks are pushed in local id order.
	failing := first
	if second.LocalID < first.LocalID {
		failing = second
	}
	h.remote.FailNext("create", errs.Invalid("fake.create", "label does not exist"))

	report := h.sync(t)
	assert.Equal(t, 1, report.CreatedRemote)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, failing.LocalID, report.Errors[0].LocalID)
	assert.Equal(t, errs.KindValidation, report.Errors[0].Kind)
	assert.Equal(t, "label does not exist", report.Errors[0].Message)

	got := h.get(t, failing.LocalID)
	assert.Nil(t, got.RemoteRef)
	assert.True(t, got.Dirty, "failed pushes stay dirty")
}

func TestApply_UnauthorizedAbortsThePass(t *testing.T) {
	h := newHarness(t)
	h.createLocal(t, "one")
	h.createLocal(t, "two")
	h.remote.FailNext("create", errs.Unauth("fake.create", "github", errors.New("401")))

	_, err := Sync(context.Background(), col, h.project.ID, h.deps)
	assert.ErrorIs(t, err, errs.Unauthorized)
	assert.Equal(t, 1, h.remote.Calls("create"))
	assert.Empty(t, h.remote.Items(col.ID))
}

// cancelAfterFirst cancels the pass once the first remote step returned.
type cancelAfterFirst struct {
	cancel context.CancelFunc
}

func (c cancelAfterFirst) Do(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	c.cancel()
	return err
}

func TestApply_CancellationStopsBetweenSteps(t *testing.T) {
	h := newHarness(t)
	h.createLocal(t, "one")
	h.createLocal(t, "two")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deps := h.deps
	deps.Retrier = cancelAfterFirst{cancel: cancel}

	local, err := h.store.ListTasks(ctx, store.TaskFilter{RepoID: col.String()})
	require.NoError(t, err)
	report, err := Apply(ctx, Plan(local, Snapshot{Collection: col, Complete: true}), deps)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.CreatedRemote)
	assert.Equal(t, 1, h.remote.Calls("create"))

	// The step that reached the provider was recorded despite the cancel.
	tasks, err := h.store.ListTasks(context.Background(), store.TaskFilter{RepoID: col.String()})
	require.NoError(t, err)
	pushed := 0
	for _, task := range tasks {
		if task.RemoteRef != nil {
			pushed++
			assert.False(t, task.Dirty)
		}
	}
	assert.Equal(t, 1, pushed)
}

func TestSync_ListFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.createLocal(t, "pending")
	h.remote.FailNext("list", errs.Invalid("fake.list", "repository not found"))

	_, err := Sync(context.Background(), col, h.project.ID, h.deps)
	assert.ErrorIs(t, err, errs.Validation)
	assert.Zero(t, h.remote.Calls("create"))
	assert.True(t, h.onlyTask(t).Dirty)
}
