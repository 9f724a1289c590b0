package controlplane

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/myme/internal/audit"
	"github.com/fentz26/myme/internal/auth"
	"github.com/fentz26/myme/internal/connectors"
	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
	"github.com/fentz26/myme/internal/provider/providertest"
	"github.com/fentz26/myme/internal/reconcile"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/fentz26/myme/internal/store"
	"github.com/fentz26/myme/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	widgets    = "github:octo/widgets"
	widgetsCol = "octo/widgets"
)

// stubConnector records commands and returns a canned result.
type stubConnector struct {
	result *connectors.ExecResult
	err    error
	dirs   []string
	args   [][]string
}

func (c *stubConnector) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	c.dirs = append(c.dirs, dir)
	c.args = append(c.args, append([]string{cmd}, args...))
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

// testBridge is the command surface without the registry around it.
type testBridge struct {
	*scheduler.Scheduler
	auth *auth.Manager
}

func (b *testBridge) CheckAuth(provider string) models.AuthSession { return b.auth.Check(provider) }

func (b *testBridge) Authenticate(owner, provider string) (scheduler.Handle, error) {
	op, err := scheduler.NewOperation(scheduler.KindAuthenticate, owner, AuthenticatePayload{Provider: provider})
	if err != nil {
		return scheduler.Handle{}, err
	}
	return b.Submit(op)
}

func (b *testBridge) SignOut(provider string) models.AuthSession { return b.auth.SignOut(provider) }

type testEnv struct {
	store   *store.Store
	fake    *providertest.Fake
	auth    *auth.Manager
	vcs     *stubConnector
	sch     *scheduler.Scheduler
	service *Service
	bridge  *testBridge
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	login := func(ctx context.Context, provider string, _ *oauth2.Config) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "token", TokenType: "Bearer"}, nil
	}
	authMgr := auth.NewManager(vault.NewMemory(), map[string]*oauth2.Config{
		"github": {ClientID: "client"},
	}, auth.WithLoginFunc(login))

	fake := providertest.NewFake("github")
	vcs := &stubConnector{result: &connectors.ExecResult{Stdout: "Already up to date.\n"}}

	cfg := scheduler.DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	sch := scheduler.New(cfg)

	service := NewService(st, audit.NewPDRWriter(st), authMgr, provider.NewRegistry(fake), vcs, sch.Backoff())
	service.Register(sch)

	t.Cleanup(func() {
		sch.Shutdown(time.Second)
		authMgr.Wait()
		st.Close()
	})
	return &testEnv{
		store:   st,
		fake:    fake,
		auth:    authMgr,
		vcs:     vcs,
		sch:     sch,
		service: service,
		bridge:  &testBridge{Scheduler: sch, auth: authMgr},
	}
}

// call runs handler h inline with payload.
func call(t *testing.T, h scheduler.Handler, kind scheduler.Kind, payload any) (any, error) {
	t.Helper()
	op, err := scheduler.NewOperation(kind, "test", payload)
	require.NoError(t, err)
	return h(context.Background(), op)
}

func (e *testEnv) project(t *testing.T, repos ...string) *models.Project {
	t.Helper()
	data, err := call(t, e.service.CreateProject, scheduler.KindProjectCreate, ProjectCreatePayload{Name: "Widgets", LinkedRepoIDs: repos})
	require.NoError(t, err)
	return data.(*models.Project)
}

func (e *testEnv) task(t *testing.T, projectID, title string) *models.Task {
	t.Helper()
	data, err := call(t, e.service.Create, scheduler.KindCreate, CreatePayload{ProjectID: projectID, Title: title})
	require.NoError(t, err)
	return data.(*models.Task)
}

func (e *testEnv) sync(t *testing.T, projectID string) SyncSummary {
	t.Helper()
	data, err := call(t, e.service.Sync, scheduler.KindSync, SyncPayload{ProjectID: projectID})
	require.NoError(t, err)
	return data.(SyncSummary)
}

func (e *testEnv) get(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestCreateProject(t *testing.T) {
	env := newTestEnv(t)

	p := env.project(t, widgets, widgets)
	assert.Equal(t, "Widgets", p.Name)
	assert.Equal(t, []string{widgets}, p.LinkedRepoIDs)

	_, err := call(t, env.service.CreateProject, scheduler.KindProjectCreate, ProjectCreatePayload{Name: "  "})
	assert.ErrorIs(t, err, errs.Validation)

	_, err = call(t, env.service.CreateProject, scheduler.KindProjectCreate, ProjectCreatePayload{Name: "x", LinkedRepoIDs: []string{"nope"}})
	assert.ErrorIs(t, err, errs.Validation)
}

func TestLinkRepo(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t)

	data, err := call(t, env.service.LinkRepo, scheduler.KindProjectLink, ProjectLinkPayload{ProjectID: p.ID, RepoID: widgets})
	require.NoError(t, err)
	assert.Equal(t, []string{widgets}, data.(*models.Project).LinkedRepoIDs)

	_, err = call(t, env.service.LinkRepo, scheduler.KindProjectLink, ProjectLinkPayload{ProjectID: p.ID, RepoID: widgets})
	assert.ErrorIs(t, err, errs.Validation)
	assert.ErrorIs(t, err, store.ErrRepoAlreadyLinked)

	_, err = call(t, env.service.LinkRepo, scheduler.KindProjectLink, ProjectLinkPayload{ProjectID: "missing", RepoID: widgets})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets, "github:octo/gears")

	task := env.task(t, p.ID, "  Ship it  ")
	assert.Equal(t, "Ship it", task.Title)
	assert.Equal(t, models.TaskStatusTodo, task.Status)
	assert.Equal(t, widgets, task.RepoID)
	assert.True(t, task.Dirty)
	assert.NotEmpty(t, task.LocalID)

	data, err := call(t, env.service.Create, scheduler.KindCreate, CreatePayload{
		ProjectID: p.ID, Title: "Gear", Status: models.TaskStatusInProgress, RepoID: "github:octo/gears",
	})
	require.NoError(t, err)
	assert.Equal(t, "github:octo/gears", data.(*models.Task).RepoID)

	tests := []struct {
		name    string
		payload CreatePayload
		target  error
	}{
		{"empty title", CreatePayload{ProjectID: p.ID, Title: " "}, errs.Validation},
		{"bad status", CreatePayload{ProjectID: p.ID, Title: "x", Status: "later"}, errs.Validation},
		{"bad repo", CreatePayload{ProjectID: p.ID, Title: "x", RepoID: "nope"}, errs.Validation},
		{"no project id", CreatePayload{Title: "x"}, errs.Validation},
		{"unknown project", CreatePayload{ProjectID: "missing", Title: "x"}, ErrProjectNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, env.service.Create, scheduler.KindCreate, tt.payload)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestUpdateAndMove(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets)
	task := env.task(t, p.ID, "Ship it")

	title := "Ship it today"
	data, err := call(t, env.service.Update, scheduler.KindUpdate, UpdatePayload{LocalID: task.LocalID, Title: &title})
	require.NoError(t, err)
	updated := data.(*models.Task)
	assert.Equal(t, title, updated.Title)
	assert.Greater(t, updated.Rev, task.Rev)

	data, err = call(t, env.service.Move, scheduler.KindMove, MovePayload{LocalID: task.LocalID, Status: models.TaskStatusDone})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, data.(*models.Task).Status)

	_, err = call(t, env.service.Update, scheduler.KindUpdate, UpdatePayload{LocalID: task.LocalID})
	assert.ErrorIs(t, err, ErrEmptyEdit)

	empty := ""
	_, err = call(t, env.service.Update, scheduler.KindUpdate, UpdatePayload{LocalID: task.LocalID, Title: &empty})
	assert.ErrorIs(t, err, errs.Validation)

	_, err = call(t, env.service.Update, scheduler.KindUpdate, UpdatePayload{LocalID: "missing", Title: &title})
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = call(t, env.service.Move, scheduler.KindMove, MovePayload{LocalID: task.LocalID, Status: "someday"})
	assert.ErrorIs(t, err, errs.Validation)
}

func TestDeleteAndFetch(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets)
	keep := env.task(t, p.ID, "Keep")
	drop := env.task(t, p.ID, "Drop")

	data, err := call(t, env.service.Delete, scheduler.KindDelete, DeletePayload{LocalID: drop.LocalID})
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{LocalID: drop.LocalID}, data)

	_, err = call(t, env.service.Delete, scheduler.KindDelete, DeletePayload{LocalID: drop.LocalID})
	assert.ErrorIs(t, err, ErrTaskNotFound)

	data, err = call(t, env.service.Fetch, scheduler.KindFetch, FetchPayload{ProjectID: p.ID})
	require.NoError(t, err)
	res := data.(FetchResult)
	assert.Equal(t, p.ID, res.Project.ID)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, keep.LocalID, res.Tasks[0].LocalID)

	_, err = call(t, env.service.Fetch, scheduler.KindFetch, FetchPayload{ProjectID: "missing"})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestSync_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets)
	task := env.task(t, p.ID, "Local")
	env.fake.Put(widgetsCol, provider.RemoteItem{Title: "Remote", Status: models.TaskStatusTodo})

	summary := env.sync(t, p.ID)
	require.Len(t, summary.Reports, 1)
	report := summary.Reports[0]
	assert.Equal(t, 1, report.CreatedRemote)
	assert.Equal(t, 1, report.CreatedLocal)
	assert.Empty(t, summary.Failed)

	pushed := env.get(t, task.LocalID)
	assert.False(t, pushed.Dirty)
	require.NotNil(t, pushed.RemoteRef)

	tasks, err := env.service.ListTasks(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	// A second pass with nothing changed is a fixed point.
	summary = env.sync(t, p.ID)
	assert.False(t, summary.Reports[0].Changed())
}

func TestSync_ConflictThenResolve(t *testing.T) {
	for _, keep := range []reconcile.Keep{reconcile.KeepLocal, reconcile.KeepRemote} {
		t.Run(string(keep), func(t *testing.T) {
			env := newTestEnv(t)
			p := env.project(t, widgets)
			task := env.task(t, p.ID, "Original")
			env.sync(t, p.ID)
			ref := env.get(t, task.LocalID).RemoteRef

			local := "Local edit"
			_, err := call(t, env.service.Update, scheduler.KindUpdate, UpdatePayload{LocalID: task.LocalID, Title: &local})
			require.NoError(t, err)
			remote := "Remote edit"
			_, err = env.fake.UpdateItem(context.Background(), provider.ItemRef{Collection: widgetsCol, Ref: *ref}, provider.Patch{Title: &remote})
			require.NoError(t, err)

			summary := env.sync(t, p.ID)
			conflicts := summary.Conflicts()
			require.Len(t, conflicts, 1)
			assert.Equal(t, task.LocalID, conflicts[0].LocalID)
			assert.Equal(t, remote, conflicts[0].RemoteTitle)
			flagged := env.get(t, task.LocalID)
			assert.True(t, flagged.Conflict)
			assert.Equal(t, local, flagged.Title)

			data, err := call(t, env.service.Resolve, scheduler.KindResolve, ResolvePayload{LocalID: task.LocalID, Keep: keep})
			require.NoError(t, err)
			resolved := data.(*models.Task)
			assert.False(t, resolved.Conflict)

			env.sync(t, p.ID)
			item, ok := env.fake.Get(widgetsCol, ref.ExternalID)
			require.True(t, ok)
			final := env.get(t, task.LocalID)
			assert.False(t, final.Dirty)
			assert.False(t, final.Conflict)
			if keep == reconcile.KeepLocal {
				assert.Equal(t, local, item.Title)
				assert.Equal(t, local, final.Title)
			} else {
				assert.Equal(t, remote, item.Title)
				assert.Equal(t, remote, final.Title)
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets)
	task := env.task(t, p.ID, "Clean")

	_, err := call(t, env.service.Resolve, scheduler.KindResolve, ResolvePayload{LocalID: task.LocalID, Keep: "both"})
	assert.ErrorIs(t, err, errs.Validation)

	_, err = call(t, env.service.Resolve, scheduler.KindResolve, ResolvePayload{LocalID: task.LocalID, Keep: reconcile.KeepLocal})
	assert.ErrorIs(t, err, ErrConflictNotFlagged)

	_, err = call(t, env.service.Resolve, scheduler.KindResolve, ResolvePayload{LocalID: "missing", Keep: reconcile.KeepLocal})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestResolve_RemoteGone(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets)
	task := env.task(t, p.ID, "Original")
	env.sync(t, p.ID)
	ref := env.get(t, task.LocalID).RemoteRef

	local := "Local edit"
	_, err := call(t, env.service.Update, scheduler.KindUpdate, UpdatePayload{LocalID: task.LocalID, Title: &local})
	require.NoError(t, err)
	remote := "Remote edit"
	_, err = env.fake.UpdateItem(context.Background(), provider.ItemRef{Collection: widgetsCol, Ref: *ref}, provider.Patch{Title: &remote})
	require.NoError(t, err)
	require.Len(t, env.sync(t, p.ID).Conflicts(), 1)

	env.fake.Remove(widgetsCol, ref.ExternalID)
	_, err = call(t, env.service.Resolve, scheduler.KindResolve, ResolvePayload{LocalID: task.LocalID, Keep: reconcile.KeepRemote})
	assert.ErrorIs(t, err, ErrRemoteGone)
	assert.True(t, env.get(t, task.LocalID).Conflict)
}

func TestSync_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	// No client is registered for calendar.
	p := env.project(t, widgets, "calendar:primary")
	env.task(t, p.ID, "Ship it")

	summary := env.sync(t, p.ID)
	require.Len(t, summary.Reports, 1)
	assert.Equal(t, "github:octo/widgets", summary.Reports[0].Collection)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "calendar:primary", summary.Failed[0].Collection)
	assert.Equal(t, string(errs.KindValidation), summary.Failed[0].Kind)
}

func TestSync_AllCollectionsFailed(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "calendar:primary")

	_, err := call(t, env.service.Sync, scheduler.KindSync, SyncPayload{ProjectID: p.ID})
	assert.ErrorIs(t, err, errs.Validation)
}

func TestSync_UnauthorizedAborts(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets, "calendar:primary")
	env.fake.FailNext("list", errs.Unauth("fake.list", "github", errors.New("401")))

	_, err := call(t, env.service.Sync, scheduler.KindSync, SyncPayload{ProjectID: p.ID})
	assert.ErrorIs(t, err, errs.Unauthorized)
	assert.Equal(t, 1, env.fake.Calls("list"))
}

func TestSync_TransientIsRetried(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, widgets)
	env.task(t, p.ID, "Ship it")
	env.fake.FailNext("create", errs.Transient("fake.create", errors.New("reset")))

	summary := env.sync(t, p.ID)
	assert.Equal(t, 1, summary.Reports[0].CreatedRemote)
	assert.Equal(t, 2, env.fake.Calls("create"))
}

func TestSync_PersistentOutageFailsTransient(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	fake := providertest.NewFake("github")
	outage := make([]error, 64)
	for i := range outage {
		outage[i] = errs.Transient("fake.list", errors.New("connection refused"))
	}
	fake.FailNext("list", outage...)

	// Same timeout to backoff ratio as the defaults.
	cfg := scheduler.DefaultConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	cfg.OperationTimeout = 600 * time.Millisecond
	sch := scheduler.New(cfg)
	authMgr := auth.NewManager(vault.NewMemory(), nil)
	service := NewService(st, audit.NewPDRWriter(st), authMgr, provider.NewRegistry(fake), &stubConnector{}, sch.Backoff())
	service.Register(sch)
	t.Cleanup(func() {
		sch.Shutdown(time.Second)
		st.Close()
	})

	data, err := call(t, service.CreateProject, scheduler.KindProjectCreate, ProjectCreatePayload{
		Name: "Widgets", LinkedRepoIDs: []string{widgets, "github:octo/gears"},
	})
	require.NoError(t, err)
	op, err := scheduler.NewOperation(scheduler.KindSync, "board", SyncPayload{ProjectID: data.(*models.Project).ID})
	require.NoError(t, err)
	_, err = sch.Submit(op)
	require.NoError(t, err)

	var outs []scheduler.Outcome
	require.Eventually(t, func() bool {
		outs = append(outs, sch.Drain("board")...)
		return len(outs) > 0
	}, 5*time.Second, 5*time.Millisecond)

	out := outs[0]
	assert.Equal(t, scheduler.StatusFailed, out.Status, "reason=%s", out.Reason)
	require.NotNil(t, out.Error)
	assert.Equal(t, errs.KindNetworkTransient, out.Error.Kind)
	assert.Equal(t, 2*(cfg.RetryMax+1), fake.Calls("list"))
}

func TestPull(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	data, err := call(t, env.service.Pull, scheduler.KindPull, PullPayload{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, "Already up to date.\n", data.(*connectors.ExecResult).Stdout)
	assert.Equal(t, []string{dir}, env.vcs.dirs)
	assert.Equal(t, [][]string{{"git", "pull", "--ff-only"}}, env.vcs.args)

	_, err = call(t, env.service.Pull, scheduler.KindPull, PullPayload{})
	assert.ErrorIs(t, err, errs.Validation)

	env.vcs.result = &connectors.ExecResult{ExitCode: 1, Stderr: "fatal: Not possible to fast-forward, aborting.\n"}
	_, err = call(t, env.service.Pull, scheduler.KindPull, PullPayload{Path: dir})
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
	assert.Equal(t, "fatal: Not possible to fast-forward, aborting.", errs.Message(err))

	env.vcs.result = &connectors.ExecResult{ExitCode: 128}
	_, err = call(t, env.service.Pull, scheduler.KindPull, PullPayload{Path: dir})
	assert.Equal(t, "git pull exited with status 128", errs.Message(err))
}

func TestAuthenticateHandler(t *testing.T) {
	env := newTestEnv(t)

	data, err := call(t, env.service.Authenticate, scheduler.KindAuthenticate, AuthenticatePayload{Provider: "github"})
	require.NoError(t, err)
	assert.True(t, data.(models.AuthSession).Authenticated)
	assert.Equal(t, models.AuthStateAuthenticated, env.auth.Check("github").State)

	_, err = call(t, env.service.Authenticate, scheduler.KindAuthenticate, AuthenticatePayload{Provider: "nowhere"})
	assert.ErrorIs(t, err, errs.Validation)
}
