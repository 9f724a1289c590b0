// Package controlplane provides the operation handlers and the loopback HTTP
// bridge for myme.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/myme/internal/audit"
	"github.com/fentz26/myme/internal/connectors"
	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
	"github.com/fentz26/myme/internal/reconcile"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/fentz26/myme/internal/store"
	"github.com/rs/zerolog"
)

// Authenticator runs a provider sign-in.
type Authenticator interface {
	Authenticate(ctx context.Context, provider string) (models.AuthSession, error)
}

// Service provides the control plane business logic. Each exported method
// with a scheduler.Handler signature serves one operation kind.
type Service struct {
	store     *store.Store
	pdr       *audit.PDRWriter
	auth      Authenticator
	providers *provider.Registry
	vcs       connectors.Connector
	retry     reconcile.Retrier
	logger    zerolog.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter, authn Authenticator, providers *provider.Registry, vcs connectors.Connector, retry reconcile.Retrier) *Service {
	return &Service{
		store:     s,
		pdr:       pdr,
		auth:      authn,
		providers: providers,
		vcs:       vcs,
		retry:     retry,
		logger:    logging.Component("controlplane"),
	}
}

// Register installs a handler for every operation kind.
func (s *Service) Register(sch *scheduler.Scheduler) {
	sch.Handle(scheduler.KindFetch, s.Fetch)
	sch.Handle(scheduler.KindCreate, s.Create)
	sch.Handle(scheduler.KindUpdate, s.Update)
	sch.Handle(scheduler.KindMove, s.Move)
	sch.Handle(scheduler.KindDelete, s.Delete)
	sch.HandleSteps(scheduler.KindSync, s.Sync)
	sch.HandleSteps(scheduler.KindResolve, s.Resolve)
	// Sign-in is interactive; a failed attempt is never re-run behind the user.
	sch.HandleSteps(scheduler.KindAuthenticate, s.Authenticate)
	sch.Handle(scheduler.KindPull, s.Pull)
	sch.Handle(scheduler.KindProjectCreate, s.CreateProject)
	sch.Handle(scheduler.KindProjectLink, s.LinkRepo)
}

// --- Read paths ---

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]models.Project, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, s.storeErr("projects.list", err)
	}
	return projects, nil
}

// ListTasks returns a project's tasks.
func (s *Service) ListTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{ProjectID: projectID})
	if err != nil {
		return nil, s.storeErr("tasks.list", err)
	}
	return tasks, nil
}

// --- Task Operations ---

// Fetch lists a project's tasks from the local store.
func (s *Service) Fetch(ctx context.Context, op scheduler.Operation) (any, error) {
	var p FetchPayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, "fetch", p.ProjectID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.ListTasks(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return FetchResult{Project: *project, Tasks: tasks}, nil
}

// Create inserts a dirty local task.
func (s *Service) Create(ctx context.Context, op scheduler.Operation) (any, error) {
	var p CreatePayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, errs.Invalid("create", "title is required")
	}
	status := p.Status
	if status == "" {
		status = models.TaskStatusTodo
	}
	if !status.Valid() {
		return nil, errs.Invalid("create", "unknown status %q", status)
	}
	project, err := s.project(ctx, "create", p.ProjectID)
	if err != nil {
		return nil, err
	}
	repoID := p.RepoID
	if repoID == "" {
		repoID = project.DefaultRepoID()
	} else if _, err := models.ParseCollectionRef(repoID); err != nil {
		return nil, errs.Invalid("create", "%v", err)
	}

	task := &models.Task{
		Title:     title,
		Body:      p.Body,
		Status:    status,
		ProjectID: project.ID,
		RepoID:    repoID,
		Dirty:     true,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, s.fail(ctx, "task.create", p, "", s.storeErr("create", err))
	}
	s.pdr.Record(ctx, "task.create", p, audit.OutcomeSuccess, task.LocalID, "")
	return task, nil
}

// Update edits a task's title or body.
func (s *Service) Update(ctx context.Context, op scheduler.Operation) (any, error) {
	var p UpdatePayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	if p.Title == nil && p.Body == nil {
		return nil, errs.E(errs.KindValidation, "update", "give a title or a body to change", ErrEmptyEdit)
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return nil, errs.Invalid("update", "title cannot be empty")
	}
	return s.edit(ctx, "task.update", p.LocalID, p, store.TaskEdit{Title: p.Title, Body: p.Body})
}

// Move changes a task's status.
func (s *Service) Move(ctx context.Context, op scheduler.Operation) (any, error) {
	var p MovePayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	if !p.Status.Valid() {
		return nil, errs.Invalid("move", "unknown status %q", p.Status)
	}
	return s.edit(ctx, "task.move", p.LocalID, p, store.TaskEdit{Status: &p.Status})
}

func (s *Service) edit(ctx context.Context, action, id string, inputs any, edit store.TaskEdit) (any, error) {
	task, err := s.store.EditTask(ctx, id, edit)
	if err != nil {
		return nil, s.fail(ctx, action, inputs, id, s.storeErr(action, err))
	}
	s.pdr.Record(ctx, action, inputs, audit.OutcomeSuccess, id, "")
	return task, nil
}

// Delete removes a task locally. Its remote counterpart is left alone.
func (s *Service) Delete(ctx context.Context, op scheduler.Operation) (any, error) {
	var p DeletePayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	if err := s.store.DeleteTask(ctx, p.LocalID); err != nil {
		return nil, s.fail(ctx, "task.delete", p, p.LocalID, s.storeErr("delete", err))
	}
	s.pdr.Record(ctx, "task.delete", p, audit.OutcomeSuccess, p.LocalID, "")
	return DeleteResult{LocalID: p.LocalID}, nil
}

// --- Sync ---

// Sync reconciles every collection linked to a project. A collection that
// cannot be reached is reported and the others still sync; the operation
// fails only when all of them failed, or at once on Unauthorized or
// cancellation.
func (s *Service) Sync(ctx context.Context, op scheduler.Operation) (any, error) {
	var p SyncPayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, "sync", p.ProjectID)
	if err != nil {
		return nil, err
	}

	summary := SyncSummary{ProjectID: project.ID, Reports: []reconcile.SyncReport{}}
	var firstErr error
	for _, repoID := range project.LinkedRepoIDs {
		report, err := s.syncCollection(ctx, project.ID, repoID)
		if err == nil {
			summary.Reports = append(summary.Reports, report)
			continue
		}
		switch errs.KindOf(err) {
		case errs.KindUnauthorized, errs.KindCancelled:
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
		summary.Failed = append(summary.Failed, CollectionError{
			Collection: repoID,
			Kind:       string(errs.KindOf(err)),
			Message:    errs.Message(err),
		})
	}
	if len(summary.Reports) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return summary, nil
}

func (s *Service) syncCollection(ctx context.Context, projectID, repoID string) (reconcile.SyncReport, error) {
	inputs := map[string]string{"project_id": projectID, "repo_id": repoID}
	col, err := models.ParseCollectionRef(repoID)
	if err != nil {
		return reconcile.SyncReport{}, errs.Invalid("sync", "%v", err)
	}
	client, err := s.providers.Get(col.Provider)
	if err != nil {
		return reconcile.SyncReport{}, err
	}

	report, err := reconcile.Sync(ctx, col, projectID, reconcile.Deps{
		Store:   s.store,
		Client:  client,
		Retrier: s.retry,
	})
	details, _ := json.Marshal(report)
	switch {
	case err != nil:
		s.pdr.Record(context.WithoutCancel(ctx), "sync", inputs, outcomeFor(err), "", errs.Message(err))
		return report, err
	case len(report.Conflicts) > 0:
		s.pdr.Record(ctx, "sync", inputs, audit.OutcomeConflict, "", string(details))
	default:
		s.pdr.Record(ctx, "sync", inputs, audit.OutcomeSuccess, "", string(details))
	}
	return report, nil
}

// Resolve settles a flagged conflict. Keeping the remote side re-reads the
// remote item so the freshest version wins.
func (s *Service) Resolve(ctx context.Context, op scheduler.Operation) (any, error) {
	var p ResolvePayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	if p.Keep != reconcile.KeepLocal && p.Keep != reconcile.KeepRemote {
		return nil, errs.Invalid("resolve", "keep must be %q or %q", reconcile.KeepLocal, reconcile.KeepRemote)
	}
	task, err := s.store.GetTask(ctx, p.LocalID)
	if err != nil {
		return nil, s.storeErr("resolve", err)
	}
	if task == nil {
		return nil, errs.E(errs.KindValidation, "resolve", "task not found", ErrTaskNotFound)
	}
	if !task.Conflict {
		return nil, errs.E(errs.KindValidation, "resolve", "the task has no conflict to resolve", ErrConflictNotFlagged)
	}

	var remote *provider.RemoteItem
	if p.Keep == reconcile.KeepRemote {
		remote, err = s.remoteItem(ctx, task)
		if err != nil {
			return nil, s.fail(ctx, "task.resolve", p, task.LocalID, err)
		}
	}

	resolved, err := reconcile.Resolve(*task, p.Keep, remote)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "resolve", err.Error(), err)
	}
	res, err := s.store.SaveTasks(ctx, []models.Task{resolved})
	if err != nil {
		return nil, s.fail(ctx, "task.resolve", p, task.LocalID, s.storeErr("resolve", err))
	}
	if len(res.Stale) > 0 {
		err := errs.E(errs.KindConflict, "resolve", "the task changed while resolving, try again", nil)
		return nil, s.fail(ctx, "task.resolve", p, task.LocalID, err)
	}
	s.pdr.Record(ctx, "task.resolve", p, audit.OutcomeSuccess, task.LocalID, string(p.Keep))

	updated, err := s.store.GetTask(ctx, task.LocalID)
	if err != nil {
		return nil, s.storeErr("resolve", err)
	}
	return updated, nil
}

func (s *Service) remoteItem(ctx context.Context, task *models.Task) (*provider.RemoteItem, error) {
	if task.RemoteRef == nil || task.RepoID == "" {
		return nil, errs.E(errs.KindValidation, "resolve", "the task is not linked to a remote item", ErrNotLinked)
	}
	col, err := models.ParseCollectionRef(task.RepoID)
	if err != nil {
		return nil, errs.Invalid("resolve", "%v", err)
	}
	client, err := s.providers.Get(col.Provider)
	if err != nil {
		return nil, err
	}

	var items []provider.RemoteItem
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		items, err = client.ListItems(ctx, col.ID, task.ConflictRemoteAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	key := task.RemoteRef.Key()
	for i := range items {
		if items[i].Ref.Key() == key {
			return &items[i], nil
		}
	}
	return nil, errs.E(errs.KindValidation, "resolve", "the remote item no longer exists, keep the local version", ErrRemoteGone)
}

// --- Auth and local repositories ---

// Authenticate runs the provider sign-in flow.
func (s *Service) Authenticate(ctx context.Context, op scheduler.Operation) (any, error) {
	var p AuthenticatePayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	session, err := s.auth.Authenticate(ctx, p.Provider)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Pull fast-forwards a local checkout.
func (s *Service) Pull(ctx context.Context, op scheduler.Operation) (any, error) {
	var p PullPayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, errs.Invalid("pull", "path is required")
	}

	result, err := s.vcs.Execute(ctx, p.Path, "git", []string{"pull", "--ff-only"})
	if err != nil {
		return nil, s.fail(ctx, "repo.pull", p, "", err)
	}
	if result.ExitCode != 0 {
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("git pull exited with status %d", result.ExitCode)
		}
		return nil, s.fail(ctx, "repo.pull", p, "", errs.E(errs.KindInternal, "pull", msg, nil))
	}
	s.pdr.Record(ctx, "repo.pull", p, audit.OutcomeSuccess, "", strings.TrimSpace(result.Stdout))
	return result, nil
}

// --- Project Operations ---

// CreateProject creates a project with its linked repos.
func (s *Service) CreateProject(ctx context.Context, op scheduler.Operation) (any, error) {
	var p ProjectCreatePayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errs.Invalid("project.create", "name is required")
	}
	for _, id := range p.LinkedRepoIDs {
		if _, err := models.ParseCollectionRef(id); err != nil {
			return nil, errs.Invalid("project.create", "%v", err)
		}
	}

	project, err := s.store.CreateProject(ctx, name, p.Description, p.LinkedRepoIDs)
	if err != nil {
		return nil, s.fail(ctx, "project.create", p, "", s.storeErr("project.create", err))
	}
	s.pdr.Record(ctx, "project.create", p, audit.OutcomeSuccess, "", project.ID)
	return project, nil
}

// LinkRepo appends a collection to a project.
func (s *Service) LinkRepo(ctx context.Context, op scheduler.Operation) (any, error) {
	var p ProjectLinkPayload
	if err := op.Decode(&p); err != nil {
		return nil, err
	}
	if _, err := models.ParseCollectionRef(p.RepoID); err != nil {
		return nil, errs.Invalid("project.link", "%v", err)
	}

	project, err := s.store.LinkRepo(ctx, p.ProjectID, p.RepoID)
	if err != nil {
		return nil, s.fail(ctx, "project.link", p, "", s.storeErr("project.link", err))
	}
	s.pdr.Record(ctx, "project.link", p, audit.OutcomeSuccess, "", project.ID)
	return project, nil
}

// --- helpers ---

func (s *Service) project(ctx context.Context, op, id string) (*models.Project, error) {
	if id == "" {
		return nil, errs.Invalid(op, "project_id is required")
	}
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, s.storeErr(op, err)
	}
	if project == nil {
		return nil, errs.E(errs.KindValidation, op, "project not found", ErrProjectNotFound)
	}
	return project, nil
}

// storeErr classifies a store failure. Missing rows are the caller's
// mistake, everything else is a local persistence failure.
func (s *Service) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return errs.E(errs.KindValidation, op, "task not found", ErrTaskNotFound)
	case errors.Is(err, store.ErrProjectNotFound):
		return errs.E(errs.KindValidation, op, "project not found", ErrProjectNotFound)
	case errors.Is(err, store.ErrRepoAlreadyLinked):
		return errs.E(errs.KindValidation, op, "the repo is already linked to this project", err)
	case errs.KindOf(err) == errs.KindCancelled:
		return err
	}
	return errs.StoreErr(op, err)
}

// fail records a failed mutation and returns err.
func (s *Service) fail(ctx context.Context, action string, inputs any, taskID string, err error) error {
	s.logger.Warn().Ctx(ctx).Err(err).Str("action", action).Msg("operation failed")
	s.pdr.Record(context.WithoutCancel(ctx), action, inputs, outcomeFor(err), taskID, errs.Message(err))
	return err
}

func outcomeFor(err error) string {
	if errs.KindOf(err) == errs.KindCancelled {
		return audit.OutcomeCancelled
	}
	return audit.OutcomeFailed
}
