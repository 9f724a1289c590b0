package tui

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
)

// requestTimeout bounds every backend call made from a tea.Cmd.
const requestTimeout = 5 * time.Second

// Backend is the command surface the board drives. Every call is made from
// a tea.Cmd, never from Update or View.
type Backend interface {
	Submit(ctx context.Context, kind scheduler.Kind, payload any) (scheduler.Handle, error)
	Drain(ctx context.Context) ([]scheduler.Outcome, error)
	Cancel(ctx context.Context, id uint64) (bool, error)
	CheckAuth(ctx context.Context, provider string) (models.AuthSession, error)
	SignIn(ctx context.Context, provider string) (scheduler.Handle, error)
	SignOut(ctx context.Context, provider string) (models.AuthSession, error)
	Projects(ctx context.Context) ([]models.Project, error)
	Tasks(ctx context.Context, projectID string) ([]models.Task, error)
	Stats(ctx context.Context) (map[string]any, error)
}

var _ Backend = (*controlplane.Client)(nil)

// NewClient returns a daemon client owning the board's operations.
func NewClient(apiAddr string) *controlplane.Client {
	hostname, _ := os.Hostname()
	return controlplane.NewClient(apiAddr, fmt.Sprintf("tui@%s", hostname))
}

func (a *App) submit(kind scheduler.Kind, payload any, label string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		h, err := a.backend.Submit(ctx, kind, payload)
		if err != nil {
			return errMsg{err}
		}
		return submittedMsg{handle: h, kind: kind, label: label}
	}
}

func (a *App) drain() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		outs, err := a.backend.Drain(ctx)
		return outcomesMsg{outcomes: outs, err: err}
	}
}

func (a *App) fetchProjects() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		projects, err := a.backend.Projects(ctx)
		if err != nil {
			return errMsg{err}
		}
		return projectsLoadedMsg{projects}
	}
}

func (a *App) fetchTasks() tea.Cmd {
	project := a.currentProject()
	if project == nil {
		return nil
	}
	id := project.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		tasks, err := a.backend.Tasks(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{projectID: id, tasks: tasks}
	}
}

func (a *App) checkAuth(provider string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s, err := a.backend.CheckAuth(ctx, provider)
		if err != nil {
			return errMsg{err}
		}
		return authLoadedMsg{s}
	}
}

func (a *App) signIn(provider string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		h, err := a.backend.SignIn(ctx, provider)
		if err != nil {
			return errMsg{err}
		}
		return submittedMsg{handle: h, kind: scheduler.KindAuthenticate, label: "sign in to " + provider}
	}
}

func (a *App) signOut(provider string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s, err := a.backend.SignOut(ctx, provider)
		if err != nil {
			return errMsg{err}
		}
		return authLoadedMsg{s}
	}
}

func (a *App) cancelOp(id uint64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		ok, err := a.backend.Cancel(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		if !ok {
			return cmdResultMsg{fmt.Sprintf("Operation %d already finished", id)}
		}
		return cmdResultMsg{fmt.Sprintf("Cancelling operation %d", id)}
	}
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		stats, err := a.backend.Stats(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statsLoadedMsg{stats}
	}
}
