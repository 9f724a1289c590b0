package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/myme/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// TaskDetailModel shows one task with its sync state.
type TaskDetailModel struct {
	task     *models.Task
	viewport viewport.Model
}

// NewTaskDetailModel creates a new task detail model
func NewTaskDetailModel() *TaskDetailModel {
	return &TaskDetailModel{viewport: viewport.New(80, 20)}
}

// SetTask sets the task to display.
func (m *TaskDetailModel) SetTask(t *models.Task) {
	m.task = t
	m.viewport.SetContent(m.render())
	m.viewport.GotoTop()
}

// Refresh re-renders the shown task from tasks, if it is still present.
// It reports false when the task is gone.
func (m *TaskDetailModel) Refresh(tasks []models.Task) bool {
	if m.task == nil {
		return false
	}
	for i := range tasks {
		if tasks[i].LocalID == m.task.LocalID {
			m.task = &tasks[i]
			m.viewport.SetContent(m.render())
			return true
		}
	}
	return false
}

// Task returns the displayed task.
func (m *TaskDetailModel) Task() *models.Task { return m.task }

// SetSize sets the dimensions
func (m *TaskDetailModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
	m.viewport.SetContent(m.render())
}

// Update scrolls the viewport.
func (m *TaskDetailModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

// View renders the task detail
func (m *TaskDetailModel) View() string {
	if m.task == nil {
		return "No task selected."
	}
	return m.viewport.View()
}

func (m *TaskDetailModel) render() string {
	t := m.task
	if t == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(t.Title))
	b.WriteString("\n\n")

	b.WriteString(renderField("ID", t.LocalID))
	b.WriteString(renderField("Status", string(t.Status)))
	if t.RepoID != "" {
		b.WriteString(renderField("Collection", t.RepoID))
	}
	if t.RemoteRef != nil {
		ref := t.RemoteRef.ExternalID
		if t.RemoteRef.URL != "" {
			ref += "  " + t.RemoteRef.URL
		}
		b.WriteString(renderField("Remote", ref))
	}
	b.WriteString(renderField("Created", formatTime(t.CreatedAt)))
	b.WriteString(renderField("Updated", formatTime(t.LocalUpdatedAt)))
	if t.RemoteUpdatedAt != nil {
		b.WriteString(renderField("Remote updated", formatTime(*t.RemoteUpdatedAt)))
	}

	b.WriteString(sectionStyle.Render("Sync"))
	b.WriteString("\n")
	switch {
	case t.Conflict:
		at := ""
		if t.ConflictRemoteAt != nil {
			at = " at " + formatTime(*t.ConflictRemoteAt)
		}
		b.WriteString(conflictStyle.Render("  Conflict: both sides changed (remote edit"+at+")") + "\n")
		b.WriteString(helpStyle.Render("  resolve local | resolve remote") + "\n")
	case t.Orphaned:
		b.WriteString(orphanStyle.Render("  Orphaned: the remote item no longer exists") + "\n")
	case t.Dirty:
		b.WriteString(dirtyStyle.Render("  Local changes not pushed yet") + "\n")
	case t.IsLinked():
		b.WriteString(statusOKStyle.Render("  In sync") + "\n")
	default:
		b.WriteString(labelStyle.Render("  Local only") + "\n")
	}

	if body := strings.TrimSpace(t.Body); body != "" {
		b.WriteString(sectionStyle.Render("Body"))
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
