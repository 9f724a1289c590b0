package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/reconcile"
	"github.com/fentz26/myme/internal/scheduler"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input   textinput.Model
	focused bool
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "add <title> | edit <title> | mv <status> | sync | resolve local|remote"
	ti.CharLimit = 256
	ti.Prompt = ""
	return &CmdBarModel{
		input: ti,
	}
}

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Focused reports whether the bar takes key input.
func (m *CmdBarModel) Focused() bool { return m.focused }

// Value returns the current input.
func (m *CmdBarModel) Value() string { return m.input.Value() }

// SetValue replaces the current input.
func (m *CmdBarModel) SetValue(s string) {
	m.input.SetValue(s)
	m.input.CursorEnd()
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := m.input.Value()
	m.Blur()
	return val
}

// SetWidth sets the input width.
func (m *CmdBarModel) SetWidth(w int) {
	m.input.Width = max(w-6, 10)
}

// Update forwards key input to the text field.
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		prompt := promptStyle.Render(": ")
		return cmdBarStyle.Render(prompt + m.input.View())
	}
	return cmdBarStyle.Render("Press : to enter a command (add, edit, mv, rm, sync, resolve, login)")
}

// command is a parsed command bar input.
type command struct {
	// kind and payload describe an operation to submit.
	kind    scheduler.Kind
	payload any
	label   string

	signIn  string
	signOut string
	project int // switch to project by offset
	cancel  bool
	quit    bool
}

// boardState is what a command may refer to.
type boardState struct {
	project  *models.Project
	selected *models.Task
}

// parseCommand turns command bar input into a command.
func parseCommand(input string, st boardState) (command, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	name, args := parts[0], parts[1:]
	rest := strings.Join(args, " ")

	needProject := func() (string, error) {
		if st.project == nil {
			return "", fmt.Errorf("no project, create one with: project <name> [provider:collection...]")
		}
		return st.project.ID, nil
	}
	needTask := func() (string, error) {
		if st.selected == nil {
			return "", fmt.Errorf("no task selected")
		}
		return st.selected.LocalID, nil
	}

	switch name {
	case "add":
		pid, err := needProject()
		if err != nil {
			return command{}, err
		}
		if rest == "" {
			return command{}, fmt.Errorf("usage: add <title>")
		}
		return command{kind: scheduler.KindCreate, payload: controlplane.CreatePayload{ProjectID: pid, Title: rest}, label: "add " + rest}, nil

	case "edit", "body":
		id, err := needTask()
		if err != nil {
			return command{}, err
		}
		if rest == "" {
			return command{}, fmt.Errorf("usage: %s <text>", name)
		}
		p := controlplane.UpdatePayload{LocalID: id}
		if name == "edit" {
			p.Title = &rest
		} else {
			p.Body = &rest
		}
		return command{kind: scheduler.KindUpdate, payload: p, label: name + " " + st.selected.Title}, nil

	case "mv", "move":
		id, err := needTask()
		if err != nil {
			return command{}, err
		}
		status := models.TaskStatus(rest)
		if !status.Valid() {
			return command{}, fmt.Errorf("usage: mv <%s>", joinStatuses())
		}
		return command{kind: scheduler.KindMove, payload: controlplane.MovePayload{LocalID: id, Status: status}, label: "move " + st.selected.Title}, nil

	case "rm", "delete":
		id, err := needTask()
		if err != nil {
			return command{}, err
		}
		return command{kind: scheduler.KindDelete, payload: controlplane.DeletePayload{LocalID: id}, label: "delete " + st.selected.Title}, nil

	case "sync":
		pid, err := needProject()
		if err != nil {
			return command{}, err
		}
		return command{kind: scheduler.KindSync, payload: controlplane.SyncPayload{ProjectID: pid}, label: "sync " + st.project.Name}, nil

	case "resolve":
		id, err := needTask()
		if err != nil {
			return command{}, err
		}
		keep := reconcile.Keep(rest)
		if keep != reconcile.KeepLocal && keep != reconcile.KeepRemote {
			return command{}, fmt.Errorf("usage: resolve local|remote")
		}
		return command{kind: scheduler.KindResolve, payload: controlplane.ResolvePayload{LocalID: id, Keep: keep}, label: "resolve " + st.selected.Title}, nil

	case "project":
		if len(args) == 0 {
			return command{}, fmt.Errorf("usage: project <name> [provider:collection...]")
		}
		var repos []string
		var words []string
		for _, a := range args {
			if _, err := models.ParseCollectionRef(a); err == nil {
				repos = append(repos, a)
			} else {
				words = append(words, a)
			}
		}
		if len(words) == 0 {
			return command{}, fmt.Errorf("usage: project <name> [provider:collection...]")
		}
		name := strings.Join(words, " ")
		return command{kind: scheduler.KindProjectCreate, payload: controlplane.ProjectCreatePayload{Name: name, LinkedRepoIDs: repos}, label: "create project " + name}, nil

	case "link":
		pid, err := needProject()
		if err != nil {
			return command{}, err
		}
		if _, err := models.ParseCollectionRef(rest); err != nil {
			return command{}, fmt.Errorf("usage: link <provider:collection>")
		}
		return command{kind: scheduler.KindProjectLink, payload: controlplane.ProjectLinkPayload{ProjectID: pid, RepoID: rest}, label: "link " + rest}, nil

	case "pull":
		if rest == "" {
			return command{}, fmt.Errorf("usage: pull <path>")
		}
		return command{kind: scheduler.KindPull, payload: controlplane.PullPayload{Path: rest}, label: "pull " + rest}, nil

	case "login":
		if rest == "" {
			return command{}, fmt.Errorf("usage: login <provider>")
		}
		return command{signIn: rest}, nil

	case "logout":
		if rest == "" {
			return command{}, fmt.Errorf("usage: logout <provider>")
		}
		return command{signOut: rest}, nil

	case "next":
		return command{project: 1}, nil
	case "prev":
		return command{project: -1}, nil
	case "cancel":
		return command{cancel: true}, nil
	case "q", "quit", "exit":
		return command{quit: true}, nil
	}
	return command{}, fmt.Errorf("unknown command: %s (try: add, edit, mv, sync, resolve, login)", name)
}

func joinStatuses() string {
	names := make([]string, len(models.AllStatuses))
	for i, s := range models.AllStatuses {
		names[i] = string(s)
	}
	return strings.Join(names, "|")
}
