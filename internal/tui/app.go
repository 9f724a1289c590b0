// Package tui provides the interactive terminal board for myme. It drives the
// daemon only through submit, drain and a few cached reads, so nothing it
// does can block the screen.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
)

// DrainInterval is how often the board drains its outcomes.
const DrainInterval = 100 * time.Millisecond

// statsEvery refreshes the workers panel every n drain ticks.
const statsEvery = 10

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	statusOKStyle = lipgloss.NewStyle().
			Foreground(successColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	pendingStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)
)

type mode int

const (
	modeBoard mode = iota
	modeDetail
	modeWorkers
)

// App is the main TUI application model.
type App struct {
	backend   Backend
	tickEvery time.Duration
	providers []string

	projects   []models.Project
	projectIdx int
	board      *BoardModel
	detail     *TaskDetailModel
	cmdbar     *CmdBarModel

	suggestions *Suggestions
	pending     map[uint64]pendingOp
	// early holds outcomes drained before their submit reply arrived.
	early    map[uint64]bool
	draining bool
	ticks    int

	auth         map[string]models.AuthSession
	stats        map[string]any
	daemonOnline bool
	message      string
	mode         mode
	width        int
	height       int
}

// New creates a board over the daemon at apiAddr.
func New(apiAddr string) *App {
	return NewWithBackend(NewClient(apiAddr))
}

// NewWithBackend creates a board over any backend.
func NewWithBackend(b Backend) *App {
	return &App{
		backend:     b,
		tickEvery:   DrainInterval,
		providers:   []string{"github", "calendar", "mail"},
		board:       NewBoardModel(),
		detail:      NewTaskDetailModel(),
		cmdbar:      NewCmdBarModel(),
		suggestions: NewSuggestions(),
		pending:     map[uint64]pendingOp{},
		early:       map[uint64]bool{},
		auth:        map[string]models.AuthSession{},
		width:       120,
		height:      30,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.fetchProjects(), a.tick()}
	for _, p := range a.providers {
		cmds = append(cmds, a.checkAuth(p))
	}
	return tea.Batch(cmds...)
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.tickEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			return a, a.updateCmdBar(msg)
		}
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.cmdbar.SetWidth(msg.Width)
		a.detail.SetSize(msg.Width, a.contentHeight())

	case tickMsg:
		a.ticks++
		cmds := []tea.Cmd{a.tick()}
		// One drain in flight at a time; a slow daemon skips ticks.
		if !a.draining {
			a.draining = true
			cmds = append(cmds, a.drain())
		}
		if a.mode == modeWorkers && a.ticks%statsEvery == 0 {
			cmds = append(cmds, a.fetchStats())
		}
		return a, tea.Batch(cmds...)

	case outcomesMsg:
		a.draining = false
		if msg.err != nil {
			a.daemonOnline = false
			return a, nil
		}
		a.daemonOnline = true
		return a, a.applyOutcomes(msg.outcomes)

	case submittedMsg:
		if a.early[msg.handle.ID] {
			delete(a.early, msg.handle.ID)
			return a, nil
		}
		a.pending[msg.handle.ID] = pendingOp{kind: msg.kind, label: msg.label, submitted: time.Now()}
		a.message = "… " + msg.label

	case projectsLoadedMsg:
		a.setProjects(msg.projects)
		return a, a.fetchTasks()

	case tasksLoadedMsg:
		if p := a.currentProject(); p == nil || p.ID != msg.projectID {
			return a, nil
		}
		a.board.SetTasks(msg.tasks)
		if a.mode == modeDetail && !a.detail.Refresh(msg.tasks) {
			a.mode = modeBoard
		}

	case authLoadedMsg:
		a.auth[msg.session.ProviderID] = msg.session

	case statsLoadedMsg:
		a.stats = msg.stats

	case cmdResultMsg:
		a.message = msg.message

	case errMsg:
		a.message = "Error: " + errs.Message(msg.err)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit

	case ":", "/":
		cmd := a.cmdbar.Focus()
		if msg.String() == "/" {
			a.cmdbar.SetValue("/")
			a.suggestions.Update("/")
		}
		return cmd

	case "esc":
		a.mode = modeBoard
		a.message = ""
		return nil
	}

	if a.mode == modeDetail {
		switch msg.String() {
		case "enter":
			a.mode = modeBoard
			return nil
		}
		return a.detail.Update(msg)
	}

	switch msg.String() {
	case "left", "h":
		a.board.Left()
	case "right", "l":
		a.board.Right()
	case "up", "k":
		a.board.Up()
	case "down", "j":
		a.board.Down()
	case "<", "shift+left":
		return a.moveSelected(-1)
	case ">", "shift+right":
		return a.moveSelected(1)
	case "enter":
		if t := a.board.Selected(); t != nil {
			a.detail.SetTask(t)
			a.detail.SetSize(a.width, a.contentHeight())
			a.mode = modeDetail
		}
	case "s":
		return a.runInput("sync")
	case "r":
		return tea.Batch(a.fetchProjects(), a.fetchTasks())
	case "[":
		return a.switchProject(-1)
	case "]", "tab":
		return a.switchProject(1)
	case "x":
		return a.cancelLatest()
	case "w":
		if a.mode == modeWorkers {
			a.mode = modeBoard
			return nil
		}
		a.mode = modeWorkers
		return a.fetchStats()
	}
	return nil
}

func (a *App) updateCmdBar(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "esc":
		a.cmdbar.Blur()
		a.suggestions.Update("")
		return nil
	case "up":
		a.suggestions.Prev()
		return nil
	case "down":
		a.suggestions.Next()
		return nil
	case "tab", "enter":
		if sel := a.suggestions.Selected(); sel != nil {
			a.acceptSuggestion(sel)
			if msg.String() == "tab" || sel.Type == "command" {
				return nil
			}
		} else if msg.String() == "tab" {
			return nil
		}
		input := strings.TrimSpace(a.cmdbar.Submit())
		a.suggestions.Update("")
		if input == "" {
			return nil
		}
		return a.runInput(input)
	}

	cmd := a.cmdbar.Update(msg)
	a.refreshSuggestions()
	return cmd
}

func (a *App) acceptSuggestion(sel *SuggestionItem) {
	switch t := a.suggestions.Trigger(); t {
	case triggerRef, triggerAction:
		a.cmdbar.SetValue(t + sel.Text)
	default:
		a.cmdbar.SetValue(sel.Text + " ")
	}
	a.suggestions.Update("")
}

func (a *App) refreshSuggestions() {
	value := a.cmdbar.Value()
	if strings.HasPrefix(value, triggerRef) {
		names := make([]string, len(a.projects))
		for i, p := range a.projects {
			names[i] = p.Name
		}
		var titles []string
		for _, t := range a.board.Tasks() {
			titles = append(titles, t.Title)
		}
		a.suggestions.SetReferences(names, titles)
	}
	a.suggestions.Update(value)
}

// runInput executes one line of command bar input.
func (a *App) runInput(input string) tea.Cmd {
	if ref, ok := strings.CutPrefix(input, "@"); ok {
		return a.jumpTo(ref)
	}
	input = strings.TrimPrefix(strings.TrimPrefix(input, "!"), "/")

	c, err := parseCommand(input, boardState{project: a.currentProject(), selected: a.board.Selected()})
	if err != nil {
		a.message = "Error: " + err.Error()
		return nil
	}
	switch {
	case c.quit:
		return tea.Quit
	case c.cancel:
		return a.cancelLatest()
	case c.project != 0:
		return a.switchProject(c.project)
	case c.signIn != "":
		return a.signIn(c.signIn)
	case c.signOut != "":
		return a.signOut(c.signOut)
	}
	return a.submit(c.kind, c.payload, c.label)
}

func (a *App) jumpTo(ref string) tea.Cmd {
	for i, p := range a.projects {
		if strings.EqualFold(p.Name, ref) {
			a.projectIdx = i
			a.board.SetTasks(nil)
			return a.fetchTasks()
		}
	}
	for _, t := range a.board.Tasks() {
		if strings.EqualFold(t.Title, ref) {
			a.seek(t.LocalID)
			return nil
		}
	}
	a.message = "Error: nothing called " + ref
	return nil
}

// seek places the board cursor on the task with id.
func (a *App) seek(id string) bool {
	for c, column := range a.board.columns {
		for r, t := range column {
			if t.LocalID == id {
				a.board.col, a.board.row = c, r
				return true
			}
		}
	}
	return false
}

func (a *App) moveSelected(dir int) tea.Cmd {
	t := a.board.Selected()
	if t == nil {
		return nil
	}
	status, ok := a.board.Neighbour(dir)
	if !ok {
		return nil
	}
	return a.submit(scheduler.KindMove, controlplane.MovePayload{LocalID: t.LocalID, Status: status}, fmt.Sprintf("move %s to %s", t.Title, status))
}

func (a *App) cancelLatest() tea.Cmd {
	var latest uint64
	for id := range a.pending {
		if id > latest {
			latest = id
		}
	}
	if latest == 0 {
		a.message = "Nothing to cancel"
		return nil
	}
	return a.cancelOp(latest)
}

func (a *App) switchProject(dir int) tea.Cmd {
	if len(a.projects) == 0 {
		return nil
	}
	a.projectIdx = (a.projectIdx + dir + len(a.projects)) % len(a.projects)
	a.board.SetTasks(nil)
	return a.fetchTasks()
}

func (a *App) setProjects(projects []models.Project) {
	var current string
	if p := a.currentProject(); p != nil {
		current = p.ID
	}
	sort.SliceStable(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	a.projects = projects
	a.projectIdx = 0
	for i, p := range projects {
		if p.ID == current {
			a.projectIdx = i
		}
	}
}

func (a *App) currentProject() *models.Project {
	if a.projectIdx >= len(a.projects) {
		return nil
	}
	return &a.projects[a.projectIdx]
}

// applyOutcomes settles pending operations and refreshes whatever they
// changed.
func (a *App) applyOutcomes(outs []scheduler.Outcome) tea.Cmd {
	var refreshTasks, refreshProjects bool
	var cmds []tea.Cmd
	for _, out := range outs {
		op, ok := a.pending[out.OperationID]
		delete(a.pending, out.OperationID)
		label := string(out.Kind)
		if ok {
			label = op.label
		} else {
			a.early[out.OperationID] = true
		}

		switch out.Status {
		case scheduler.StatusCancelled:
			a.message = fmt.Sprintf("✗ %s cancelled (%s)", label, out.Reason)
			continue
		case scheduler.StatusFailed:
			msg := ""
			if out.Error != nil {
				msg = out.Error.Message
			}
			a.message = fmt.Sprintf("Error: %s: %s", label, msg)
			if out.Error != nil && out.Error.Kind == errs.KindUnauthorized {
				for _, p := range a.providers {
					cmds = append(cmds, a.checkAuth(p))
				}
			}
			continue
		}

		a.message = "✓ " + label
		switch out.Kind {
		case scheduler.KindCreate, scheduler.KindUpdate, scheduler.KindMove, scheduler.KindDelete, scheduler.KindResolve:
			refreshTasks = true
		case scheduler.KindSync:
			refreshTasks = true
			var summary controlplane.SyncSummary
			if controlplane.DecodeData(out, &summary) == nil {
				a.message = syncMessage(label, summary)
			}
		case scheduler.KindProjectCreate, scheduler.KindProjectLink:
			refreshProjects = true
		case scheduler.KindAuthenticate:
			var s models.AuthSession
			if controlplane.DecodeData(out, &s) == nil && s.ProviderID != "" {
				a.auth[s.ProviderID] = s
			}
		}
	}
	if refreshProjects {
		cmds = append(cmds, a.fetchProjects())
	} else if refreshTasks {
		cmds = append(cmds, a.fetchTasks())
	}
	return tea.Batch(cmds...)
}

func syncMessage(label string, s controlplane.SyncSummary) string {
	var pushed, pulled int
	for _, r := range s.Reports {
		pushed += r.CreatedRemote + r.UpdatedRemote
		pulled += r.CreatedLocal + r.UpdatedLocal
	}
	msg := fmt.Sprintf("✓ %s: %d pushed, %d pulled", label, pushed, pulled)
	if n := len(s.Conflicts()); n > 0 {
		msg += fmt.Sprintf(", %d conflicts", n)
	}
	if len(s.Failed) > 0 {
		msg += fmt.Sprintf(", %d collections failed", len(s.Failed))
	}
	return msg
}

func (a *App) contentHeight() int {
	return max(a.height-8, 5)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	switch a.mode {
	case modeBoard:
		if a.currentProject() == nil {
			b.WriteString("\n  No projects yet. Type :project <name> [provider:collection...] to create one.\n")
		} else {
			b.WriteString(a.board.View(a.width, a.contentHeight()))
		}
	case modeDetail:
		b.WriteString(a.detail.View())
	case modeWorkers:
		b.WriteString(a.renderWorkersPanel())
	}

	// Message bar
	b.WriteString("\n")
	if a.message != "" {
		style := statusOKStyle
		if strings.HasPrefix(a.message, "Error") {
			style = offlineStyle
		}
		b.WriteString(style.Render(a.message))
	}
	b.WriteString("\n")
	b.WriteString(a.cmdbar.View())
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeBoard:
		status = fmt.Sprintf(" Tasks: %d | ←↑↓→:nav | </>:move | enter:open | s:sync | [/]:project | x:cancel | w:workers | q:quit", len(a.board.Tasks()))
	case modeDetail:
		status = " ↑↓:scroll | esc:back | :resolve local|remote"
	case modeWorkers:
		status = " w/esc:back"
	}
	if n := len(a.pending); n > 0 {
		status += pendingStyle.Render(fmt.Sprintf(" | %d pending", n))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

func (a *App) renderHeader() string {
	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("myme") + "  " + daemon

	if p := a.currentProject(); p != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%s %d/%d]", p.Name, a.projectIdx+1, len(a.projects)))
	}
	for _, id := range a.providers {
		s, ok := a.auth[id]
		if !ok {
			continue
		}
		switch s.State {
		case models.AuthStateAuthenticated:
			header += "  " + onlineStyle.Render("● "+id)
		case models.AuthStateAuthenticating:
			header += "  " + pendingStyle.Render("◐ "+id)
		default:
			header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render("○ "+id)
		}
	}
	return header
}

func (a *App) renderWorkersPanel() string {
	var b strings.Builder

	b.WriteString("\n  Worker Pool Monitor\n")
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")
	if a.stats == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}

	activeStyle := lipgloss.NewStyle().Foreground(successColor).Bold(true)
	maxStyle := lipgloss.NewStyle().Foreground(mutedColor)
	b.WriteString(fmt.Sprintf("  Active Workers: %s / %s\n\n",
		activeStyle.Render(fmt.Sprint(a.stats["active_workers"])),
		maxStyle.Render(fmt.Sprint(a.stats["max_workers"]))))

	for _, key := range []string{"submitted", "succeeded", "failed", "cancelled"} {
		b.WriteString(fmt.Sprintf("  %-10s %v\n", key+":", a.stats[key]))
	}
	if kinds, ok := a.stats["kind_counts"].(map[string]any); ok && len(kinds) > 0 {
		b.WriteString("\n  Running by kind:\n")
		names := make([]string, 0, len(kinds))
		for k := range kinds {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			b.WriteString(fmt.Sprintf("    • %s: %v\n", k, kinds[k]))
		}
	}

	if len(a.pending) > 0 {
		b.WriteString("\n  Pending on this board:\n")
		ids := make([]uint64, 0, len(a.pending))
		for id := range a.pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			op := a.pending[id]
			b.WriteString(fmt.Sprintf("    %-6d %-10s %s (%s)\n", id, op.kind, truncate(op.label, 40), formatDuration(time.Since(op.submitted))))
		}
	}

	b.WriteString("\n  " + helpStyle.Render("Press Esc to go back") + "\n")
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
