package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Trigger characters that open the dropdown.
const (
	triggerCommand = "/"
	triggerRef     = "@"
	triggerAction  = "!"
)

// maxSuggestions is how many rows the dropdown shows at once.
const maxSuggestions = 5

// Suggestions completes command bar input. "/" offers commands, "@" offers
// projects and tasks on the board, "!" offers one-shot actions.
type Suggestions struct {
	trigger string
	refs    []SuggestionItem
	matches []SuggestionItem
	cursor  int
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "project", "task", "action"
}

var commandSuggestions = []SuggestionItem{
	{Text: "add", Description: "Create a task in the current project", Type: "command"},
	{Text: "edit", Description: "Retitle the selected task", Type: "command"},
	{Text: "body", Description: "Replace the selected task's body", Type: "command"},
	{Text: "mv", Description: "Move the selected task to a status", Type: "command"},
	{Text: "rm", Description: "Delete the selected task locally", Type: "command"},
	{Text: "sync", Description: "Reconcile the project with its collections", Type: "command"},
	{Text: "resolve local", Description: "Keep the local side of a conflict", Type: "command"},
	{Text: "resolve remote", Description: "Keep the remote side of a conflict", Type: "command"},
	{Text: "project", Description: "Create a project", Type: "command"},
	{Text: "link", Description: "Link a collection to the project", Type: "command"},
	{Text: "pull", Description: "Fast-forward a local checkout", Type: "command"},
	{Text: "login", Description: "Sign in to a provider", Type: "command"},
	{Text: "logout", Description: "Sign out of a provider", Type: "command"},
	{Text: "cancel", Description: "Cancel the latest pending operation", Type: "command"},
}

var actionSuggestions = []SuggestionItem{
	{Text: "sync", Description: "Sync the current project", Type: "action"},
	{Text: "pull .", Description: "Pull the working directory", Type: "action"},
	{Text: "login github", Description: "Sign in to GitHub", Type: "action"},
	{Text: "mv done", Description: "Mark the selected task done", Type: "action"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// SetReferences replaces what "@" completes to.
func (s *Suggestions) SetReferences(projects, tasks []string) {
	s.refs = s.refs[:0]
	for _, name := range projects {
		s.refs = append(s.refs, SuggestionItem{Text: name, Description: "Switch to this project", Type: "project"})
	}
	for _, title := range tasks {
		s.refs = append(s.refs, SuggestionItem{Text: title, Description: "Select this task", Type: "task"})
	}
}

// Update recomputes the matches for input. Input without a trigger
// character hides the dropdown.
func (s *Suggestions) Update(input string) {
	s.trigger, s.matches, s.cursor = "", nil, 0
	if input == "" {
		return
	}

	var pool []SuggestionItem
	switch input[:1] {
	case triggerCommand:
		pool = commandSuggestions
	case triggerRef:
		pool = s.refs
	case triggerAction:
		pool = actionSuggestions
	default:
		return
	}
	s.trigger = input[:1]
	s.matches = rank(pool, strings.ToLower(input[1:]))
}

// rank returns the items containing query, prefix matches first.
func rank(pool []SuggestionItem, query string) []SuggestionItem {
	var prefixed, contained []SuggestionItem
	for _, item := range pool {
		text := strings.ToLower(item.Text)
		switch {
		case strings.HasPrefix(text, query):
			prefixed = append(prefixed, item)
		case strings.Contains(text, query):
			contained = append(contained, item)
		}
	}
	return append(prefixed, contained...)
}

// Trigger returns the character that opened the dropdown, or "".
func (s *Suggestions) Trigger() string { return s.trigger }

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.matches) > 0 {
		s.cursor = (s.cursor + 1) % len(s.matches)
	}
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.matches) > 0 {
		s.cursor = (s.cursor - 1 + len(s.matches)) % len(s.matches)
	}
}

// Selected returns the highlighted suggestion, or nil.
func (s *Suggestions) Selected() *SuggestionItem {
	if s.cursor >= len(s.matches) {
		return nil
	}
	return &s.matches[s.cursor]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return len(s.matches) > 0
}

var (
	dropdownStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)

	dropdownTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	suggestionStyle    = lipgloss.NewStyle().Foreground(fgColor)
	suggestionDesc     = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	suggestionSelected = lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)
)

var dropdownTitles = map[string]string{
	triggerCommand: "💡 Commands",
	triggerRef:     "🔗 Projects & tasks",
	triggerAction:  "⚡ Quick Actions",
}

// Render draws the dropdown, scrolled so the selection stays in view.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	lines := []string{dropdownTitleStyle.Render(dropdownTitles[s.trigger])}
	start := max(0, s.cursor-maxSuggestions+1)
	end := min(len(s.matches), start+maxSuggestions)
	for i := start; i < end; i++ {
		item := s.matches[i]
		if i == s.cursor {
			lines = append(lines, suggestionSelected.Render("▶ "+item.Text+"  "+item.Description))
			continue
		}
		lines = append(lines, suggestionStyle.Render("  "+item.Text)+"  "+suggestionDesc.Render(item.Description))
	}
	if rest := len(s.matches) - end; rest > 0 {
		lines = append(lines, suggestionDesc.Render(fmt.Sprintf("  ... and %d more", rest)))
	}
	return dropdownStyle.Width(max(width-4, 20)).Render(strings.Join(lines, "\n"))
}
