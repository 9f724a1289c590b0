package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/myme/internal/models"
)

var (
	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	activeColumnStyle = columnStyle.Copy().
				BorderForeground(primaryColor)

	columnTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(cyanColor)

	cardStyle = lipgloss.NewStyle().
			Foreground(fgColor)

	selectedCardStyle = lipgloss.NewStyle().
				Background(primaryColor).
				Foreground(fgColor).
				Bold(true)

	dirtyStyle    = lipgloss.NewStyle().Foreground(warningColor)
	conflictStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	orphanStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

var columnLabels = map[models.TaskStatus]string{
	models.TaskStatusBacklog:    "BACKLOG",
	models.TaskStatusTodo:       "TODO",
	models.TaskStatusInProgress: "IN PROGRESS",
	models.TaskStatusBlocked:    "BLOCKED",
	models.TaskStatusReview:     "REVIEW",
	models.TaskStatusDone:       "DONE",
}

// BoardModel lays a project's tasks out in one column per status.
type BoardModel struct {
	columns [][]models.Task
	col     int
	row     int
}

// NewBoardModel creates an empty board.
func NewBoardModel() *BoardModel {
	return &BoardModel{columns: make([][]models.Task, len(models.AllStatuses))}
}

// SetTasks replaces the board content, keeping the selected task selected
// when it is still present.
func (m *BoardModel) SetTasks(tasks []models.Task) {
	var keep string
	if t := m.Selected(); t != nil {
		keep = t.LocalID
	}

	m.columns = make([][]models.Task, len(models.AllStatuses))
	for _, t := range tasks {
		i := statusIndex(t.Status)
		m.columns[i] = append(m.columns[i], t)
	}

	if keep != "" {
		for c, column := range m.columns {
			for r, t := range column {
				if t.LocalID == keep {
					m.col, m.row = c, r
					return
				}
			}
		}
	}
	m.clamp()
}

// Selected returns the task under the cursor, if any.
func (m *BoardModel) Selected() *models.Task {
	if m.col >= len(m.columns) || m.row >= len(m.columns[m.col]) {
		return nil
	}
	t := m.columns[m.col][m.row]
	return &t
}

// Tasks returns every task on the board.
func (m *BoardModel) Tasks() []models.Task {
	var out []models.Task
	for _, column := range m.columns {
		out = append(out, column...)
	}
	return out
}

// Left moves the cursor one column left.
func (m *BoardModel) Left() {
	if m.col > 0 {
		m.col--
		m.clamp()
	}
}

// Right moves the cursor one column right.
func (m *BoardModel) Right() {
	if m.col < len(m.columns)-1 {
		m.col++
		m.clamp()
	}
}

// Up moves the cursor one card up.
func (m *BoardModel) Up() {
	if m.row > 0 {
		m.row--
	}
}

// Down moves the cursor one card down.
func (m *BoardModel) Down() {
	if m.row < len(m.columns[m.col])-1 {
		m.row++
	}
}

// Neighbour returns the status next to the selected task's, dir columns
// away, or false at the board edge.
func (m *BoardModel) Neighbour(dir int) (models.TaskStatus, bool) {
	t := m.Selected()
	if t == nil {
		return "", false
	}
	i := statusIndex(t.Status) + dir
	if i < 0 || i >= len(models.AllStatuses) {
		return "", false
	}
	return models.AllStatuses[i], true
}

func (m *BoardModel) clamp() {
	n := len(m.columns[m.col])
	if m.row >= n {
		m.row = max(0, n-1)
	}
}

// View renders the columns side by side.
func (m *BoardModel) View(width, height int) string {
	colWidth := max(width/len(m.columns)-2, 12)
	rendered := make([]string, len(m.columns))
	for c, column := range m.columns {
		status := models.AllStatuses[c]
		lines := []string{columnTitleStyle.Render(fmt.Sprintf("%s (%d)", columnLabels[status], len(column)))}

		start, end := visibleRange(len(column), m.row, c == m.col, height-3)
		for r := start; r < end; r++ {
			lines = append(lines, m.renderCard(column[r], colWidth-2, c == m.col && r == m.row))
		}

		style := columnStyle
		if c == m.col {
			style = activeColumnStyle
		}
		rendered[c] = style.Width(colWidth).Height(max(height-2, 1)).Render(strings.Join(lines, "\n"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

// visibleRange returns the rows of a column that fit in height, keeping
// the cursor row of the active column in view.
func visibleRange(n, row int, active bool, height int) (start, end int) {
	if height <= 0 || n <= height {
		return 0, n
	}
	if active && row >= height {
		start = row - height + 1
	}
	return start, start + height
}

func (m *BoardModel) renderCard(t models.Task, width int, selected bool) string {
	marker := " "
	switch {
	case t.Conflict:
		marker = conflictStyle.Render("!")
	case t.Orphaned:
		marker = orphanStyle.Render("✗")
	case t.Dirty:
		marker = dirtyStyle.Render("●")
	}
	title := truncate(t.Title, max(width-2, 4))
	if selected {
		return marker + " " + selectedCardStyle.Render(title)
	}
	return marker + " " + cardStyle.Render(title)
}

func statusIndex(s models.TaskStatus) int {
	for i, known := range models.AllStatuses {
		if s == known {
			return i
		}
	}
	return statusIndex(models.TaskStatusTodo)
}
