package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestions_Triggers(t *testing.T) {
	s := NewSuggestions()

	s.Update("/re")
	assert.Equal(t, triggerCommand, s.Trigger())
	require.True(t, s.IsVisible())
	assert.Equal(t, "resolve local", s.Selected().Text, "prefix matches rank first")

	s.Update("!")
	assert.Len(t, s.matches, len(actionSuggestions))

	s.Update("add a task")
	assert.False(t, s.IsVisible())
	assert.Nil(t, s.Selected())
	assert.Empty(t, s.Trigger())
}

func TestSuggestions_Ranking(t *testing.T) {
	s := NewSuggestions()
	s.SetReferences([]string{"Home", "Widgets"}, []string{"Fix the widget", "Widget docs"})

	s.Update("@wid")
	require.Len(t, s.matches, 3)
	assert.Equal(t, []string{"Widgets", "Widget docs", "Fix the widget"}, []string{s.matches[0].Text, s.matches[1].Text, s.matches[2].Text})
	assert.Equal(t, "project", s.matches[0].Type)

	s.Next()
	s.Next()
	s.Next()
	assert.Equal(t, "Widgets", s.Selected().Text, "Next wraps")
	s.Prev()
	assert.Equal(t, "Fix the widget", s.Selected().Text, "Prev wraps")

	s.SetReferences(nil, nil)
	s.Update("@wid")
	assert.False(t, s.IsVisible())
}

func TestSuggestions_Render(t *testing.T) {
	s := NewSuggestions()
	assert.Empty(t, s.Render(80))

	s.Update("/")
	for i := 0; i < 6; i++ {
		s.Next()
	}
	out := s.Render(80)
	assert.Contains(t, out, "Commands")
	assert.Contains(t, out, "▶ resolve local")
	assert.NotContains(t, out, "  add ", "scrolled past the first rows")
	assert.Contains(t, out, "... and 7 more")
}
