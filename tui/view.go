package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/workflow/engine"
	"github.com/c360studio/semresearch/workflow/steps"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	headingStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E2E8F0"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	currentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	insertStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	deleteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Strikethrough(true)
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	buttonStyle   = lipgloss.NewStyle().Padding(0, 1).Background(lipgloss.Color("#5B8DEF")).Foreground(lipgloss.Color("#FFFFFF"))
	disabledStyle = lipgloss.NewStyle().Padding(0, 1).Background(lipgloss.Color("#444444")).Foreground(lipgloss.Color("#888888"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444"))
)

// View renders the model.
func (m *Model) View() string {
	header := titleStyle.Render("semresearch")
	if m.user != "" {
		header += detailStyle.Render("  signed in as " + m.user)
	}

	body := boxStyle.Width(max(20, m.width-2)).Render(m.viewport.View())

	lines := []string{header, m.renderStepBar(), body, m.renderAction()}
	switch {
	case m.snap.LastError != "":
		lines = append(lines, errorStyle.Render(m.snap.LastError))
	case m.notice != "":
		lines = append(lines, detailStyle.Render(m.notice))
	}
	lines = append(lines, m.help.View(keys))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m *Model) renderStepBar() string {
	parts := make([]string, len(m.snap.Steps))
	for i, s := range m.snap.Steps {
		label := fmt.Sprintf("%d %s", i+1, s.Label)
		switch {
		case i < m.snap.Index:
			parts[i] = doneStyle.Render("✓ " + label)
		case i == m.snap.Index && m.snap.Status == engine.StatusRunning:
			parts[i] = runningStyle.Render(m.spinner.View() + label)
		case i == m.snap.Index && m.snap.Status == engine.StatusErrored:
			parts[i] = errorStyle.Render("✗ " + label)
		case i == m.snap.Index:
			parts[i] = currentStyle.Render("▶ " + label)
		default:
			parts[i] = pendingStyle.Render("· " + label)
		}
	}
	return strings.Join(parts, "  ")
}

func (m *Model) renderAction() string {
	view := m.snap.Current()
	text := "[enter] " + view.ActionText
	if view.Disabled || m.snap.Status == engine.StatusRunning {
		return disabledStyle.Render(text)
	}
	return buttonStyle.Render(text)
}

// renderStep renders the body of the current step.
func (m *Model) renderStep() string {
	var b strings.Builder
	view := m.snap.Current()
	b.WriteString(headingStyle.Render(view.Label) + "\n")
	b.WriteString(detailStyle.Render(view.Description) + "\n\n")

	s := m.snap.State
	switch m.snap.Index {
	case steps.InitialQuestion:
		b.WriteString(m.input.View() + "\n")
		if !m.input.Focused() {
			b.WriteString(detailStyle.Render("press e to edit") + "\n")
		}
	case steps.QuestionImprovement:
		m.writeImprovement(&b, s)
	case steps.QuestionAnalysis:
		writeAnalysis(&b, s)
	case steps.QueryExpansion:
		m.writeQueries(&b, s)
	case steps.SourceSelection:
		m.writeSources(&b, s)
	case steps.SourceAnalysis:
		writeContent(&b, s)
	case steps.ResearchAnswer:
		writeAnswer(&b, s)
	}
	return b.String()
}

func (m *Model) writeImprovement(b *strings.Builder, s research.State) {
	if m.input.Focused() {
		b.WriteString(m.input.View() + "\n\n")
	}
	imp := s.Improvement
	if imp == nil {
		fmt.Fprintf(b, "Question: %s\n", s.Question)
		return
	}

	mark := func(improved bool) string {
		if improved == s.UseImproved {
			return cursorStyle.Render("(•)")
		}
		return "( )"
	}
	fmt.Fprintf(b, "%s Original: %s\n", mark(false), s.Question)
	fmt.Fprintf(b, "%s Improved: %s\n\n", mark(true), imp.ImprovedQuestion)
	b.WriteString(renderEdits(imp.QuestionDiff()) + "\n")

	if imp.Explanation != "" {
		b.WriteString("\n" + detailStyle.Render(imp.Explanation) + "\n")
	}
	a := imp.Analysis
	writeList(b, "Clarity issues", a.ClarityIssues)
	writeList(b, "Scope issues", a.ScopeIssues)
	writeList(b, "Precision issues", a.PrecisionIssues)
	writeList(b, "Implicit assumptions", a.ImplicitAssumptions)
	writeList(b, "Missing context", a.MissingContext)
	writeList(b, "Structural improvements", a.StructuralImprovements)
	b.WriteString("\n" + detailStyle.Render("tab switches between the original and the improved question") + "\n")
}

func renderEdits(edits []research.Edit) string {
	var b strings.Builder
	for _, e := range edits {
		switch e.Kind {
		case research.EditInsert:
			b.WriteString(insertStyle.Render(e.Text))
		case research.EditDelete:
			b.WriteString(deleteStyle.Render(e.Text))
		default:
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func writeAnalysis(b *strings.Builder, s research.State) {
	fmt.Fprintf(b, "Question: %s\n", s.ChosenQuestion())
	a := s.Analysis
	if a == nil {
		b.WriteString(detailStyle.Render("Waiting for analysis…") + "\n")
		return
	}
	writeList(b, "Key components", a.KeyComponents)
	writeList(b, "Scope boundaries", a.ScopeBoundaries)
	writeList(b, "Success criteria", a.SuccessCriteria)
	writeList(b, "Conflicting viewpoints", a.ConflictingViewpoints)
}

func (m *Model) writeQueries(b *strings.Builder, s research.State) {
	queries := s.Expanded.Queries
	if len(queries) == 0 {
		b.WriteString(detailStyle.Render("Waiting for queries…") + "\n")
		return
	}
	fmt.Fprintf(b, "%d of %d queries selected\n\n", s.SelectedQueries.Len(), len(queries))
	for i, q := range queries {
		b.WriteString(m.row(i, s.SelectedQueries.Has(q), q) + "\n")
	}
}

func (m *Model) writeSources(b *strings.Builder, s research.State) {
	results := s.SearchResults
	if len(results) == 0 {
		b.WriteString(detailStyle.Render("Waiting for search results…") + "\n")
		return
	}
	fmt.Fprintf(b, "%d of %d sources selected\n\n", s.SelectedSources.Len(), len(results))
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = r.Link
		}
		b.WriteString(m.row(i, s.SelectedSources.Has(r), fmt.Sprintf("%s  %s", title, detailStyle.Render(fmt.Sprintf("%.0f%%", r.RelevanceScore)))) + "\n")
		fmt.Fprintf(b, "      %s\n", detailStyle.Render(r.Link))
		if r.Snippet != "" {
			fmt.Fprintf(b, "      %s\n", r.Snippet)
		}
	}
}

func (m *Model) row(i int, selected bool, text string) string {
	pointer := "  "
	if i == m.cursor {
		pointer = cursorStyle.Render("> ")
	}
	box := "[ ]"
	if selected {
		box = "[x]"
	}
	return pointer + box + " " + text
}

func writeContent(b *strings.Builder, s research.State) {
	if len(s.SourceContent) == 0 {
		b.WriteString(detailStyle.Render("No sources fetched yet.") + "\n")
		return
	}
	for _, c := range s.SourceContent {
		if !c.OK() {
			fmt.Fprintf(b, "%s %s\n  %s\n", errorStyle.Render("✗"), c.URL, errorStyle.Render(c.Error))
			continue
		}
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(b, "%s %s\n  %s\n", doneStyle.Render("✓"), title, detailStyle.Render(c.URL))
		fmt.Fprintf(b, "  %s\n", excerpt(c.Text, 200))
	}
}

func writeAnswer(b *strings.Builder, s research.State) {
	a := s.Answer
	if a == nil {
		b.WriteString(detailStyle.Render("No answer yet.") + "\n")
		return
	}
	b.WriteString(a.Answer + "\n\n")
	fmt.Fprintf(b, "Confidence: %.1f%%\n", a.ConfidenceScore)
	writeList(b, "Sources", a.SourcesUsed)

	e := s.Evaluation
	if e == nil {
		return
	}
	b.WriteString("\n" + headingStyle.Render("Evaluation") + "\n")
	fmt.Fprintf(b, "Overall %.1f · Completeness %.1f · Accuracy %.1f · Relevance %.1f\n",
		e.OverallScore, e.CompletenessScore, e.AccuracyScore, e.RelevanceScore)
	writeList(b, "Missing aspects", e.MissingAspects)
	writeList(b, "Suggestions", e.ImprovementSuggestions)
	if len(e.ConflictingAspects) > 0 {
		b.WriteString("\nConflicts:\n")
		for _, c := range e.ConflictingAspects {
			fmt.Fprintf(b, "  - %s: %s\n", c.Aspect, c.Conflict)
		}
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}

func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "…"
}
