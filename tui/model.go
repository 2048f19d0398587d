// Package tui is the interactive terminal front end of the research wizard.
//
// It follows The Elm Architecture: key presses become engine calls, engine
// events become messages, and every message refreshes a snapshot that View
// renders. Step actions run in tea.Cmd goroutines so the UI keeps drawing
// while a stream arrives.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/workflow/engine"
	"github.com/c360studio/semresearch/workflow/steps"
)

// Workflow is the engine surface the UI drives.
type Workflow interface {
	Run(ctx context.Context) error
	Advance() bool
	Retreat() bool
	Reset()
	Update(fn func(*research.State))
	Snapshot() engine.Snapshot[research.State]
}

var _ Workflow = (*engine.Engine[research.State])(nil)

type runDoneMsg struct {
	err error
}

// Model is the Bubble Tea model of the wizard.
type Model struct {
	ctx    context.Context
	wf     Workflow
	bridge *Bridge
	user   string

	snap     engine.Snapshot[research.State]
	cursor   int
	notice   string
	width    int
	height   int
	showHelp bool

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	help     help.Model
}

// Option configures a Model.
type Option func(*Model)

// WithBridge delivers engine events to the model so streamed text appears as
// it arrives.
func WithBridge(b *Bridge) Option {
	return func(m *Model) {
		m.bridge = b
	}
}

// WithUser shows the logged-in user name in the header.
func WithUser(name string) Option {
	return func(m *Model) {
		m.user = name
	}
}

// New creates the model. Step actions run under ctx.
func New(ctx context.Context, wf Workflow, opts ...Option) *Model {
	input := textinput.New()
	input.Placeholder = "What do you want to research?"
	input.CharLimit = 2000
	input.Prompt = "> "

	m := &Model{
		ctx:      ctx,
		wf:       wf,
		input:    input,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(runningStyle)),
		viewport: viewport.New(80, 20),
		help:     help.New(),
		width:    80,
		height:   24,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.refresh()
	if m.snap.Index == steps.InitialQuestion {
		m.input.SetValue(m.snap.State.Question)
		m.input.Focus()
	}
	m.syncContent()
	return m
}

// Init starts listening for engine events.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.bridge.wait())
}

// Update handles a message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.syncContent()
		return m, nil

	case eventMsg:
		before := m.snap.Index
		m.refresh()
		if m.snap.Index != before {
			m.cursor = 0
			m.viewport.GotoTop()
		}
		m.syncContent()
		return m, m.bridge.wait()

	case userMsg:
		m.user = string(msg)
		return m, m.bridge.wait()

	case runDoneMsg:
		before := m.snap.Index
		m.refresh()
		if m.snap.Index != before {
			m.cursor = 0
			m.viewport.GotoTop()
		}
		switch {
		case msg.err == nil, m.snap.LastError != "":
		case errors.Is(msg.err, context.Canceled):
			m.notice = "Canceled."
		case errors.Is(msg.err, engine.ErrBusy):
			m.notice = "A step is already running."
		case errors.Is(msg.err, engine.ErrStepDisabled):
			m.notice = disabledHint(m.snap.Index)
		}
		m.syncContent()
		return m, nil

	case spinner.TickMsg:
		if m.snap.Status != engine.StatusRunning {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.input.Focused() {
			return m.updateEditing(msg)
		}
		return m.updateKeys(msg)
	}

	if m.input.Focused() {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.Type == tea.KeyCtrlC:
		return m, tea.Quit
	case key.Matches(msg, keys.Run):
		return m, m.run()
	case key.Matches(msg, keys.Blur):
		m.input.Blur()
		m.syncContent()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	question := m.input.Value()
	m.wf.Update(func(s *research.State) { s.Question = question })
	m.refresh()
	m.syncContent()
	return m, cmd
}

func (m *Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.notice = ""
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Run):
		return m, m.run()

	case key.Matches(msg, keys.Back):
		if m.wf.Retreat() {
			m.cursor = 0
			m.refresh()
			if m.snap.Index == steps.InitialQuestion {
				m.input.SetValue(m.snap.State.Question)
			}
		}

	case key.Matches(msg, keys.Next):
		if m.wf.Advance() {
			m.cursor = 0
			m.viewport.GotoTop()
			m.refresh()
		}

	case key.Matches(msg, keys.Reset):
		m.wf.Reset()
		m.cursor = 0
		m.refresh()
		m.input.SetValue("")
		m.syncContent()
		return m, m.input.Focus()

	case key.Matches(msg, keys.Edit):
		if m.snap.Index <= steps.QuestionImprovement && m.snap.Status != engine.StatusRunning {
			m.input.SetValue(m.snap.State.Question)
			m.syncContent()
			return m, m.input.Focus()
		}

	case key.Matches(msg, keys.Variant):
		if m.snap.Index == steps.QuestionImprovement && m.snap.State.Improvement != nil {
			m.wf.Update(func(s *research.State) { s.UseImproved = !s.UseImproved })
			m.refresh()
		}

	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, keys.Down):
		if m.cursor < m.listLen()-1 {
			m.cursor++
		}

	case key.Matches(msg, keys.Toggle):
		m.toggle()

	case key.Matches(msg, keys.All):
		m.selectAll()

	case key.Matches(msg, keys.PageUp):
		m.viewport.ViewUp()
		return m, nil

	case key.Matches(msg, keys.PageDown):
		m.viewport.ViewDown()
		return m, nil

	case msg.String() == "?":
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
		m.layout()
	}

	m.syncContent()
	return m, nil
}

// run starts the current step's action unless it is disabled or a run is in
// flight.
func (m *Model) run() tea.Cmd {
	m.refresh()
	if m.snap.Status == engine.StatusRunning {
		m.notice = "A step is already running."
		return nil
	}
	if m.snap.Current().Disabled {
		if m.snap.Last() {
			m.notice = "Research complete. Press r to start over."
		} else {
			m.notice = disabledHint(m.snap.Index)
		}
		m.syncContent()
		return nil
	}

	m.input.Blur()
	m.notice = ""
	ctx, wf := m.ctx, m.wf
	return tea.Batch(
		func() tea.Msg { return runDoneMsg{err: wf.Run(ctx)} },
		m.spinner.Tick,
	)
}

func disabledHint(index int) string {
	switch index {
	case steps.InitialQuestion, steps.QuestionImprovement:
		return "Enter a question first."
	case steps.QueryExpansion:
		return "Select at least one query (space, a)."
	case steps.SourceSelection:
		return "Select at least one source (space, a)."
	case steps.SourceAnalysis:
		return "No source could be fetched. Go back and pick others."
	default:
		return "This step cannot run yet."
	}
}

func (m *Model) listLen() int {
	switch m.snap.Index {
	case steps.QueryExpansion:
		return len(m.snap.State.Expanded.Queries)
	case steps.SourceSelection:
		return len(m.snap.State.SearchResults)
	}
	return 0
}

func (m *Model) toggle() {
	if m.snap.Status == engine.StatusRunning {
		return
	}
	i := m.cursor
	switch m.snap.Index {
	case steps.QueryExpansion:
		m.wf.Update(func(s *research.State) {
			if i < len(s.Expanded.Queries) {
				s.SelectedQueries.Toggle(s.Expanded.Queries[i])
			}
		})
	case steps.SourceSelection:
		m.wf.Update(func(s *research.State) {
			if i < len(s.SearchResults) {
				s.SelectedSources.Toggle(s.SearchResults[i])
			}
		})
	}
	m.refresh()
}

func (m *Model) selectAll() {
	if m.snap.Status == engine.StatusRunning {
		return
	}
	switch m.snap.Index {
	case steps.QueryExpansion:
		m.wf.Update(func(s *research.State) { s.SelectedQueries.SelectAll(s.Expanded.Queries) })
	case steps.SourceSelection:
		m.wf.Update(func(s *research.State) { s.SelectedSources.SelectAll(s.SearchResults) })
	}
	m.refresh()
}

func (m *Model) refresh() {
	m.snap = m.wf.Snapshot()
	if n := m.listLen(); m.cursor >= n {
		m.cursor = max(0, n-1)
	}
}

func (m *Model) layout() {
	// header, step bar, blank, action, notice, help
	chrome := 7
	if m.showHelp {
		chrome += 4
	}
	m.viewport.Width = max(20, m.width-2)
	m.viewport.Height = max(3, m.height-chrome)
	m.input.Width = max(10, m.width-6)
	m.help.Width = m.width
}

func (m *Model) syncContent() {
	m.viewport.SetContent(strings.TrimRight(m.renderStep(), "\n"))
}
