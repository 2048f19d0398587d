package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrAborted is returned when the user leaves the login form.
var ErrAborted = errors.New("login aborted")

// loginForm asks for a username and a masked password.
type loginForm struct {
	inputs  []textinput.Model
	focus   int
	done    bool
	aborted bool
	warning string
}

func newLoginForm(username string) *loginForm {
	user := textinput.New()
	user.Prompt = "Username: "
	user.SetValue(username)

	pass := textinput.New()
	pass.Prompt = "Password: "
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '•'

	f := &loginForm{inputs: []textinput.Model{user, pass}}
	if username != "" {
		f.focus = 1
	}
	f.inputs[f.focus].Focus()
	return f
}

func (f *loginForm) Init() tea.Cmd {
	return textinput.Blink
}

func (f *loginForm) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			f.aborted = true
			return f, tea.Quit
		case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
			f.move((f.focus + 1) % len(f.inputs))
			return f, nil
		case tea.KeyEnter:
			if f.focus == 0 {
				f.move(1)
				return f, nil
			}
			if strings.TrimSpace(f.inputs[0].Value()) == "" || f.inputs[1].Value() == "" {
				f.warning = "Username and password are required."
				return f, nil
			}
			f.done = true
			return f, tea.Quit
		}
	}

	var cmd tea.Cmd
	f.inputs[f.focus], cmd = f.inputs[f.focus].Update(msg)
	return f, cmd
}

func (f *loginForm) move(to int) {
	f.inputs[f.focus].Blur()
	f.focus = to
	f.inputs[f.focus].Focus()
}

func (f *loginForm) View() string {
	if f.done || f.aborted {
		return ""
	}
	lines := []string{titleStyle.Render("Sign in to the research service"), ""}
	for _, in := range f.inputs {
		lines = append(lines, in.View())
	}
	if f.warning != "" {
		lines = append(lines, "", errorStyle.Render(f.warning))
	}
	lines = append(lines, "", detailStyle.Render("enter to continue · esc to cancel"))
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

func (f *loginForm) credentials() (string, string) {
	return strings.TrimSpace(f.inputs[0].Value()), f.inputs[1].Value()
}

// PromptCredentials runs an inline form for a username and password.
// username pre-fills the first field.
func PromptCredentials(ctx context.Context, username string, opts ...tea.ProgramOption) (string, string, error) {
	form := newLoginForm(username)
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	if _, err := tea.NewProgram(form, opts...).Run(); err != nil {
		return "", "", err
	}
	if !form.done {
		return "", "", ErrAborted
	}
	user, pass := form.credentials()
	return user, pass, nil
}
