package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Run      key.Binding
	Back     key.Binding
	Next     key.Binding
	Reset    key.Binding
	Up       key.Binding
	Down     key.Binding
	Toggle   key.Binding
	All      key.Binding
	Variant  key.Binding
	Edit     key.Binding
	Blur     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Run: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "run step"),
	),
	Back: key.NewBinding(
		key.WithKeys("b"),
		key.WithHelp("b", "back"),
	),
	Next: key.NewBinding(
		key.WithKeys("n", "right"),
		key.WithHelp("n/→", "forward"),
	),
	Reset: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reset"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Toggle: key.NewBinding(
		key.WithKeys(" "),
		key.WithHelp("space", "toggle"),
	),
	All: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "select all"),
	),
	Variant: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "original/improved"),
	),
	Edit: key.NewBinding(
		key.WithKeys("e"),
		key.WithHelp("e", "edit question"),
	),
	Blur: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "stop editing"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("pgup", "scroll up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("pgdn", "scroll down"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Run, k.Back, k.Next, k.Reset, k.Toggle, k.All, k.Variant, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Run, k.Back, k.Next, k.Reset},
		{k.Up, k.Down, k.Toggle, k.All},
		{k.Variant, k.Edit, k.Blur},
		{k.PageUp, k.PageDown, k.Quit},
	}
}
