package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/workflow/engine"
)

// Bridge carries engine events and login changes into the Bubble Tea loop.
// Register it with engine.WithListener and auth.WithOnChange, and pass it
// to New.
type Bridge struct {
	events chan engine.Event
	users  chan string
}

var _ engine.Listener = (*Bridge)(nil)

// NewBridge creates a bridge with room for a burst of fragment events.
func NewBridge() *Bridge {
	return &Bridge{
		events: make(chan engine.Event, 256),
		users:  make(chan string, 1),
	}
}

// OnEvent queues ev. When the UI falls behind, events are dropped: each one
// only triggers a fresh snapshot, so a later event covers it.
func (b *Bridge) OnEvent(ev engine.Event) {
	select {
	case b.events <- ev:
	default:
	}
}

// OnToken queues the user name of a token loaded from another process. A
// zero token means the user logged out. Only the latest change is kept.
func (b *Bridge) OnToken(tok research.Token) {
	for {
		select {
		case b.users <- tok.Username:
			return
		default:
		}
		select {
		case <-b.users:
		default:
		}
	}
}

type eventMsg engine.Event

type userMsg string

func (b *Bridge) wait() tea.Cmd {
	if b == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case ev := <-b.events:
			return eventMsg(ev)
		case name := <-b.users:
			return userMsg(name)
		}
	}
}
