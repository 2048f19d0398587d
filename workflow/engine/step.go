package engine

import (
	"context"
	"log/slog"
)

// Step is one fixed stage of a workflow over state S.
type Step[S any] struct {
	Label       string
	Description string

	// Disabled gates the action from the current state. It must be pure: it
	// is called on every snapshot.
	Disabled func(S) bool

	// ActionText labels the action for the current state.
	ActionText func(S) string

	// Action performs the step. It reads and writes state only through sc and
	// calls sc.Advance when the workflow should move on.
	Action func(ctx context.Context, sc *StepContext[S]) error
}

func (s Step[S]) disabled(state S) bool {
	return s.Disabled != nil && s.Disabled(state)
}

func (s Step[S]) actionText(state S) string {
	if s.ActionText == nil {
		return s.Label
	}
	return s.ActionText(state)
}

// StepView is the rendering-facing summary of a step.
type StepView struct {
	Label       string
	Description string
	ActionText  string
	Disabled    bool
}

// StepContext is a running action's handle on the engine. Once the run is
// superseded by Retreat or Reset every mutator becomes a no-op, so a late
// fragment can never write into state that has moved on.
type StepContext[S any] struct {
	engine *Engine[S]
	gen    uint64
	runID  string
	index  int
	logger *slog.Logger
}

// State returns a copy of the current state.
func (c *StepContext[S]) State() S {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.engine.clone(c.engine.state)
}

// Update applies fn to the live state and reports whether it was applied.
func (c *StepContext[S]) Update(fn func(*S)) bool {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	if c.engine.gen != c.gen {
		return false
	}
	fn(&c.engine.state)
	return true
}

// Advance moves to the next step. It is guarded at the last step and
// reports whether the index changed.
func (c *StepContext[S]) Advance() bool {
	return c.engine.advance(c.gen)
}

// Stale reports whether the run has been superseded.
func (c *StepContext[S]) Stale() bool {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.engine.gen != c.gen
}

// Index is the step the action was started on.
func (c *StepContext[S]) Index() int {
	return c.index
}

// Logger returns a logger annotated with the run and step.
func (c *StepContext[S]) Logger() *slog.Logger {
	return c.logger
}

// Fragment reports receipt of n bytes of streamed text to listeners.
func (c *StepContext[S]) Fragment(n int) {
	if c.Stale() {
		return
	}
	ev := c.engine.newEvent(c.runID, EventFragment, c.index)
	ev.Bytes = n
	c.engine.emit(ev)
}
