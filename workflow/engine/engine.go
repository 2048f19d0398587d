// Package engine drives a fixed, ordered sequence of asynchronous steps over a
// single piece of state.
//
// The engine is the sole owner of the state. Step actions see a StepContext
// that reads a copy and writes through the engine, and at most one action is
// in flight at a time. Retreat and Reset cancel the in-flight action; from
// then on its writes are discarded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the activity flag orthogonal to the step index.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Snapshot is a consistent, detached view of the engine.
type Snapshot[S any] struct {
	RunID     string
	Index     int
	Status    Status
	LastError string
	State     S
	Steps     []StepView
}

// Current returns the view of the active step.
func (s Snapshot[S]) Current() StepView {
	return s.Steps[s.Index]
}

// Last reports whether the active step is the final one.
func (s Snapshot[S]) Last() bool {
	return s.Index == len(s.Steps)-1
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	listeners []Listener
	clock     func() time.Time
	message   func(error) string
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithListener registers a lifecycle event listener.
func WithListener(l Listener) Option {
	return func(o *options) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithErrorMessage overrides how action failures become lastError.
// Defaults to UserMessage.
func WithErrorMessage(fn func(error) string) Option {
	return func(o *options) {
		if fn != nil {
			o.message = fn
		}
	}
}

// Engine is the workflow state machine.
type Engine[S any] struct {
	steps    []Step[S]
	newState func() S

	logger    *slog.Logger
	listeners []Listener
	clock     func() time.Time
	message   func(error) string

	mu        sync.Mutex
	state     S
	index     int
	status    Status
	lastError string
	runID     string
	// gen identifies the current action run. Retreat and Reset bump it so
	// that a superseded action can no longer write.
	gen    uint64
	cancel context.CancelFunc
	// reached is the furthest step an action has advanced to since the last
	// Reset. Forward navigation never goes past it.
	reached int
}

// New creates an engine at step 0 with fresh state.
func New[S any](steps []Step[S], newState func() S, opts ...Option) (*Engine[S], error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	if newState == nil {
		return nil, errors.New("workflow engine: newState is required")
	}
	for i, s := range steps {
		if s.Action == nil {
			return nil, fmt.Errorf("workflow engine: step %d (%s) has no action", i, s.Label)
		}
	}

	o := options{
		logger:  slog.Default(),
		clock:   time.Now,
		message: UserMessage,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Engine[S]{
		steps:     append([]Step[S](nil), steps...),
		newState:  newState,
		logger:    o.logger,
		listeners: o.listeners,
		clock:     o.clock,
		message:   o.message,
		state:     newState(),
		runID:     uuid.NewString(),
	}, nil
}

// Run invokes the current step's action and blocks until it returns.
//
// The index changes only if the action advances. A failure sets lastError
// and status Errored and is returned. Cancellation of ctx, or supersession by
// Retreat or Reset, leaves no lastError and returns the context error.
func (e *Engine[S]) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusRunning {
		e.mu.Unlock()
		return ErrBusy
	}
	index := e.index
	step := e.steps[index]
	if step.disabled(e.state) {
		e.mu.Unlock()
		return ErrStepDisabled
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.gen++
	gen := e.gen
	runID := e.runID
	e.status = StatusRunning
	e.lastError = ""
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	logger := e.logger.With("run_id", runID, "step", index, "label", step.Label)
	sc := &StepContext[S]{engine: e, gen: gen, runID: runID, index: index, logger: logger}

	started := e.clock()
	logger.Debug("Step action started")
	e.emit(e.newEvent(runID, EventRunStarted, index))

	err := invoke(runCtx, step, sc)
	elapsed := e.clock().Sub(started)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		logger.Debug("Step action superseded", "duration", elapsed)
		e.emitDone(runID, EventRunCanceled, index, elapsed, "")
		return context.Canceled
	}
	e.cancel = nil
	switch {
	case err == nil:
		e.status = StatusIdle
		e.mu.Unlock()
		logger.Info("Step action completed", "duration", elapsed)
		e.emitDone(runID, EventRunSucceeded, index, elapsed, "")
		return nil

	case ctx.Err() != nil:
		e.status = StatusIdle
		e.mu.Unlock()
		logger.Info("Step action canceled", "duration", elapsed)
		e.emitDone(runID, EventRunCanceled, index, elapsed, "")
		return err

	default:
		msg := e.message(err)
		e.status = StatusErrored
		e.lastError = msg
		e.mu.Unlock()
		logger.Warn("Step action failed", "error", err, "duration", elapsed)
		e.emitDone(runID, EventRunFailed, index, elapsed, msg)
		return err
	}
}

func invoke[S any](ctx context.Context, step Step[S], sc *StepContext[S]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sc.logger.Error("Step action panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("step %q panicked: %v", step.Label, r)
		}
	}()
	return step.Action(ctx, sc)
}

// Advance moves forward to a step that an action already reached, for
// example after Retreat. It is a no-op while running or at the furthest
// reached step, and reports whether the index changed.
func (e *Engine[S]) Advance() bool {
	e.mu.Lock()
	if e.status == StatusRunning || e.index >= e.reached {
		e.mu.Unlock()
		return false
	}
	e.index++
	index, runID := e.index, e.runID
	e.mu.Unlock()

	e.logger.Debug("Advanced", "run_id", runID, "step", index)
	e.emit(e.newEvent(runID, EventAdvanced, index))
	return true
}

// advance is the action-side move. Completing a step again from an earlier
// index drops anything reached beyond the new one.
func (e *Engine[S]) advance(gen uint64) bool {
	e.mu.Lock()
	if e.gen != gen || e.index >= len(e.steps)-1 {
		e.mu.Unlock()
		return false
	}
	e.index++
	e.reached = e.index
	index, runID := e.index, e.runID
	e.mu.Unlock()

	e.logger.Debug("Advanced", "run_id", runID, "step", index)
	e.emit(e.newEvent(runID, EventAdvanced, index))
	return true
}

// Retreat moves back one step, canceling any in-flight action and clearing
// lastError. Data is kept. It is a no-op at step 0.
func (e *Engine[S]) Retreat() bool {
	e.mu.Lock()
	if e.index == 0 {
		e.mu.Unlock()
		return false
	}
	e.supersede()
	e.index--
	index, runID := e.index, e.runID
	e.mu.Unlock()

	e.logger.Debug("Retreated", "run_id", runID, "step", index)
	e.emit(e.newEvent(runID, EventRetreated, index))
	return true
}

// Reset cancels any in-flight action and returns to step 0 with fresh state
// and a new run ID.
func (e *Engine[S]) Reset() {
	e.mu.Lock()
	e.supersede()
	e.state = e.newState()
	e.index = 0
	e.reached = 0
	e.runID = uuid.NewString()
	runID := e.runID
	e.mu.Unlock()

	e.logger.Debug("Reset", "run_id", runID)
	e.emit(e.newEvent(runID, EventReset, 0))
}

// supersede cancels the current action and invalidates its StepContext.
// Callers hold e.mu.
func (e *Engine[S]) supersede() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.status = StatusIdle
	e.lastError = ""
}

// Update applies a user edit to the state.
func (e *Engine[S]) Update(fn func(*S)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// Snapshot returns a detached copy of the engine's observable state.
func (e *Engine[S]) Snapshot() Snapshot[S] {
	e.mu.Lock()
	defer e.mu.Unlock()
	views := make([]StepView, len(e.steps))
	for i, s := range e.steps {
		views[i] = StepView{
			Label:       s.Label,
			Description: s.Description,
			ActionText:  s.actionText(e.state),
			Disabled:    s.disabled(e.state),
		}
	}
	return Snapshot[S]{
		RunID:     e.runID,
		Index:     e.index,
		Status:    e.status,
		LastError: e.lastError,
		State:     e.clone(e.state),
		Steps:     views,
	}
}

// Steps returns the number of steps.
func (e *Engine[S]) Steps() int {
	return len(e.steps)
}

// RunID identifies the current pass through the workflow. It changes on Reset.
func (e *Engine[S]) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

func (e *Engine[S]) clone(s S) S {
	if c, ok := any(s).(interface{ Clone() S }); ok {
		return c.Clone()
	}
	return s
}

func (e *Engine[S]) newEvent(runID string, typ EventType, index int) Event {
	return Event{
		RunID: runID,
		Type:  typ,
		Step:  index,
		Label: e.steps[index].Label,
		Time:  e.clock(),
	}
}

func (e *Engine[S]) emitDone(runID string, typ EventType, index int, d time.Duration, msg string) {
	ev := e.newEvent(runID, typ, index)
	ev.Duration = d
	ev.Error = msg
	e.emit(ev)
}

func (e *Engine[S]) emit(ev Event) {
	for _, l := range e.listeners {
		l.OnEvent(ev)
	}
}
