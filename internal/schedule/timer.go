// Package schedule runs one-shot actions at a wall-clock time, such as
// placing an outbound call at the moment a caller asked to be called back.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/voicebridge/internal/observability"
)

// State is the lifecycle of an Action. An armed action moves exactly once,
// to fired or to cancelled.
type State int32

const (
	StateArmed State = iota
	StateFired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ApproveFunc is consulted when an action fires. Returning false skips the
// action.
type ApproveFunc func(ctx context.Context) (bool, error)

// ActionFunc is the scheduled work.
type ActionFunc func(ctx context.Context) error

// Action is a scheduled unit of work.
type Action struct {
	id      string
	firesAt time.Time
	approve ApproveFunc
	run     ActionFunc

	state atomic.Int32
	timer *time.Timer
}

// ID returns the action id.
func (a *Action) ID() string { return a.id }

// FiresAt returns when the action is due.
func (a *Action) FiresAt() time.Time { return a.firesAt }

// State returns the current state.
func (a *Action) State() State { return State(a.state.Load()) }

func (a *Action) transition(from, to State) bool {
	return a.state.CompareAndSwap(int32(from), int32(to))
}

// Timer holds pending actions keyed by id.
type Timer struct {
	mu      sync.Mutex
	pending map[string]*Action

	ctx    context.Context
	cancel context.CancelFunc

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Timer.
type Option func(*Timer)

// WithMetrics records action outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Timer) {
		t.metrics = m
	}
}

// WithNow overrides the clock used to decide whether an action is already due.
func WithNow(now func() time.Time) Option {
	return func(t *Timer) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a Timer.
func New(logger *slog.Logger, opts ...Option) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Timer{
		pending: make(map[string]*Action),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "schedule"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Schedule arms action to run at firesAt. A firesAt in the past runs the
// action synchronously before Schedule returns. Scheduling an id that is
// already pending cancels the earlier action.
func (t *Timer) Schedule(id string, firesAt time.Time, approve ApproveFunc, action ActionFunc) *Action {
	a := &Action{id: id, firesAt: firesAt, approve: approve, run: action}

	t.mu.Lock()
	if prev, ok := t.pending[id]; ok {
		delete(t.pending, id)
		t.stop(prev)
	}
	delay := firesAt.Sub(t.now())
	if delay <= 0 {
		t.mu.Unlock()
		t.logger.Info("action already due, running now", "id", id, "fires_at", firesAt)
		t.fire(a)
		return a
	}
	t.pending[id] = a
	a.timer = time.AfterFunc(delay, func() { t.fire(a) })
	t.mu.Unlock()

	t.logger.Info("action scheduled", "id", id, "fires_at", firesAt, "delay", delay)
	return a
}

// Cancel disarms the pending action for id. It reports whether an armed
// action was cancelled; unknown or already fired ids return false.
func (t *Timer) Cancel(id string) bool {
	t.mu.Lock()
	a, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if !t.stop(a) {
		return false
	}
	t.logger.Info("action cancelled", "id", id)
	return true
}

func (t *Timer) stop(a *Action) bool {
	if !a.transition(StateArmed, StateCancelled) {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	t.metrics.ScheduledAction("cancelled")
	return true
}

// Pending returns the number of armed actions.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels every pending action and the context handed to running ones.
func (t *Timer) Close() {
	t.mu.Lock()
	actions := make([]*Action, 0, len(t.pending))
	for id, a := range t.pending {
		actions = append(actions, a)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, a := range actions {
		t.stop(a)
	}
	t.cancel()
}

func (t *Timer) fire(a *Action) {
	t.mu.Lock()
	if t.pending[a.id] == a {
		delete(t.pending, a.id)
	}
	t.mu.Unlock()

	if !a.transition(StateArmed, StateFired) {
		return
	}
	logger := t.logger.With("id", a.id)

	if a.approve != nil {
		ok, err := a.approve(t.ctx)
		if err != nil {
			t.metrics.ScheduledAction("approval_error")
			logger.Warn("approval check failed, action skipped", "error", err)
			return
		}
		if !ok {
			t.metrics.ScheduledAction("skipped")
			logger.Info("action not approved, skipped")
			return
		}
	}

	if err := a.run(t.ctx); err != nil {
		t.metrics.ScheduledAction("failed")
		logger.Error("scheduled action failed", "error", err)
		return
	}
	t.metrics.ScheduledAction("executed")
	logger.Info("scheduled action executed")
}
