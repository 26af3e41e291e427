// Package sessions tracks the calls the bridge is currently handling.
//
// The Registry is the only mutable state shared between the control-event
// listener, the audio relay and the outbound initiator. It enforces the
// concurrency ceiling and, through a periodic sweep, the per-call timeout.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/voicebridge/internal/observability"
)

var (
	ErrCapacityExceeded  = errors.New("sessions: capacity exceeded")
	ErrNotFound          = errors.New("sessions: call not found")
	ErrInvalidTransition = errors.New("sessions: invalid media state transition")
	ErrDuplicate         = errors.New("sessions: call already registered")
	ErrTimeoutExceeded   = errors.New("sessions: session timeout exceeded")
)

// ReleaseHook runs after an entry is removed. It must not call back into the
// registry while holding its own locks.
type ReleaseHook func(session CallSession, reason string)

// Config configures a Registry.
type Config struct {
	// MaxConcurrent is the ceiling on pending plus streaming sessions.
	MaxConcurrent int

	// SessionTimeout force-releases sessions parked longer than this.
	SessionTimeout time.Duration

	// SweepInterval is how often the timeout sweep runs.
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Registry owns the canonical CallSession for every live call.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ceiling  int

	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	cron *cron.Cron
}

type entry struct {
	session CallSession
	hooks   []ReleaseHook
}

// Option configures a Registry.
type Option func(*Registry)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a registry. Call Open to start the timeout sweep.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions: make(map[string]*entry),
		ceiling:  cfg.MaxConcurrent,
		timeout:  cfg.SessionTimeout,
		interval: cfg.SweepInterval,
		logger:   logger.With("component", "sessions"),
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open starts the periodic timeout sweep.
func (r *Registry) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.SweepNow() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("session registry opened",
		"max_concurrent", r.ceiling,
		"session_timeout", r.timeout,
		"sweep_interval", r.interval)
	return nil
}

// Close stops the sweep and releases every remaining session.
func (r *Registry) Close() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, id := range ids {
		r.Release(id, ReasonShutdown)
	}
}

// Register adds a new pending session.
func (r *Registry) Register(session CallSession) error {
	if session.CallID == "" {
		return errors.New("sessions: call id is required")
	}
	if session.MediaState == "" {
		session.MediaState = MediaPending
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = r.now()
	}

	r.mu.Lock()
	if _, ok := r.sessions[session.CallID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, session.CallID)
	}
	if r.activeLocked() >= r.ceiling {
		ceiling := r.ceiling
		r.mu.Unlock()
		r.metrics.SessionRejected("capacity")
		r.logger.Warn("session rejected, concurrency ceiling reached",
			"call_id", session.CallID,
			"ceiling", ceiling)
		return fmt.Errorf("%w: ceiling %d", ErrCapacityExceeded, ceiling)
	}
	r.sessions[session.CallID] = &entry{session: session}
	active := r.activeLocked()
	r.mu.Unlock()

	r.metrics.SessionRegistered(string(session.Direction), active)
	r.logger.Info("session registered",
		"call_id", session.CallID,
		"direction", session.Direction,
		"active", active)
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(callID string) (CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[callID]
	if !ok {
		return CallSession{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return e.session, nil
}

// Transition advances the media state of a session.
func (r *Registry) Transition(callID string, next MediaState) error {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	cur := e.session.MediaState
	if !cur.CanTransitionTo(next) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	e.session.MediaState = next
	active := r.activeLocked()
	r.mu.Unlock()

	r.metrics.SetActiveSessions(active)
	r.logger.Debug("media state changed", "call_id", callID, "from", cur, "to", next)
	return nil
}

// Update applies fn to the stored session. MediaState and CallID changes made
// by fn are discarded; use Transition for state.
func (r *Registry) Update(callID string, fn func(*CallSession)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	state := e.session.MediaState
	fn(&e.session)
	e.session.MediaState = state
	e.session.CallID = callID
	return nil
}

// OnRelease registers a hook that runs once when the session is released.
func (r *Registry) OnRelease(callID string, hook ReleaseHook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	e.hooks = append(e.hooks, hook)
	return nil
}

// Release removes the session and runs its hooks. Releasing an unknown call is
// a no-op; the return value reports whether an entry was removed.
func (r *Registry) Release(callID, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	active := r.activeLocked()
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.finish(e, reason, active)
	return true
}

func (r *Registry) finish(e *entry, reason string, active int) {
	r.metrics.SessionReleased(reason, r.now().Sub(e.session.CreatedAt).Seconds(), active)
	r.logger.Info("session released",
		"call_id", e.session.CallID,
		"reason", reason,
		"active", active)
	for _, hook := range e.hooks {
		hook(e.session, reason)
	}
}

// SweepNow force-releases every session older than the session timeout and
// returns how many were removed.
func (r *Registry) SweepNow() int {
	now := r.now()

	r.mu.Lock()
	var expired []*entry
	for id, e := range r.sessions {
		if now.Sub(e.session.timeoutAnchor()) > r.timeout {
			expired = append(expired, e)
			delete(r.sessions, id)
		}
	}
	active := r.activeLocked()
	r.mu.Unlock()

	for _, e := range expired {
		r.metrics.SessionTimedOut()
		r.logger.Warn("session force-released",
			"call_id", e.session.CallID,
			"age", now.Sub(e.session.timeoutAnchor()),
			"error", ErrTimeoutExceeded)
		r.finish(e, ReasonTimeout, active)
	}
	return len(expired)
}

// Active returns the number of pending and streaming sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.sessions {
		if e.session.MediaState.Active() {
			n++
		}
	}
	return n
}

// List returns a snapshot of every session.
func (r *Registry) List() []CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	return out
}

// SetCeiling changes the concurrency ceiling. Existing sessions are kept even
// when they exceed a lowered ceiling.
func (r *Registry) SetCeiling(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.ceiling = n
	r.mu.Unlock()
}

// Ceiling returns the current concurrency ceiling.
func (r *Registry) Ceiling() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ceiling
}
