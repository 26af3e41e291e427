package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/voicebridge/internal/backoff"
	"github.com/haasonsaas/voicebridge/internal/esl"
	"github.com/haasonsaas/voicebridge/internal/observability"
	"github.com/haasonsaas/voicebridge/internal/sessions"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Dialer   esl.Dialer
	Registry *sessions.Registry

	// StreamBaseURL is the relay address the switch connects to, such as
	// ws://10.0.0.5:8080. The call id is appended as /stream/<callId>.
	StreamBaseURL string

	// BridgeExtension filters park events. Defaults to 9999.
	BridgeExtension string

	// ReconnectDelay is the fixed wait between connection attempts.
	ReconnectDelay time.Duration

	// JitterBuffer is the jitterbuffer_msec window set on each channel.
	JitterBuffer string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Listener consumes park and hangup events from the switch and starts the
// audio stream for each bridged call.
type Listener struct {
	dialer    esl.Dialer
	registry  *sessions.Registry
	streamURL string
	extension string
	policy    backoff.Policy
	jitter    string

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	mu    sync.RWMutex
	state ConnState
	conn  esl.Conn
	// runCtx scopes commands issued from release hooks.
	runCtx context.Context

	metaMu   sync.RWMutex
	metadata map[string]CallMetadata
}

// NewListener validates cfg and creates a Listener. Call Run to connect.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("voice: dialer is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("voice: registry is required")
	}
	if cfg.StreamBaseURL == "" {
		return nil, errors.New("voice: stream base url is required")
	}
	if cfg.BridgeExtension == "" {
		cfg.BridgeExtension = DefaultBridgeExtension
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.JitterBuffer == "" {
		cfg.JitterBuffer = "60:120"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		dialer:    cfg.Dialer,
		registry:  cfg.Registry,
		streamURL: strings.TrimRight(cfg.StreamBaseURL, "/"),
		extension: cfg.BridgeExtension,
		policy:    backoff.Fixed(cfg.ReconnectDelay),
		jitter:    cfg.JitterBuffer,
		logger:    logger.With("component", "esl-listener"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       time.Now,
		state:     StateDisconnected,
		metadata:  make(map[string]CallMetadata),
		runCtx:    context.Background(),
	}, nil
}

// State returns the current connection state.
func (l *Listener) State() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Listener) setState(state ConnState, conn esl.Conn) {
	l.mu.Lock()
	l.state = state
	l.conn = conn
	l.mu.Unlock()
}

// Send issues a command on the current connection.
func (l *Listener) Send(ctx context.Context, cmd string) (string, error) {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return "", ErrNotConnected
	}
	return conn.Send(ctx, cmd)
}

// Metadata returns the park-time metadata cached for callID.
func (l *Listener) Metadata(callID string) (CallMetadata, bool) {
	l.metaMu.RLock()
	defer l.metaMu.RUnlock()
	meta, ok := l.metadata[callID]
	return meta, ok
}

// Run connects, subscribes and dispatches events until ctx is cancelled,
// reconnecting after a fixed delay whenever the connection fails.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	l.runCtx = ctx
	l.mu.Unlock()
	for attempt := 1; ; attempt++ {
		err := l.session(ctx)
		l.setState(StateDisconnected, nil)
		if ctx.Err() != nil {
			l.logger.Info("event listener stopped")
			return nil
		}
		l.logger.Warn("event socket disconnected, reconnecting",
			"error", err,
			"delay", l.policy.Delay(attempt))
		l.metrics.ESLReconnect()
		if err := backoff.SleepWithContext(ctx, l.policy.Delay(attempt)); err != nil {
			return nil
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	conn, err := l.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	l.setState(StateConnected, conn)
	l.logger.Info("event socket connected")

	reply, err := conn.Send(ctx, esl.SubscribeCommand)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if !esl.IsOK(reply) {
		return fmt.Errorf("subscribe rejected: %s", reply)
	}
	l.setState(StateSubscribed, conn)
	l.logger.Info("subscribed to channel events")

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		l.dispatch(ctx, conn, ev)
	}
}

func (l *Listener) dispatch(ctx context.Context, conn esl.Conn, ev esl.Event) {
	l.metrics.ESLEvent(string(ev.Kind))
	switch ev.Kind {
	case esl.KindPark:
		l.handlePark(ctx, conn, ev)
	case esl.KindHangup:
		l.handleHangup(ev)
	}
}

// resolveCallID returns the bridge call id for an event and whether the call
// was originated by the bridge.
func resolveCallID(ev esl.Event) (string, bool) {
	if strings.HasPrefix(ev.BridgeCallID, OutboundPrefix) {
		return strings.TrimPrefix(ev.BridgeCallID, OutboundPrefix), true
	}
	return ev.UniqueID, false
}

func (l *Listener) handlePark(ctx context.Context, conn esl.Conn, ev esl.Event) {
	if ev.DestinationNumber != l.extension {
		return
	}
	if ev.UniqueID == "" {
		l.logger.Warn("park event without channel uuid")
		return
	}
	parkedAt := l.now()
	callID, outbound := resolveCallID(ev)
	meta := CallMetadata{
		CallerIDNumber: orUnknown(ev.CallerIDNumber),
		CallerIDName:   orUnknown(ev.CallerIDName),
		CalledNumber:   orUnknown(ev.DialedNumber),
		ParkedAt:       parkedAt,
	}

	ctx, span := l.tracer.TracePark(ctx, callID)
	defer span.End()

	if !l.admit(callID, ev.UniqueID, outbound, meta) {
		return
	}

	l.metaMu.Lock()
	l.metadata[callID] = meta
	l.metaMu.Unlock()

	logger := l.logger.With("call_id", callID, "uuid", ev.UniqueID, "outbound", outbound)
	logger.Info("call parked", "caller", meta.CallerIDNumber, "caller_name", meta.CallerIDName)

	setVars := esl.SetVarMulti(ev.UniqueID,
		esl.Var{Name: "jitterbuffer_msec", Value: l.jitter},
		esl.Var{Name: "STREAM_PLAYBACK", Value: "true"},
		esl.Var{Name: "STREAM_SAMPLE_RATE", Value: "8000"},
		esl.Var{Name: "bridge_call_id", Value: tagFor(callID, outbound)},
	)
	if reply, err := conn.Send(ctx, setVars); err != nil || !esl.IsOK(reply) {
		logger.Warn("setting stream variables failed", "reply", reply, "error", err)
	}

	streamURL := fmt.Sprintf("%s/stream/%s", l.streamURL, callID)
	reply, err := conn.Send(ctx, esl.AudioStreamStart(ev.UniqueID, streamURL, "mono", "8k"))
	elapsed := l.now().Sub(parkedAt)
	if err == nil && !esl.IsOK(reply) {
		err = fmt.Errorf("%w: %s", ErrStreamStartFailed, strings.TrimSpace(reply))
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrStreamStartFailed, err)
	}
	if err != nil {
		l.metrics.StreamStartFailed()
		observability.RecordError(span, err)
		logger.Error("audio stream start failed", "error", err, "elapsed", elapsed)
		return
	}

	l.metrics.ParkToStream(elapsed.Seconds())
	if err := l.registry.Transition(callID, sessions.MediaStreaming); err != nil && !errors.Is(err, sessions.ErrInvalidTransition) {
		logger.Warn("marking session streaming failed", "error", err)
	}
	logger.Info("audio stream started", "url", streamURL, "elapsed_ms", elapsed.Milliseconds())
}

// admit registers or updates the session for a parked call. It returns false
// when the call must proceed without media.
func (l *Listener) admit(callID, uuid string, outbound bool, meta CallMetadata) bool {
	if outbound {
		err := l.registry.Update(callID, func(s *sessions.CallSession) {
			s.NativeCallID = uuid
			s.ParkedAt = meta.ParkedAt
		})
		if err == nil {
			_ = l.registry.OnRelease(callID, l.killOnTimeout)
			return true
		}
		if !errors.Is(err, sessions.ErrNotFound) {
			l.logger.Warn("updating outbound session failed", "call_id", callID, "error", err)
			return false
		}
		l.logger.Warn("park for unknown outbound call, registering", "call_id", callID)
	}

	direction := sessions.DirectionInbound
	if outbound {
		direction = sessions.DirectionOutbound
	}
	err := l.registry.Register(sessions.CallSession{
		CallID:         callID,
		NativeCallID:   uuid,
		Direction:      direction,
		CallerIDNumber: meta.CallerIDNumber,
		CallerIDName:   meta.CallerIDName,
		CalledNumber:   meta.CalledNumber,
		ParkedAt:       meta.ParkedAt,
	})
	switch {
	case err == nil:
		_ = l.registry.OnRelease(callID, l.killOnTimeout)
		return true
	case errors.Is(err, sessions.ErrDuplicate):
		return true
	case errors.Is(err, sessions.ErrCapacityExceeded):
		l.logger.Warn("call proceeds without media, at capacity", "call_id", callID, "error", err)
		return false
	default:
		l.logger.Error("registering session failed", "call_id", callID, "error", err)
		return false
	}
}

// killOnTimeout hangs up the channel of a session the sweep force-released.
func (l *Listener) killOnTimeout(session sessions.CallSession, reason string) {
	if reason != sessions.ReasonTimeout || session.NativeCallID == "" {
		return
	}
	l.mu.RLock()
	ctx := l.runCtx
	l.mu.RUnlock()
	go func() {
		reply, err := l.Send(ctx, esl.Kill(session.NativeCallID))
		if err != nil || !esl.IsOK(reply) {
			l.logger.Warn("hanging up timed out call failed",
				"call_id", session.CallID,
				"reply", reply,
				"error", err)
		}
	}()
}

func (l *Listener) handleHangup(ev esl.Event) {
	callID, outbound := resolveCallID(ev)
	if !outbound && ev.DestinationNumber != l.extension {
		return
	}
	if callID == "" {
		return
	}

	l.metaMu.Lock()
	delete(l.metadata, callID)
	l.metaMu.Unlock()

	if l.registry.Release(callID, sessions.ReasonHangup) {
		l.logger.Info("call hung up", "call_id", callID, "cause", ev.HangupCause)
	}
}

func tagFor(callID string, outbound bool) string {
	if outbound {
		return OutboundPrefix + callID
	}
	return callID
}
