package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/voicebridge/internal/esl"
	"github.com/haasonsaas/voicebridge/internal/observability"
	"github.com/haasonsaas/voicebridge/internal/sessions"
)

// InitiatorConfig configures an Initiator.
type InitiatorConfig struct {
	Commander Commander
	Registry  *sessions.Registry

	// Gateway is the sofia gateway outbound calls are placed through.
	Gateway string
	// CallerIDNumber is presented to the called party, if set.
	CallerIDNumber string
	// Extension and Context route the answered call; Extension defaults to
	// the bridge extension so outbound calls park like inbound ones.
	Extension string
	Context   string

	// OriginateTimeout bounds the originate command, which returns only once
	// the call is answered or fails.
	OriginateTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Initiator places outbound calls through the switch.
type Initiator struct {
	commander Commander
	registry  *sessions.Registry
	gateway   string
	callerID  string
	extension string
	dialCtx   string
	timeout   time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	newUUID func() string
}

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithUUIDGenerator overrides native call id generation.
func WithUUIDGenerator(fn func() string) InitiatorOption {
	return func(i *Initiator) {
		if fn != nil {
			i.newUUID = fn
		}
	}
}

// NewInitiator validates cfg and creates an Initiator.
func NewInitiator(cfg InitiatorConfig, opts ...InitiatorOption) (*Initiator, error) {
	if cfg.Commander == nil {
		return nil, errors.New("voice: commander is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("voice: registry is required")
	}
	if cfg.Gateway == "" {
		return nil, errors.New("voice: gateway is required")
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultBridgeExtension
	}
	if cfg.Context == "" {
		cfg.Context = "default"
	}
	if cfg.OriginateTimeout <= 0 {
		cfg.OriginateTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	i := &Initiator{
		commander: cfg.Commander,
		registry:  cfg.Registry,
		gateway:   cfg.Gateway,
		callerID:  cfg.CallerIDNumber,
		extension: cfg.Extension,
		dialCtx:   cfg.Context,
		timeout:   cfg.OriginateTimeout,
		logger:    logger.With("component", "initiator"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		newUUID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// PlaceCall validates req, registers a pending outbound session and asks the
// switch to dial the target. On any failure after registration the session
// is released so no pending entry is left behind.
func (i *Initiator) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	result := PlaceCallResult{CallID: req.CallID}

	number, err := NormalizeNumber(req.TargetNumber)
	if err != nil {
		i.metrics.Originate("invalid")
		result.Error = err.Error()
		return result, err
	}
	if strings.TrimSpace(req.CallID) == "" {
		i.metrics.Originate("invalid")
		result.Error = ErrMissingCallID.Error()
		return result, ErrMissingCallID
	}

	nativeID := i.newUUID()
	err = i.registry.Register(sessions.CallSession{
		CallID:       req.CallID,
		NativeCallID: nativeID,
		Direction:    sessions.DirectionOutbound,
		CalledNumber: number,
		Mode:         req.Mode,
		CustomPrompt: req.CustomPrompt,
	})
	if err != nil {
		status := "error"
		if errors.Is(err, sessions.ErrCapacityExceeded) {
			status = "capacity"
		}
		i.metrics.Originate(status)
		result.Error = err.Error()
		return result, err
	}

	ctx, span := i.tracer.TraceOriginate(ctx, req.CallID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	vars := []esl.Var{
		{Name: "origination_uuid", Value: nativeID},
		{Name: "bridge_call_id", Value: OutboundPrefix + req.CallID},
	}
	if i.callerID != "" {
		vars = append(vars, esl.Var{Name: "origination_caller_id_number", Value: i.callerID})
	}
	vars = append(vars, esl.Var{Name: "ignore_early_media", Value: "true"})
	cmd := esl.Originate{
		Vars:      vars,
		Gateway:   i.gateway,
		Number:    number,
		Extension: i.extension,
		Context:   i.dialCtx,
	}.String()

	logger := i.logger.With("call_id", req.CallID, "uuid", nativeID)
	logger.Info("originating call", "mode", req.Mode)

	reply, err := i.commander.Send(ctx, cmd)
	if err == nil && !esl.IsOK(reply) {
		err = errors.New(strings.TrimSpace(reply))
	}
	if err != nil {
		i.registry.Release(req.CallID, sessions.ReasonOriginateError)
		err = fmt.Errorf("%w: %w", ErrOriginateFailed, err)
		observability.RecordError(span, err)
		i.metrics.Originate("error")
		logger.Error("originate failed", "error", err)
		result.Error = err.Error()
		return result, err
	}

	i.metrics.Originate("success")
	logger.Info("call originated")
	result.Success = true
	result.NativeCallID = nativeID
	return result, nil
}
