// Package voice drives call control on the switch: it listens for park and
// hangup events to start audio streams, and places outbound calls that enter
// the same pipeline.
package voice

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidNumber     = errors.New("voice: invalid target number")
	ErrMissingCallID     = errors.New("voice: call id is required")
	ErrOriginateFailed   = errors.New("voice: originate failed")
	ErrStreamStartFailed = errors.New("voice: stream start failed")
	ErrNotConnected      = errors.New("voice: event socket not connected")
)

// OutboundPrefix marks the bridge_call_id channel variable of calls the
// bridge originated.
const OutboundPrefix = "outbound-"

// DefaultBridgeExtension is the dialplan extension that parks calls for the
// bridge.
const DefaultBridgeExtension = "9999"

// UnknownCaller replaces missing caller metadata.
const UnknownCaller = "unknown"

// ConnState is the control connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnected    ConnState = "connected"
	StateSubscribed   ConnState = "subscribed"
)

// CallMetadata is what the listener learned about a call at park time.
type CallMetadata struct {
	CallerIDNumber string
	CallerIDName   string
	CalledNumber   string
	ParkedAt       time.Time
}

// PlaceCallRequest asks the bridge to dial a number and connect it to the
// cloud voice endpoint.
type PlaceCallRequest struct {
	TargetNumber string
	CallID       string
	Mode         string
	CustomPrompt string
}

// PlaceCallResult reports the outcome of PlaceCall.
type PlaceCallResult struct {
	Success      bool   `json:"success"`
	CallID       string `json:"callId"`
	NativeCallID string `json:"nativeCallId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Commander sends API commands to the switch. The initiator's commander
// must not share the listener's event connection: originate blocks until
// answer.
type Commander interface {
	Send(ctx context.Context, cmd string) (string, error)
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownCaller
	}
	return s
}
