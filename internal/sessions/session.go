package sessions

import "time"

// Direction indicates who started the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MediaState tracks the audio stream of a call. It only moves forward:
// pending, then streaming, then closed.
type MediaState string

const (
	MediaPending   MediaState = "pending"
	MediaStreaming MediaState = "streaming"
	MediaClosed    MediaState = "closed"
)

var mediaStateRank = map[MediaState]int{
	MediaPending:   1,
	MediaStreaming: 2,
	MediaClosed:    3,
}

// CanTransitionTo reports whether s may advance to next.
func (s MediaState) CanTransitionTo(next MediaState) bool {
	cur, curOK := mediaStateRank[s]
	nxt, nxtOK := mediaStateRank[next]
	if !curOK || !nxtOK {
		return false
	}
	return nxt > cur
}

// Active reports whether the state counts against the concurrency ceiling.
func (s MediaState) Active() bool {
	return s == MediaPending || s == MediaStreaming
}

// Release reasons recorded when an entry leaves the registry.
const (
	ReasonHangup         = "hangup"
	ReasonTimeout        = "timeout"
	ReasonStreamClosed   = "stream_closed"
	ReasonCloudClosed    = "cloud_closed"
	ReasonOriginateError = "originate_failed"
	ReasonShutdown       = "shutdown"
)

// CallSession is the registry's record of one call.
type CallSession struct {
	CallID       string     `json:"call_id"`
	NativeCallID string     `json:"native_call_id,omitempty"`
	Direction    Direction  `json:"direction"`
	MediaState   MediaState `json:"media_state"`

	CallerIDNumber string `json:"caller_id_number"`
	CallerIDName   string `json:"caller_id_name"`
	CalledNumber   string `json:"called_number,omitempty"`

	// Outbound request metadata forwarded to the cloud leg.
	Mode         string `json:"mode,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ParkedAt  time.Time `json:"parked_at,omitempty"`
}

// timeoutAnchor is ParkedAt, or CreatedAt for outbound calls that have not
// been parked yet.
func (s *CallSession) timeoutAnchor() time.Time {
	if !s.ParkedAt.IsZero() {
		return s.ParkedAt
	}
	return s.CreatedAt
}
