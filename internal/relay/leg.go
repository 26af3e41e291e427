package relay

import (
	"context"
	"time"

	"github.com/haasonsaas/voicebridge/internal/voice"
)

// CloudEventKind classifies what the cloud leg sent.
type CloudEventKind int

const (
	CloudAudio CloudEventKind = iota + 1
	CloudText
	CloudInterrupted
	CloudError
)

// CloudEvent is one message received from the cloud voice endpoint.
type CloudEvent struct {
	Kind CloudEventKind
	// Audio is PCM16LE at the cloud output rate.
	Audio []byte
	Text  string
}

// CallInfo is forwarded to the cloud leg when a call starts.
type CallInfo struct {
	CallID          string
	Direction       string
	CallerIDNumber  string
	CallerIDName    string
	CalledNumber    string
	Mode            string
	CustomPrompt    string
	ScheduledCallID string
	Codec           string
	SampleRate      int
}

// CloudLeg is an open conversation with the cloud voice endpoint.
type CloudLeg interface {
	// SendAudio sends PCM16LE at the cloud input rate.
	SendAudio(ctx context.Context, pcm []byte) error
	// Next blocks for the next message. It returns an error once the leg is
	// closed.
	Next(ctx context.Context) (CloudEvent, error)
	Close() error
}

// CloudDialer opens a CloudLeg for a call.
type CloudDialer interface {
	Dial(ctx context.Context, info CallInfo) (CloudLeg, error)
}

// MetadataLookup exposes the park-time metadata the control listener cached.
type MetadataLookup interface {
	Metadata(callID string) (voice.CallMetadata, bool)
}

// ParkLatency returns how long ago the call was parked, if known.
func ParkLatency(lookup MetadataLookup, callID string, now time.Time) (time.Duration, bool) {
	if lookup == nil {
		return 0, false
	}
	meta, ok := lookup.Metadata(callID)
	if !ok || meta.ParkedAt.IsZero() {
		return 0, false
	}
	return now.Sub(meta.ParkedAt), true
}
