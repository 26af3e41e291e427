package esl

import (
	"net/textproto"
	"net/url"
	"strings"
)

// Kind classifies a control event.
type Kind string

const (
	KindPark   Kind = "park"
	KindHangup Kind = "hangup"
	KindOther  Kind = "other"
)

// Event names the bridge subscribes to.
const (
	EventChannelPark           = "CHANNEL_PARK"
	EventChannelHangupComplete = "CHANNEL_HANGUP_COMPLETE"
)

// Header names read from channel events.
const (
	HeaderEventName         = "Event-Name"
	HeaderUniqueID          = "Unique-ID"
	HeaderCallerIDNumber    = "Caller-Caller-ID-Number"
	HeaderCallerIDName      = "Caller-Caller-ID-Name"
	HeaderDestinationNumber = "Caller-Destination-Number"
	HeaderBridgeCallID      = "variable_bridge_call_id"
	HeaderSIPToUser         = "variable_sip_to_user"
	HeaderSIPReqUser        = "variable_sip_req_user"
	HeaderHangupCause       = "Hangup-Cause"
)

// Event is a normalized channel event.
type Event struct {
	Name              string
	Kind              Kind
	UniqueID          string
	CallerIDNumber    string
	CallerIDName      string
	DestinationNumber string
	// DialedNumber is the number the caller dialed. After the dialplan
	// transfers a call to the bridge extension, DestinationNumber names the
	// extension instead.
	DialedNumber string
	BridgeCallID string
	HangupCause  string

	headers map[string]string
}

// NewEvent builds an Event from raw headers. Keys are matched
// case-insensitively and percent-encoded values are decoded.
func NewEvent(raw map[string]string) Event {
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		headers[textproto.CanonicalMIMEHeaderKey(k)] = decodeValue(v)
	}
	ev := Event{headers: headers}
	ev.Name = ev.Header(HeaderEventName)
	ev.UniqueID = ev.Header(HeaderUniqueID)
	ev.CallerIDNumber = ev.Header(HeaderCallerIDNumber)
	ev.CallerIDName = ev.Header(HeaderCallerIDName)
	ev.DestinationNumber = ev.Header(HeaderDestinationNumber)
	ev.BridgeCallID = ev.Header(HeaderBridgeCallID)
	ev.DialedNumber = ev.Header(HeaderSIPToUser)
	if ev.DialedNumber == "" {
		ev.DialedNumber = ev.Header(HeaderSIPReqUser)
	}
	ev.HangupCause = ev.Header(HeaderHangupCause)

	switch ev.Name {
	case EventChannelPark:
		ev.Kind = KindPark
	case EventChannelHangupComplete:
		ev.Kind = KindHangup
	default:
		ev.Kind = KindOther
	}
	return ev
}

// Header returns the named header or "".
func (e Event) Header(name string) string {
	return e.headers[textproto.CanonicalMIMEHeaderKey(name)]
}

func decodeValue(v string) string {
	if !strings.Contains(v, "%") {
		return v
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}
