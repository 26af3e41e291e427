package esl

import (
	"fmt"
	"strings"
)

// SubscribeCommand enables delivery of the park and hangup events.
const SubscribeCommand = "event plain " + EventChannelPark + " " + EventChannelHangupComplete

// Var is an ordered channel variable assignment.
type Var struct {
	Name  string
	Value string
}

// SetVarMulti sets several channel variables in one command.
func SetVarMulti(uuid string, vars ...Var) string {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = v.Name + "=" + v.Value
	}
	return fmt.Sprintf("api uuid_setvar_multi %s %s", uuid, strings.Join(parts, ";"))
}

// AudioStreamStart asks the switch to open a websocket to url and stream the
// channel's audio.
func AudioStreamStart(uuid, url, mix, rate string) string {
	return fmt.Sprintf("api uuid_audio_stream %s start %s %s %s", uuid, url, mix, rate)
}

// AudioStreamStop stops a running audio stream.
func AudioStreamStop(uuid string) string {
	return fmt.Sprintf("api uuid_audio_stream %s stop", uuid)
}

// Kill hangs up a channel.
func Kill(uuid string) string {
	return "api uuid_kill " + uuid
}

// Originate describes an outbound leg placed through a gateway and routed to
// a dialplan extension once answered.
type Originate struct {
	Vars      []Var
	Gateway   string
	Number    string
	Extension string
	Dialplan  string
	Context   string
}

// String renders the originate command.
func (o Originate) String() string {
	parts := make([]string, len(o.Vars))
	for i, v := range o.Vars {
		parts[i] = v.Name + "=" + v.Value
	}
	dialplan := o.Dialplan
	if dialplan == "" {
		dialplan = "XML"
	}
	return fmt.Sprintf("api originate {%s}sofia/gateway/%s/%s %s %s %s",
		strings.Join(parts, ","), o.Gateway, o.Number, o.Extension, dialplan, o.Context)
}

// IsOK reports whether an API reply signals success.
func IsOK(reply string) bool {
	return strings.HasPrefix(strings.TrimSpace(reply), "+OK")
}
