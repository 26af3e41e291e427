package esl

import (
	"context"
	"errors"
)

// Dedicated sends each command on a connection of its own. Use it for
// commands that block until the far end acts, such as originate, so they
// never hold the event connection's command lock or close it on timeout.
type Dedicated struct {
	Dialer Dialer
}

// Send dials, issues cmd, and closes the connection.
func (d Dedicated) Send(ctx context.Context, cmd string) (string, error) {
	if d.Dialer == nil {
		return "", errors.New("esl: dedicated commander has no dialer")
	}
	conn, err := d.Dialer.Dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.Send(ctx, cmd)
}
