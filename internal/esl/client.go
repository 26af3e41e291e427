// Package esl talks to FreeSWITCH over its Event Socket Layer.
package esl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fiorix/go-eventsocket/eventsocket"
)

var (
	ErrClosed         = errors.New("esl: connection closed")
	ErrCommandTimeout = errors.New("esl: command timed out")
)

// Conn is an authenticated event socket connection.
type Conn interface {
	// Send issues a command and returns the reply text.
	Send(ctx context.Context, cmd string) (string, error)
	// ReadEvent blocks until the next event arrives.
	ReadEvent() (Event, error)
	Close() error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// rawConn is the subset of *eventsocket.Connection the client uses.
type rawConn interface {
	Send(command string) (*eventsocket.Event, error)
	ReadEvent() (*eventsocket.Event, error)
}

// Client is a Conn backed by github.com/fiorix/go-eventsocket.
type Client struct {
	raw     rawConn
	closeFn func()
	timeout time.Duration

	// sendMu serializes commands so replies pair with their requests.
	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// ClientDialer dials a Client for each connection attempt.
type ClientDialer struct {
	Addr           string
	Password       string
	CommandTimeout time.Duration
}

// Dial connects and authenticates. The underlying library has no context
// support, so cancellation abandons the pending dial.
func (d ClientDialer) Dial(ctx context.Context) (Conn, error) {
	type result struct {
		conn *eventsocket.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := eventsocket.Dial(d.Addr, d.Password)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("esl dial %s: %w", d.Addr, r.err)
		}
		return newClient(r.conn, func() { r.conn.Close() }, d.CommandTimeout), nil
	}
}

func newClient(raw rawConn, closeFn func(), timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		raw:     raw,
		closeFn: closeFn,
		timeout: timeout,
		closed:  make(chan struct{}),
	}
}

// Send issues cmd and waits for its reply, bounded by ctx's deadline or, when
// ctx has none, the client's command timeout.
func (c *Client) Send(ctx context.Context, cmd string) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return "", ErrClosed
	default:
	}

	type result struct {
		ev  *eventsocket.Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := c.raw.Send(cmd)
		done <- result{ev, err}
	}()

	// A caller deadline replaces the default command timeout.
	var expired <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	// An abandoned command's late reply would pair with the next one, so
	// both timeout paths drop the socket.
	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("esl send %q: %w", commandName(cmd), r.err)
		}
		return replyText(r.ev), nil
	case <-expired:
		_ = c.Close()
		return "", fmt.Errorf("%w: %s", ErrCommandTimeout, commandName(cmd))
	case <-ctx.Done():
		_ = c.Close()
		return "", fmt.Errorf("esl send %q: %w", commandName(cmd), ctx.Err())
	case <-c.closed:
		return "", ErrClosed
	}
}

// ReadEvent returns the next event from the socket.
func (c *Client) ReadEvent() (Event, error) {
	ev, err := c.raw.ReadEvent()
	if err != nil {
		select {
		case <-c.closed:
			return Event{}, ErrClosed
		default:
		}
		return Event{}, fmt.Errorf("esl read: %w", err)
	}
	return NewEvent(flattenHeader(ev.Header)), nil
}

// Close closes the socket. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closeFn != nil {
			c.closeFn()
		}
	})
	return nil
}

func replyText(ev *eventsocket.Event) string {
	if ev == nil {
		return ""
	}
	if body := strings.TrimSpace(ev.Body); body != "" {
		return body
	}
	h := flattenHeader(ev.Header)
	for _, key := range []string{"Reply-Text", "Reply-text"} {
		if v, ok := h[key]; ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func flattenHeader(h map[string]interface{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []string:
			if len(val) > 0 {
				out[k] = val[0]
			}
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// commandName trims a command to its verb for error messages so channel
// variables never end up in logs.
func commandName(cmd string) string {
	fields := strings.Fields(cmd)
	switch {
	case len(fields) >= 2 && fields[0] == "api":
		return fields[0] + " " + fields[1]
	case len(fields) >= 1:
		return fields[0]
	}
	return ""
}
