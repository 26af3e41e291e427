// Package cloudvoice is the websocket client for the cloud voice endpoint.
//
// Frames are JSON text messages. The bridge sends one start message followed
// by audio messages carrying base64 PCM16 at 16 kHz; the endpoint answers with
// audio at 24 kHz plus text, interrupted and error messages.
package cloudvoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/voicebridge/internal/audio"
	"github.com/haasonsaas/voicebridge/internal/relay"
)

// ErrClosed is returned by a Leg after Close.
var ErrClosed = errors.New("cloudvoice: leg closed")

const (
	maxMessageBytes = 4 << 20

	typeStart       = "start"
	typeAudio       = "audio"
	typeText        = "text"
	typeInterrupted = "interrupted"
	typeError       = "error"
)

// Config configures a Dialer.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Token is sent as a bearer token when set.
	Token string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Logger *slog.Logger
}

// Dialer opens a Leg per call. It satisfies relay.CloudDialer.
type Dialer struct {
	url          string
	token        string
	writeTimeout time.Duration
	dialer       websocket.Dialer
	logger       *slog.Logger
}

// NewDialer validates cfg and creates a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.URL == "" {
		return nil, errors.New("cloudvoice: url is required")
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("cloudvoice: url must be ws:// or wss://, got %q", cfg.URL)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		url:          cfg.URL,
		token:        cfg.Token,
		writeTimeout: cfg.WriteTimeout,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "cloudvoice"),
	}, nil
}

type startMessage struct {
	Type             string `json:"type"`
	CallID           string `json:"call_id"`
	Direction        string `json:"direction"`
	CallerID         string `json:"caller_id"`
	CallerName       string `json:"caller_name,omitempty"`
	CalledNumber     string `json:"called_number,omitempty"`
	Mode             string `json:"mode,omitempty"`
	CustomPrompt     string `json:"custom_prompt,omitempty"`
	ScheduledCallID  string `json:"scheduled_call_id,omitempty"`
	Codec            string `json:"codec"`
	SampleRate       int    `json:"sample_rate"`
	InputSampleRate  int    `json:"input_sample_rate"`
	OutputSampleRate int    `json:"output_sample_rate"`
}

type message struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// Dial connects and sends the start message for the call.
func (d *Dialer) Dial(ctx context.Context, info relay.CallInfo) (relay.CloudLeg, error) {
	headers := http.Header{}
	if d.token != "" {
		headers.Set("Authorization", "Bearer "+d.token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.url, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			if len(body) > 0 {
				return nil, fmt.Errorf("cloudvoice connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("cloudvoice connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("cloudvoice connect: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	leg := &Leg{
		conn:         conn,
		writeTimeout: d.writeTimeout,
		logger:       d.logger.With("call_id", info.CallID),
	}
	start := startMessage{
		Type:             typeStart,
		CallID:           info.CallID,
		Direction:        info.Direction,
		CallerID:         info.CallerIDNumber,
		CallerName:       info.CallerIDName,
		CalledNumber:     info.CalledNumber,
		Mode:             info.Mode,
		CustomPrompt:     info.CustomPrompt,
		ScheduledCallID:  info.ScheduledCallID,
		Codec:            info.Codec,
		SampleRate:       info.SampleRate,
		InputSampleRate:  audio.CloudInputRate,
		OutputSampleRate: audio.CloudOutputRate,
	}
	if err := leg.writeJSON(ctx, start); err != nil {
		_ = leg.Close()
		return nil, fmt.Errorf("cloudvoice start: %w", err)
	}
	leg.logger.Debug("cloud leg started", "direction", info.Direction)
	return leg, nil
}

// Leg is one call's conversation with the cloud endpoint. SendAudio may be
// called concurrently with Next; Next must only be called from one goroutine.
type Leg struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

// SendAudio sends PCM16 at 16 kHz.
func (l *Leg) SendAudio(ctx context.Context, pcm []byte) error {
	return l.writeJSON(ctx, message{
		Type: typeAudio,
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (l *Leg) writeJSON(ctx context.Context, v any) error {
	if l.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(l.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Next returns the next audio, text, interrupted or error message. Unknown
// message types are skipped. Closing the leg unblocks a pending call.
func (l *Leg) Next(ctx context.Context) (relay.CloudEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return relay.CloudEvent{}, err
		}
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.closed.Load() {
				return relay.CloudEvent{}, ErrClosed
			}
			return relay.CloudEvent{}, fmt.Errorf("cloudvoice read: %w", err)
		}
		if messageType == websocket.BinaryMessage {
			return relay.CloudEvent{Kind: relay.CloudAudio, Audio: data}, nil
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Debug("skipping malformed cloud message", "error", err)
			continue
		}
		switch msg.Type {
		case typeAudio:
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				l.logger.Debug("skipping undecodable cloud audio", "error", err)
				continue
			}
			return relay.CloudEvent{Kind: relay.CloudAudio, Audio: pcm}, nil
		case typeText:
			return relay.CloudEvent{Kind: relay.CloudText, Text: msg.Text}, nil
		case typeInterrupted:
			return relay.CloudEvent{Kind: relay.CloudInterrupted}, nil
		case typeError:
			text := msg.Message
			if text == "" {
				text = msg.Text
			}
			return relay.CloudEvent{Kind: relay.CloudError, Text: text}, nil
		default:
			l.logger.Debug("skipping cloud message", "type", msg.Type)
		}
	}
}

// Close sends a normal closure and closes the socket. It is safe to call more
// than once.
func (l *Leg) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.conn.Close()
}
