// Package relay bridges the switch's per-call audio stream and the cloud
// voice endpoint.
//
// Each call gets four goroutines under one per-call context: a telephony
// reader, a cloud writer, a cloud reader and a paced telephony writer. The
// registry release hook cancels that context, so a hangup, the timeout sweep
// or shutdown stops every pump of the call at once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/voicebridge/internal/audio"
	"github.com/haasonsaas/voicebridge/internal/callstore"
	"github.com/haasonsaas/voicebridge/internal/observability"
	"github.com/haasonsaas/voicebridge/internal/sessions"
	"github.com/haasonsaas/voicebridge/internal/voice"
)

const (
	maxMessageBytes = 64 << 10
	readWait        = 60 * time.Second
	writeWait       = 5 * time.Second
	saveTimeout     = 5 * time.Second

	toCloud     = "to_cloud"
	toTelephony = "to_telephony"
)

// Config configures a Relay.
type Config struct {
	Registry *sessions.Registry
	Cloud    CloudDialer
	// Store receives a record for every finished call. Optional.
	Store callstore.Store
	// Metadata supplies park-time metadata cached by the control listener.
	// Optional.
	Metadata MetadataLookup

	// Codec and SampleRate describe the telephony leg. Defaults: PCMU, 8000.
	Codec      audio.Codec
	SampleRate int

	// QueueSize caps frames waiting for playback to the switch. Default 2500.
	QueueSize int
	// CloudQueueSize caps caller frames waiting for the cloud leg. Default 10.
	CloudQueueSize int
	// FrameInterval is the pacing of frames written to the switch. Default 20ms.
	FrameInterval time.Duration
	// MaxCatchUp bounds frames written on a late tick. Default 3.
	MaxCatchUp int
	// Prefill frames are written at once when playback starts. Zero
	// disables prefill.
	Prefill int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Relay is the http.Handler behind /stream/{callId}.
type Relay struct {
	registry *sessions.Registry
	cloud    CloudDialer
	store    callstore.Store
	metadata MetadataLookup
	tables   *audio.Tables

	codec      audio.Codec
	rate       int
	frameBytes int
	queueSize  int
	cloudQueue int
	interval   time.Duration
	catchUp    int
	prefill    int

	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time
}

// New validates cfg and creates a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if cfg.Cloud == nil {
		return nil, errors.New("relay: cloud dialer is required")
	}
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecPCMU
	}
	if cfg.Codec != audio.CodecL16 && cfg.Codec != audio.CodecPCMU {
		return nil, fmt.Errorf("relay: unsupported codec %q", cfg.Codec)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TelephonyRate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2500
	}
	if cfg.CloudQueueSize <= 0 {
		cfg.CloudQueueSize = 10
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = 3
	}
	if cfg.Prefill < 0 {
		cfg.Prefill = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		registry:   cfg.Registry,
		cloud:      cfg.Cloud,
		store:      cfg.Store,
		metadata:   cfg.Metadata,
		tables:     audio.InitOnce(),
		codec:      cfg.Codec,
		rate:       cfg.SampleRate,
		frameBytes: audio.FrameBytes(cfg.Codec, cfg.SampleRate),
		queueSize:  cfg.QueueSize,
		cloudQueue: cfg.CloudQueueSize,
		interval:   cfg.FrameInterval,
		catchUp:    cfg.MaxCatchUp,
		prefill:    cfg.Prefill,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// The switch sends no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "relay"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     time.Now,
	}, nil
}

// ServeHTTP attaches the switch's audio stream for the call named in the path
// and relays it until either leg closes or the session is released.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	callID := req.PathValue("callId")
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	session, adopted, err := r.attach(callID)
	switch {
	case errors.Is(err, sessions.ErrCapacityExceeded):
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	case errors.Is(err, errSessionClosed):
		http.Error(w, "call closed", http.StatusGone)
		return
	case err != nil:
		r.logger.Error("attaching stream failed", "call_id", callID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("stream upgrade failed", "call_id", callID, "error", err)
		if adopted {
			r.registry.Release(callID, sessions.ReasonStreamClosed)
		}
		return
	}

	ctx := observability.WithCallID(req.Context(), callID)
	r.serveCall(ctx, conn, session)
}

var errSessionClosed = errors.New("relay: session closed")

// attach returns the session for callID, registering an inbound session when
// the switch connects for a call the listener never saw.
func (r *Relay) attach(callID string) (sessions.CallSession, bool, error) {
	session, err := r.registry.Get(callID)
	if err == nil {
		if session.MediaState == sessions.MediaClosed {
			return session, false, errSessionClosed
		}
		r.ensureStreaming(callID)
		return session, false, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return session, false, err
	}

	r.logger.Warn("stream for unknown call, using call id as channel uuid", "call_id", callID)
	fresh := sessions.CallSession{
		CallID:         callID,
		NativeCallID:   callID,
		Direction:      sessions.DirectionInbound,
		CallerIDNumber: voice.UnknownCaller,
		CallerIDName:   voice.UnknownCaller,
	}
	if r.metadata != nil {
		if meta, ok := r.metadata.Metadata(callID); ok {
			fresh.CallerIDNumber = meta.CallerIDNumber
			fresh.CallerIDName = meta.CallerIDName
			fresh.CalledNumber = meta.CalledNumber
			fresh.ParkedAt = meta.ParkedAt
		}
	}
	err = r.registry.Register(fresh)
	if errors.Is(err, sessions.ErrDuplicate) {
		return r.attach(callID)
	}
	if err != nil {
		return fresh, false, err
	}
	r.ensureStreaming(callID)
	session, err = r.registry.Get(callID)
	return session, true, err
}

// ensureStreaming moves a pending session to streaming. The listener normally
// did so on the stream-start reply.
func (r *Relay) ensureStreaming(callID string) {
	err := r.registry.Transition(callID, sessions.MediaStreaming)
	if err != nil && !errors.Is(err, sessions.ErrInvalidTransition) {
		r.logger.Warn("marking session streaming failed", "call_id", callID, "error", err)
	}
}

// call is the per-call relay state.
type call struct {
	relay   *Relay
	session sessions.CallSession
	conn    *websocket.Conn
	leg     CloudLeg
	logger  *slog.Logger

	toCloud     *Queue
	toTelephony *Queue

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	cancel context.CancelFunc
	mu     sync.Mutex
	reason string
}

// end records the first reason the call stopped and cancels its pumps.
func (c *call) end(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *call) endReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return sessions.ReasonStreamClosed
	}
	return c.reason
}

func (r *Relay) serveCall(parent context.Context, conn *websocket.Conn, session sessions.CallSession) {
	callID := session.CallID
	started := r.now()
	logger := r.logger.With("call_id", callID, "direction", session.Direction)

	ctx, span := r.tracer.TraceCall(parent, callID, string(session.Direction))
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &call{
		relay:       r,
		session:     session,
		conn:        conn,
		logger:      logger,
		toCloud:     NewQueue(r.cloudQueue),
		toTelephony: NewQueue(r.queueSize),
		cancel:      cancel,
	}

	if err := r.registry.OnRelease(callID, func(_ sessions.CallSession, reason string) {
		c.end(reason)
	}); err != nil {
		c.end(sessions.ReasonHangup)
	}

	if latency, ok := ParkLatency(r.metadata, callID, started); ok {
		logger.Info("stream attached", "since_park_ms", latency.Milliseconds())
	} else {
		logger.Info("stream attached")
	}

	if ctx.Err() == nil {
		leg, err := r.cloud.Dial(ctx, r.callInfo(session))
		if err != nil {
			observability.RecordError(span, err)
			logger.Error("cloud leg dial failed", "error", err)
			c.end(sessions.ReasonCloudClosed)
		} else {
			c.leg = leg
		}
	}

	if c.leg != nil {
		stopConn := context.AfterFunc(ctx, func() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
			_ = c.leg.Close()
		})
		defer stopConn()

		var wg sync.WaitGroup
		wg.Add(4)
		go func() { defer wg.Done(); c.readTelephony(ctx) }()
		go func() { defer wg.Done(); c.writeCloud(ctx) }()
		go func() { defer wg.Done(); c.readCloud(ctx) }()
		go func() { defer wg.Done(); c.writeTelephony(ctx) }()
		wg.Wait()
	}

	cancel()
	_ = conn.Close()
	if c.leg != nil {
		_ = c.leg.Close()
	}
	c.toCloud.Flush()
	c.toTelephony.Flush()

	reason := c.endReason()
	if err := r.registry.Transition(callID, sessions.MediaClosed); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		logger.Debug("closing session state", "error", err)
	}
	r.registry.Release(callID, reason)

	ended := r.now()
	logger.Info("call relay finished",
		"reason", reason,
		"duration", ended.Sub(started),
		"bytes_in", c.bytesIn.Load(),
		"bytes_out", c.bytesOut.Load(),
		"dropped_to_cloud", c.toCloud.Dropped(),
		"dropped_to_telephony", c.toTelephony.Dropped())

	r.saveRecord(parent, c, started, ended, reason)
}

func (r *Relay) callInfo(session sessions.CallSession) CallInfo {
	info := CallInfo{
		CallID:         session.CallID,
		Direction:      string(session.Direction),
		CallerIDNumber: session.CallerIDNumber,
		CallerIDName:   session.CallerIDName,
		CalledNumber:   session.CalledNumber,
		Mode:           session.Mode,
		CustomPrompt:   session.CustomPrompt,
		Codec:          string(r.codec),
		SampleRate:     r.rate,
	}
	if session.Direction == sessions.DirectionOutbound {
		info.ScheduledCallID = session.CallID
	}
	if r.metadata != nil {
		if meta, ok := r.metadata.Metadata(session.CallID); ok {
			if info.CallerIDNumber == "" {
				info.CallerIDNumber = meta.CallerIDNumber
			}
			if info.CallerIDName == "" {
				info.CallerIDName = meta.CallerIDName
			}
			if info.CalledNumber == "" {
				info.CalledNumber = meta.CalledNumber
			}
		}
	}
	return info
}

func (r *Relay) saveRecord(parent context.Context, c *call, started, ended time.Time, reason string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), saveTimeout)
	defer cancel()
	rec := &callstore.Record{
		CallID:         c.session.CallID,
		NativeCallID:   c.session.NativeCallID,
		Direction:      string(c.session.Direction),
		CallerIDNumber: c.session.CallerIDNumber,
		CalledNumber:   c.session.CalledNumber,
		Mode:           c.session.Mode,
		StartedAt:      started,
		EndedAt:        ended,
		DurationMs:     ended.Sub(started).Milliseconds(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		EndReason:      reason,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		c.logger.Warn("saving call record failed", "error", err)
	}
}

// readTelephony converts frames from the switch and queues them for the cloud.
func (c *call) readTelephony(ctx context.Context) {
	defer c.end(sessions.ReasonStreamClosed)

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("telephony read ended", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.bytesIn.Add(int64(len(data)))
		c.relay.metrics.AudioRelayed(toCloud, len(data))

		pcm, err := c.relay.tables.ToCloudFormat(data, c.relay.codec, c.relay.rate)
		if err != nil {
			c.logger.Debug("dropping malformed telephony frame", "bytes", len(data), "error", err)
			continue
		}
		if c.toCloud.Push(pcm) {
			c.relay.metrics.FrameDropped(toCloud)
		}
	}
}

// writeCloud drains the cloud-bound queue into the cloud leg.
func (c *call) writeCloud(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.toCloud.Ready():
		}
		for {
			pcm, ok := c.toCloud.Pop()
			if !ok {
				break
			}
			if err := c.leg.SendAudio(ctx, pcm); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("sending audio to cloud failed", "error", err)
				}
				c.end(sessions.ReasonCloudClosed)
				return
			}
			c.relay.metrics.FrameRelayed(toCloud)
		}
	}
}

// readCloud converts cloud audio into telephony frames. An interrupted
// message flushes whatever has not been played yet.
func (c *call) readCloud(ctx context.Context) {
	defer c.end(sessions.ReasonCloudClosed)
	for {
		ev, err := c.leg.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("cloud leg closed", "error", err)
			}
			return
		}
		switch ev.Kind {
		case CloudAudio:
			pcm, err := c.relay.tables.FromCloudFormat(ev.Audio, c.relay.codec, c.relay.rate)
			if err != nil {
				c.logger.Debug("dropping malformed cloud audio", "bytes", len(ev.Audio), "error", err)
				continue
			}
			for _, frame := range SplitFrames(pcm, c.relay.frameBytes) {
				if c.toTelephony.Push(frame) {
					c.relay.metrics.FrameDropped(toTelephony)
				}
			}
		case CloudInterrupted:
			if n := c.toTelephony.Flush(); n > 0 {
				c.logger.Debug("barge-in, playback flushed", "frames", n)
			}
		case CloudText:
			c.logger.Debug("cloud transcript", "text", ev.Text)
		case CloudError:
			c.logger.Warn("cloud reported error", "message", ev.Text)
		}
	}
}

// writeTelephony plays queued frames to the switch at the frame interval. A
// late tick writes up to the catch-up limit and skips the remaining slots;
// playback that starts from an empty queue writes the prefill frames at once.
func (c *call) writeTelephony(ctx context.Context) {
	ticker := time.NewTicker(c.relay.interval)
	defer ticker.Stop()

	last := time.Now()
	idle := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.toTelephony.Ready():
			if !idle {
				continue
			}
			idle = false
			for i := 0; i < c.relay.prefill; i++ {
				if !c.writeFrame() {
					break
				}
			}
			if ctx.Err() != nil {
				return
			}
		case now := <-ticker.C:
			due := int(now.Sub(last) / c.relay.interval)
			if due < 1 {
				continue
			}
			last = last.Add(time.Duration(due) * c.relay.interval)
			for i := 0; i < min(due, c.relay.catchUp); i++ {
				if !c.writeFrame() {
					idle = true
					break
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// writeFrame writes the next queued frame and reports whether one was written.
func (c *call) writeFrame() bool {
	frame, ok := c.toTelephony.Pop()
	if !ok {
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.end(sessions.ReasonStreamClosed)
		return false
	}
	c.bytesOut.Add(int64(len(frame)))
	c.relay.metrics.FrameRelayed(toTelephony)
	c.relay.metrics.AudioRelayed(toTelephony, len(frame))
	return true
}
