package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/voicebridge/internal/callstore"
	"github.com/haasonsaas/voicebridge/internal/sessions"
	"github.com/haasonsaas/voicebridge/internal/voice"
)

// placeCallRequest accepts both the current field names and the legacy
// targetPhone/aiMode pair.
type placeCallRequest struct {
	TargetNumber string `json:"targetNumber"`
	TargetPhone  string `json:"targetPhone"`
	CallID       string `json:"callId"`
	Mode         string `json:"mode"`
	AIMode       string `json:"aiMode"`
	CustomPrompt string `json:"customPrompt"`
}

func (p placeCallRequest) normalize() voice.PlaceCallRequest {
	target := strings.TrimSpace(p.TargetNumber)
	if target == "" {
		target = strings.TrimSpace(p.TargetPhone)
	}
	mode := strings.TrimSpace(p.Mode)
	if mode == "" {
		mode = strings.TrimSpace(p.AIMode)
	}
	return voice.PlaceCallRequest{
		TargetNumber: target,
		CallID:       strings.TrimSpace(p.CallID),
		Mode:         mode,
		CustomPrompt: p.CustomPrompt,
	}
}

type scheduleRequest struct {
	placeCallRequest
	FiresAt time.Time `json:"firesAt"`
}

type scheduleResponse struct {
	Success bool      `json:"success"`
	CallID  string    `json:"callId"`
	FiresAt time.Time `json:"firesAt"`
	State   string    `json:"state"`
}

type healthResponse struct {
	Status           string    `json:"status"`
	Version          string    `json:"version,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	UptimeSeconds    int64     `json:"uptimeSeconds"`
	ESL              string    `json:"esl"`
	ActiveSessions   int       `json:"activeSessions"`
	MaxConcurrent    int       `json:"maxConcurrent"`
	PendingScheduled int       `json:"pendingScheduled"`
	BlockedIPs       int       `json:"blockedIps"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) (int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, "request too large"
		}
		return http.StatusBadRequest, "invalid JSON body"
	}
	return 0, ""
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var body placeCallRequest
	if status, msg := decodeBody(w, r, &body); status != 0 {
		writeJSON(w, status, voice.PlaceCallResult{Error: msg})
		return
	}
	req := body.normalize()
	if req.TargetNumber == "" || req.CallID == "" {
		writeJSON(w, http.StatusBadRequest, voice.PlaceCallResult{
			CallID: req.CallID,
			Error:  "missing targetNumber or callId",
		})
		return
	}

	// Originate outlives an impatient client; the initiator bounds it.
	result, err := s.placer.PlaceCall(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeJSON(w, placeCallStatus(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func placeCallStatus(err error) int {
	switch {
	case errors.Is(err, voice.ErrInvalidNumber), errors.Is(err, voice.ErrMissingCallID):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, sessions.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, voice.ErrOriginateFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequest
	if status, msg := decodeBody(w, r, &body); status != 0 {
		writeJSON(w, status, map[string]any{"success": false, "error": msg})
		return
	}
	req := body.normalize()
	if req.CallID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "missing callId"})
		return
	}
	if _, err := voice.NormalizeNumber(req.TargetNumber); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "callId": req.CallID, "error": err.Error()})
		return
	}
	if body.FiresAt.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "callId": req.CallID, "error": "missing firesAt"})
		return
	}

	logger := s.logger.With("call_id", req.CallID)
	action := s.scheduler.Schedule(req.CallID, body.FiresAt, s.approver.For(req.CallID), func(ctx context.Context) error {
		_, err := s.placer.PlaceCall(ctx, req)
		return err
	})
	logger.Info("outbound call scheduled", "fires_at", body.FiresAt)

	writeJSON(w, http.StatusAccepted, scheduleResponse{
		Success: true,
		CallID:  req.CallID,
		FiresAt: action.FiresAt(),
		State:   action.State().String(),
	})
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callId")
	if !s.scheduler.Cancel(callID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "callId": callID, "error": "no pending scheduled call"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "callId": callID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		Version:          s.version,
		Timestamp:        time.Now().UTC(),
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		ESL:              string(voice.StateDisconnected),
		ActiveSessions:   s.registry.Active(),
		MaxConcurrent:    s.registry.Ceiling(),
		PendingScheduled: s.scheduler.Pending(),
	}
	if s.control != nil {
		resp.ESL = string(s.control.State())
	}
	if resp.ESL != string(voice.StateSubscribed) {
		resp.Status = "degraded"
	}
	if s.limiter != nil {
		resp.BlockedIPs = s.limiter.BlockedCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid offset"})
		return
	}
	records, err := s.calls.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("listing call records failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list calls"})
		return
	}
	if records == nil {
		records = []*callstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": records})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callId")
	record, err := s.calls.Get(r.Context(), callID)
	switch {
	case errors.Is(err, callstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "call not found"})
	case err != nil:
		s.logger.Error("loading call record failed", "call_id", callID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load call"})
	default:
		writeJSON(w, http.StatusOK, record)
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
