package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pocketsage/pocketsage/internal/analytics"
	"github.com/pocketsage/pocketsage/internal/confirm"
	"github.com/pocketsage/pocketsage/internal/modestate"
)

// ActionRequest asks to mutate financial state. The mutation never runs
// directly; it is either held for confirmation or queued offline.
type ActionRequest struct {
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Type           string         `json:"type"`
	Entity         string         `json:"entity"`
	Data           map[string]any `json:"data,omitempty"`
	Summary        string         `json:"summary"`
	// Priority is one of actionqueue.PriorityLow, PriorityMedium or
	// PriorityHigh; zero falls back to medium.
	Priority int `json:"priority,omitempty"`
}

func (s *Server) handleActionRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Confirm == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "confirmation service not configured")
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Type == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id and type are required")
		return
	}

	// Backend unreachable: defer the mutation instead of failing it.
	if !s.deps.Online() && s.deps.Queue != nil {
		queued, err := s.deps.Queue.Enqueue(req.UserID, req.Type, req.Entity, req.Data, req.Priority)
		if err != nil {
			s.logger.Error("enqueue failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "could not queue action")
			return
		}

		s.emit(analytics.TypeActionQueued, req.SessionID, map[string]any{
			"action_id": queued.ID,
			"type":      req.Type,
			"entity":    req.Entity,
		})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{
			"status": "queued",
			"action": queued,
		}, s.logger)
		return
	}

	pending, err := s.deps.Confirm.Request(r.Context(), req.UserID, req.IdempotencyKey, confirm.Action{
		Type:   req.Type,
		Entity: req.Entity,
		Data:   req.Data,
	}, req.Summary)
	if err != nil {
		s.logger.Error("action request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "could not stage action")
		return
	}

	s.emit(analytics.TypeActionRequested, req.SessionID, map[string]any{
		"token":  pending.Token,
		"type":   req.Type,
		"entity": req.Entity,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, pending, s.logger)
}

type confirmRequest struct {
	Token          string `json:"token"`
	IdempotencyKey string `json:"idempotency_key"`
	SessionID      string `json:"session_id"`
}

func (s *Server) handleActionConfirm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Confirm == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "confirmation service not configured")
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		s.errorResponse(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := s.deps.Confirm.Confirm(r.Context(), req.Token, req.IdempotencyKey)
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "unknown token")
		return
	case errors.Is(err, confirm.ErrKeyMismatch):
		s.errorResponse(w, http.StatusForbidden, "idempotency key does not match")
		return
	case errors.Is(err, confirm.ErrExpired):
		s.errorResponse(w, http.StatusGone, "confirmation window expired")
		return
	case errors.Is(err, confirm.ErrConsumed):
		s.errorResponse(w, http.StatusConflict, "action already resolved")
		return
	case err != nil:
		s.logger.Error("action confirm failed", "error", err, "token", req.Token)
		s.errorResponse(w, http.StatusBadGateway, "action execution failed")
		return
	}

	mode := modestate.ModeChat
	if req.SessionID != "" {
		mode = s.modes.get(req.SessionID).Apply(modestate.EventActionTaken, "")
	}

	s.emit(analytics.TypeActionConfirmed, req.SessionID, map[string]any{
		"token": req.Token,
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": "confirmed",
		"result": result,
		"mode":   string(mode),
	}, s.logger)
}

func (s *Server) handleActionCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Confirm == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "confirmation service not configured")
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		s.errorResponse(w, http.StatusBadRequest, "token is required")
		return
	}

	err := s.deps.Confirm.Cancel(r.Context(), req.Token)
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "unknown token")
		return
	case errors.Is(err, confirm.ErrConsumed):
		s.errorResponse(w, http.StatusConflict, "action already resolved")
		return
	case err != nil:
		s.logger.Error("action cancel failed", "error", err, "token", req.Token)
		s.errorResponse(w, http.StatusInternalServerError, "cancel failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "cancelled"}, s.logger)
}

func (s *Server) handleActionGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Confirm == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "confirmation service not configured")
		return
	}

	pending, err := s.deps.Confirm.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "unknown token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, pending, s.logger)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "action queue not configured")
		return
	}

	items := s.deps.Queue.Items()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(items),
		"items": items,
	}, s.logger)
}

func (s *Server) handleQueueProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "action queue not configured")
		return
	}

	if err := s.deps.Queue.ProcessQueue(r.Context()); err != nil {
		s.logger.Error("queue processing failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "queue processing failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":    "processed",
		"remaining": s.deps.Queue.Len(),
	}, s.logger)
}

type modeEventRequest struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Target    string `json:"target,omitempty"`
}

func (s *Server) handleModeEvent(w http.ResponseWriter, r *http.Request) {
	var req modeEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Event == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id and event are required")
		return
	}

	machine := s.modes.get(req.SessionID)
	before := machine.Current()
	mode := machine.Apply(modestate.Event(req.Event), modestate.Mode(req.Target))

	if mode != before {
		s.emit(analytics.TypeModeChanged, req.SessionID, map[string]any{
			"from":  string(before),
			"to":    string(mode),
			"event": req.Event,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"mode":    string(mode),
		"applied": mode != before || req.Event == string(modestate.EventForceMode),
	}, s.logger)
}

func (s *Server) handleModeGet(w http.ResponseWriter, r *http.Request) {
	machine := s.modes.get(r.PathValue("sessionId"))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"mode":    string(machine.Current()),
		"history": machine.History(),
	}, s.logger)
}

// emit forwards an event to the analytics emitter when one is wired.
func (s *Server) emit(eventType, sessionID string, payload map[string]any) {
	if s.deps.Emitter != nil {
		s.deps.Emitter.Emit(eventType, sessionID, payload)
	}
}
