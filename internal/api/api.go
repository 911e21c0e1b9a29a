// Package api is the session management REST surface: spawn, list, kill,
// route and control sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"claude-bridge/internal/bridge"
	"claude-bridge/internal/control"
	"claude-bridge/internal/session"
	"claude-bridge/internal/supervisor"

	"go.uber.org/zap"
)

// Manager is the bridge surface the API drives.
type Manager interface {
	Spawn(workDir string, opts bridge.SpawnOptions) (session.Session, error)
	Kill(ctx context.Context, id string) error
	Sessions() []session.Session
	Session(id string) (session.Session, error)
	History(id string) ([]session.HistoryEntry, error)
	SetActive(id string) error
	SendMessage(id, text string) error
	Control(ctx context.Context, id, subtype string, fields map[string]interface{}) (json.RawMessage, error)
	RespondToControl(id, requestID string, response interface{}) error
	RespondControlError(id, requestID, message string) error
}

// Server serves the management routes.
type Server struct {
	mgr    Manager
	logger *zap.Logger
}

// New creates a management API server.
func New(mgr Manager, logger *zap.Logger) *Server {
	return &Server{mgr: mgr, logger: logger}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /api/sessions/{id}/active", s.handleSetActive)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /api/sessions/{id}/control", s.handleControl)
	mux.HandleFunc("POST /api/sessions/{id}/control/{requestId}", s.handleRespond)

	return mux
}

type createSessionRequest struct {
	WorkDir        string            `json:"workDir"`
	Prompt         string            `json:"prompt"`
	Model          string            `json:"model"`
	PermissionMode string            `json:"permissionMode"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
}

type sendMessageRequest struct {
	Prompt string `json:"prompt"`
}

// respondRequest answers an agent-issued control request. A non-empty
// Error rejects it.
type respondRequest struct {
	Response interface{} `json:"response"`
	Error    string      `json:"error"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkDir == "" {
		writeError(w, http.StatusBadRequest, "workDir is required")
		return
	}

	sess, err := s.mgr.Spawn(req.WorkDir, bridge.SpawnOptions{
		Prompt:         req.Prompt,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		Args:           req.Args,
		Env:            req.Env,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Session(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.mgr.History(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if history == nil {
		history = []session.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Kill(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.SetActive(r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if err := s.mgr.SendMessage(r.PathValue("id"), req.Prompt); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleControl issues a control request. The body is the request itself:
// a subtype plus its fields.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	subtype, _ := fields["subtype"].(string)
	if subtype == "" {
		writeError(w, http.StatusBadRequest, "subtype is required")
		return
	}
	delete(fields, "subtype")

	resp, err := s.mgr.Control(r.Context(), r.PathValue("id"), subtype, fields)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if len(resp) == 0 {
		resp = json.RawMessage("{}")
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"response": resp})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, requestID := r.PathValue("id"), r.PathValue("requestId")
	var err error
	if req.Error != "" {
		err = s.mgr.RespondControlError(id, requestID, req.Error)
	} else {
		err = s.mgr.RespondToControl(id, requestID, req.Response)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// writeErr maps bridge errors onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var remote *control.RemoteError
	var spawn *supervisor.SpawnError
	switch {
	case errors.Is(err, bridge.ErrInvalidWorkDir):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNoChannel), errors.Is(err, bridge.ErrAlreadyInitialized):
		status = http.StatusConflict
	case errors.Is(err, control.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &remote):
		status = http.StatusBadGateway
	case errors.As(err, &spawn):
		status = http.StatusBadGateway
	case errors.Is(err, control.ErrSessionTerminated):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		s.logger.Warn("api request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
