// Package gateway serves the UI: agent discovery, the connect handshake and
// run requests streamed back as SSE.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claude-bridge/internal/bus"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBodyBytes = 8 << 20

// Config holds the gateway settings.
type Config struct {
	AgentID         string
	Description     string
	ProtocolVersion string

	// DiscoveryInterval and DiscoveryAttempts bound how long a run waits for
	// a session with a live agent socket.
	DiscoveryInterval time.Duration
	DiscoveryAttempts int

	// ScopeRunsToSession limits a run to messages from the session it was
	// dispatched to. When false a run sees every session's messages.
	ScopeRunsToSession bool
}

// Server is the UI-facing HTTP server.
type Server struct {
	cfg      Config
	registry *session.Registry
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates a gateway.
func New(cfg Config, registry *session.Registry, b *bus.Bus, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		bus:      b,
		logger:   logger,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	return CORS(s.Routes())
}

// Routes returns the gateway routes without CORS handling, for callers that
// compose them into a larger mux and apply CORS once around it.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("POST /info", s.handleInfo)
	mux.HandleFunc("POST /agent/{id}/connect", s.handleConnect)
	mux.HandleFunc("POST /agent/{id}/run", s.handleRun)

	// Single-endpoint transport and everything unmatched.
	mux.HandleFunc("/", s.handleFallback)

	return mux
}

// CORS allows any origin and answers preflight requests with 204.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type agentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type infoResponse struct {
	Version string               `json:"version"`
	Agents  map[string]agentInfo `json:"agents"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeInfo(w)
}

func (s *Server) writeInfo(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, infoResponse{
		Version: s.cfg.ProtocolVersion,
		Agents: map[string]agentInfo{
			s.cfg.AgentID: {Name: s.cfg.AgentID, Description: s.cfg.Description},
		},
	})
}

type connectInput struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.connect(w, body)
}

// connect replays the active session's conversation and reports its
// capabilities as a complete started/snapshot/finished run.
func (s *Server) connect(w http.ResponseWriter, body []byte) {
	var in connectInput
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	threadID := orNewID(in.ThreadID)
	runID := orNewID(in.RunID)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sess, ok := s.registry.Active()
	events := []protocol.Event{protocol.RunStarted(threadID, runID)}
	if ok {
		if history, err := s.registry.History(sess.ID); err == nil {
			events = append(events, replay(history, runID)...)
		}
	}
	events = append(events,
		protocol.StateSnapshot(sessionSnapshot(sess, ok)),
		protocol.RunFinished(threadID, runID),
	)
	if err := sse.SendAll(events); err != nil {
		s.logger.Debug("connect stream closed early", zap.Error(err))
	}
}

// replay re-expresses history as plain text messages. Tool calls and other
// agent frames are omitted.
func replay(history []session.HistoryEntry, runID string) []protocol.Event {
	var events []protocol.Event
	for i, entry := range history {
		if entry.Text == "" || (entry.Role != "user" && entry.Role != "assistant") {
			continue
		}
		id := fmt.Sprintf("%s-replay-%d", runID, i)
		events = append(events, protocol.TextMessage(id, entry.Role, entry.Text)...)
	}
	return events
}

func sessionSnapshot(sess session.Session, ok bool) map[string]interface{} {
	if !ok {
		return map[string]interface{}{"connected": false}
	}
	snap := map[string]interface{}{
		"sessionId":        sess.ID,
		"status":           sess.Status.String(),
		"connected":        sess.Connected,
		"conversationId":   sess.ConversationID,
		"workingDirectory": sess.WorkDir,
		"fileCount":        sess.FileCount,
		"totalCostUsd":     sess.TotalCostUSD,
		"numTurns":         sess.NumTurns,
		"compacting":       sess.Compacting,
	}
	if c := sess.Capabilities; c != nil {
		snap["model"] = c.Model
		snap["tools"] = c.Tools
		snap["permissionMode"] = c.PermissionMode
		snap["slashCommands"] = c.SlashCommands
		snap["skills"] = c.Skills
		snap["agents"] = c.Agents
		snap["mcpServers"] = c.MCPServers
		snap["claudeCodeVersion"] = c.ClaudeCodeVersion
		snap["outputStyle"] = c.OutputStyle
	}
	return snap
}

type envelope struct {
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body"`
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		if isKnownRoute(r.URL.Path) {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	body := []byte(env.Body)
	if len(body) == 0 || string(body) == "null" {
		body = raw
	}

	switch strings.TrimPrefix(env.Method, "agent/") {
	case "info":
		s.writeInfo(w)
	case "connect":
		s.connect(w, body)
	default:
		var in RunInput
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.run(w, r, in)
	}
}

// isKnownRoute reports whether path names one of the fixed routes.
func isKnownRoute(path string) bool {
	if path == "/info" {
		return true
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return len(parts) == 3 && parts[0] == "agent" && parts[1] != "" &&
		(parts[2] == "run" || parts[2] == "connect")
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.New("cannot read request body")
	}
	return data, nil
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
