// Package ingress accepts the agent processes' websocket connections,
// associates each with a session and republishes every parsed frame on the
// bus.
package ingress

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"claude-bridge/internal/bus"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Agents connect from localhost without an Origin.
	},
}

var errNoSessionID = errors.New("handshake carries no session id")

// AdoptFunc is called when an agent connects for a session the bridge did
// not spawn.
type AdoptFunc func(sess session.Session)

// Server handles agent sockets.
type Server struct {
	registry *session.Registry
	bus      *bus.Bus
	logger   *zap.Logger
	gen      atomic.Uint64

	mu      sync.Mutex
	conns   map[*conn]struct{}
	onAdopt AdoptFunc
	wg      sync.WaitGroup
}

// New creates an ingress server.
func New(registry *session.Registry, b *bus.Bus, logger *zap.Logger) *Server {
	return &Server{
		registry: registry,
		bus:      b,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
	}
}

// OnAdopt installs the hook for adopted sessions.
func (s *Server) OnAdopt(fn AdoptFunc) {
	s.mu.Lock()
	s.onAdopt = fn
	s.mu.Unlock()
}

// Handler returns an http.Handler with the agent socket routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/cli/{sessionId}", s.handleAgentSocket)
	mux.HandleFunc("GET /ws/cli", s.handleAgentSocket)
	return mux
}

// Close tears down every agent socket and waits for their pumps.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent socket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws, s.gen.Add(1), r.PathValue("sessionId"), s.logger)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if c.pathID != "" {
		if _, err := s.registry.Get(c.pathID); err == nil {
			s.associate(c, c.pathID)
		}
	}
	c.log().Info("agent socket connected", zap.String("path", r.URL.Path))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump(func(data []byte) { s.handleFrames(c, data) })
		s.disconnect(c)
	}()
}

// associate makes c the session's outbound channel and closes whatever
// connection it supersedes.
func (s *Server) associate(c *conn, id string) error {
	prev, err := s.registry.Bind(id, c)
	if err != nil {
		return err
	}
	c.sessionID = id
	if prev != nil {
		c.log().Info("agent reconnected, closing superseded socket", zap.Uint64("superseded", prev.Generation()))
		prev.Close()
	}
	return nil
}

func (s *Server) disconnect(c *conn) {
	c.Close()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if c.sessionID == "" {
		c.log().Info("unassociated agent socket closed")
		return
	}
	if s.registry.Unbind(c.sessionID, c.gen) {
		c.log().Info("agent socket disconnected")
	} else {
		c.log().Debug("superseded agent socket closed")
	}
}

// handleFrames splits one transport message into NDJSON frames and handles
// each in order.
func (s *Server) handleFrames(c *conn, data []byte) {
	for _, line := range protocol.SplitFrames(data) {
		msg, err := protocol.ParseMessage(line)
		if err != nil {
			c.log().Warn("dropping malformed agent frame", zap.Error(err))
			continue
		}
		s.handleMessage(c, msg)
	}
}

func (s *Server) handleMessage(c *conn, msg *protocol.Message) {
	if c.sessionID == "" {
		if !protocol.IsHandshake(msg) {
			c.log().Warn("dropping frame received before handshake", zap.String("type", string(msg.Type)))
			return
		}
		if err := s.adopt(c, msg); err != nil {
			c.log().Warn("cannot associate agent socket", zap.Error(err))
			return
		}
	}
	id := c.sessionID

	switch msg.Type {
	case protocol.TypeSystem:
		if msg.Subtype == protocol.SubtypeInit {
			s.handleInit(c, id, msg)
		} else {
			s.handleSystemStatus(id, msg)
		}

	case protocol.TypeControlResponse:
		s.handleControlResponse(c, id, msg)

	case protocol.TypeAssistant, protocol.TypeStreamEvent:
		s.registry.Update(id, func(sess *session.Session) {
			if sess.Status.Is(session.StateConnected, session.StateIdle) {
				sess.Status = session.Status{State: session.StateActive}
			}
		})

	case protocol.TypeResult:
		var res protocol.ResultMessage
		if err := msg.Decode(&res); err != nil {
			c.log().Warn("malformed result frame", zap.Error(err))
		}
		s.registry.Update(id, func(sess *session.Session) {
			if !sess.Status.Is(session.StateTerminated, session.StateError) {
				sess.Status = session.Status{State: session.StateIdle}
			}
			// The agent reports cost and turns cumulatively for the conversation.
			sess.TotalCostUSD = res.TotalCostUSD
			sess.NumTurns = res.NumTurns
		})
	}

	if entry, ok := historyEntry(msg); ok {
		s.registry.AppendHistory(id, entry)
	}

	s.bus.Publish(bus.Envelope{SessionID: id, Message: msg})
}

// adopt associates an unassociated connection on its handshake. The path id
// wins over the id the agent generated for itself; an id the registry does
// not know is registered as an external session.
func (s *Server) adopt(c *conn, msg *protocol.Message) error {
	var init protocol.SystemInit
	if err := msg.Decode(&init); err != nil {
		return err
	}
	id := c.pathID
	if id == "" {
		id = init.SessionID
	}
	if id == "" {
		return errNoSessionID
	}

	if _, err := s.registry.Get(id); errors.Is(err, session.ErrNotFound) {
		sess, err := s.registry.Create(id, init.CWD)
		if err != nil && !errors.Is(err, session.ErrExists) {
			return fmt.Errorf("adopt session %s: %w", id, err)
		}
		if err == nil {
			s.registry.Update(id, func(sess *session.Session) {
				sess.External = true
			})
			sess.External = true
			c.logger.Info("adopted external agent session", zap.String("session", id), zap.String("cwd", init.CWD))

			s.mu.Lock()
			onAdopt := s.onAdopt
			s.mu.Unlock()
			if onAdopt != nil {
				onAdopt(sess)
			}
		}
	}
	return s.associate(c, id)
}

func (s *Server) handleInit(c *conn, id string, msg *protocol.Message) {
	var init protocol.SystemInit
	if err := msg.Decode(&init); err != nil {
		c.log().Warn("malformed handshake", zap.Error(err))
		return
	}

	s.registry.Update(id, func(sess *session.Session) {
		if sess.ConversationID == "" {
			sess.ConversationID = init.SessionID
		}
		sess.Capabilities = capabilitiesFrom(init)
		if sess.Status.Is(session.StateStarting, session.StateDisconnected) {
			sess.Status = session.Status{State: session.StateConnected}
		}
	})
	c.log().Info("agent handshake",
		zap.String("conversation", init.SessionID),
		zap.String("model", init.Model),
		zap.String("version", init.ClaudeCodeVersion),
	)
}

func capabilitiesFrom(init protocol.SystemInit) *session.Capabilities {
	caps := &session.Capabilities{
		Model:             init.Model,
		PermissionMode:    init.PermissionMode,
		Tools:             init.Tools,
		SlashCommands:     init.SlashCommands,
		Skills:            init.Skills,
		Agents:            init.Agents,
		ClaudeCodeVersion: init.ClaudeCodeVersion,
		OutputStyle:       init.OutputStyle,
	}
	for _, m := range init.MCPServers {
		caps.MCPServers = append(caps.MCPServers, session.MCP{Name: m.Name, Status: m.Status})
	}
	return caps
}

func (s *Server) handleSystemStatus(id string, msg *protocol.Message) {
	switch msg.Subtype {
	case protocol.SubtypeStatus:
		var st protocol.SystemStatus
		if err := msg.Decode(&st); err != nil {
			return
		}
		s.registry.Update(id, func(sess *session.Session) {
			sess.Compacting = st.Status != nil && *st.Status == "compacting"
			if st.PermissionMode != "" && sess.Capabilities != nil {
				sess.Capabilities.PermissionMode = st.PermissionMode
			}
		})
	case protocol.SubtypeCompactBoundary:
		s.registry.Update(id, func(sess *session.Session) {
			sess.Compacting = false
		})
	}
}

func (s *Server) handleControlResponse(c *conn, id string, msg *protocol.Message) {
	var resp protocol.ControlResponse
	if err := msg.Decode(&resp); err != nil {
		c.log().Warn("malformed control response", zap.Error(err))
		return
	}
	table, err := s.registry.Pending(id)
	if err != nil {
		return
	}
	p := resp.Response
	if !table.Complete(p.Subtype, p.RequestID, p.Response, p.Error) {
		c.log().Debug("control response for unknown request", zap.String("requestId", p.RequestID))
	}
}

// historyEntry reports whether msg belongs in the replay history. Echoes,
// keepalives, system and auth frames are skipped, and so are stream events,
// whose content arrives again in the assembled assistant message.
func historyEntry(msg *protocol.Message) (session.HistoryEntry, bool) {
	switch msg.Type {
	case protocol.TypeUser, protocol.TypeKeepAlive, protocol.TypeSystem,
		protocol.TypeAuthStatus, protocol.TypeStreamEvent:
		return session.HistoryEntry{}, false
	}

	entry := session.HistoryEntry{
		Role: "agent",
		Type: string(msg.Type),
		Raw:  msg.Raw,
	}
	if msg.Type == protocol.TypeAssistant {
		entry.Role = "assistant"
		var am protocol.AssistantMessage
		if err := msg.Decode(&am); err == nil {
			entry.Text = assistantText(am.Message)
		}
	}
	return entry, true
}

func assistantText(m protocol.MessageContent) string {
	if text, ok := m.Text(); ok {
		return text
	}
	var parts []string
	for _, b := range m.Blocks() {
		if b.Type == protocol.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
