package session

import (
	"encoding/json"
	"time"

	"claude-bridge/internal/control"
)

// State is the lifecycle status of a session.
type State string

const (
	StateStarting     State = "starting"
	StateConnected    State = "connected"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateDisconnected State = "disconnected"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// Status is a State plus the detail carried by StateError.
type Status struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Is reports whether the status is in one of the given states.
func (s Status) Is(states ...State) bool {
	for _, st := range states {
		if s.State == st {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	if s.Detail != "" {
		return string(s.State) + "(" + s.Detail + ")"
	}
	return string(s.State)
}

// Channel is the outbound path to a live agent socket.
type Channel interface {
	// Send writes one frame. Writes to a closed connection are dropped.
	Send(frame []byte) error
	// Generation identifies the association; higher is newer.
	Generation() uint64
	// Close tears down the underlying connection.
	Close() error
}

// Capabilities is the agent-advertised metadata captured at handshake.
type Capabilities struct {
	Model             string   `json:"model,omitempty"`
	PermissionMode    string   `json:"permissionMode,omitempty"`
	Tools             []string `json:"tools,omitempty"`
	SlashCommands     []string `json:"slashCommands,omitempty"`
	Skills            []string `json:"skills,omitempty"`
	Agents            []string `json:"agents,omitempty"`
	MCPServers        []MCP    `json:"mcpServers,omitempty"`
	ClaudeCodeVersion string   `json:"claudeCodeVersion,omitempty"`
	OutputStyle       string   `json:"outputStyle,omitempty"`
	MaxThinkingTokens *int     `json:"maxThinkingTokens,omitempty"`
}

// MCP is one MCP server as advertised by the agent.
type MCP struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (c *Capabilities) clone() *Capabilities {
	if c == nil {
		return nil
	}
	out := *c
	out.Tools = append([]string(nil), c.Tools...)
	out.SlashCommands = append([]string(nil), c.SlashCommands...)
	out.Skills = append([]string(nil), c.Skills...)
	out.Agents = append([]string(nil), c.Agents...)
	out.MCPServers = append([]MCP(nil), c.MCPServers...)
	return &out
}

// HistoryEntry is one message kept for UI replay.
type HistoryEntry struct {
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Session is a snapshot of one session's state. Values returned by the
// Registry are copies; mutate through Registry methods only.
type Session struct {
	ID             string        `json:"id"`
	Status         Status        `json:"status"`
	WorkDir        string        `json:"workDir"`
	CreatedAt      time.Time     `json:"createdAt"`
	ConversationID string        `json:"conversationId,omitempty"`
	Capabilities   *Capabilities `json:"capabilities,omitempty"`
	Initialized    bool          `json:"initialized"`
	External       bool          `json:"external"`
	Pid            int           `json:"pid,omitempty"`
	FileCount      int           `json:"fileCount"`
	TotalCostUSD   float64       `json:"totalCostUsd"`
	NumTurns       int           `json:"numTurns"`
	Compacting     bool          `json:"compacting"`
	Active         bool          `json:"active"`
	Connected      bool          `json:"connected"`
	HistoryLen     int           `json:"historyLength"`

	channel Channel
	pending *control.Table
	history []HistoryEntry
}

// Channel returns the outbound channel captured in this snapshot, or nil.
func (s Session) Channel() Channel {
	return s.channel
}

func (s *Session) snapshot(activeID string) Session {
	out := *s
	out.Capabilities = s.Capabilities.clone()
	// History is copied only by Registry.History.
	out.history = nil
	out.HistoryLen = len(s.history)
	out.Active = s.ID == activeID
	out.Connected = s.channel != nil
	return out
}
