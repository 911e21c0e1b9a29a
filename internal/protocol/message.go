package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the top-level "type" discriminator of an agent frame.
type MessageType string

// Agent → bridge message types.
const (
	TypeSystem          MessageType = "system"
	TypeAssistant       MessageType = "assistant"
	TypeUser            MessageType = "user"
	TypeResult          MessageType = "result"
	TypeStreamEvent     MessageType = "stream_event"
	TypeControlRequest  MessageType = "control_request"
	TypeControlResponse MessageType = "control_response"
	TypeToolProgress    MessageType = "tool_progress"
	TypeToolUseSummary  MessageType = "tool_use_summary"
	TypeKeepAlive       MessageType = "keep_alive"
	TypeAuthStatus      MessageType = "auth_status"
)

// Bridge → agent only.
const TypeUpdateEnvironment MessageType = "update_environment_variables"

// System subtypes.
const (
	SubtypeInit             = "init"
	SubtypeStatus           = "status"
	SubtypeCompactBoundary  = "compact_boundary"
	SubtypeTaskNotification = "task_notification"
	SubtypeFilesPersisted   = "files_persisted"
	SubtypeHookStarted      = "hook_started"
	SubtypeHookProgress     = "hook_progress"
	SubtypeHookResponse     = "hook_response"
)

// Control subtypes seen on the agent socket.
const (
	ControlCanUseTool   = "can_use_tool"
	ControlHookCallback = "hook_callback"
	ControlSuccess      = "success"
	ControlError        = "error"
)

// Message is one parsed agent frame. Only the discriminators are decoded
// eagerly; the typed views below are decoded from Raw on demand.
type Message struct {
	Type      MessageType     `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Decode unmarshals the full frame into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Type, err)
	}
	return nil
}

// Fields decodes the frame as a generic object without the envelope keys.
func (m *Message) Fields() map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(m.Raw, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	delete(out, "type")
	delete(out, "uuid")
	delete(out, "session_id")
	return out
}

// MCPServer is one entry of the agent's MCP server list.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SystemInit is the handshake frame (type=system, subtype=init).
type SystemInit struct {
	Type              MessageType `json:"type"`
	Subtype           string      `json:"subtype"`
	SessionID         string      `json:"session_id"`
	CWD               string      `json:"cwd,omitempty"`
	Model             string      `json:"model,omitempty"`
	PermissionMode    string      `json:"permissionMode,omitempty"`
	ClaudeCodeVersion string      `json:"claude_code_version,omitempty"`
	APIKeySource      string      `json:"apiKeySource,omitempty"`
	OutputStyle       string      `json:"output_style,omitempty"`
	Tools             []string    `json:"tools,omitempty"`
	SlashCommands     []string    `json:"slash_commands,omitempty"`
	Skills            []string    `json:"skills,omitempty"`
	Agents            []string    `json:"agents,omitempty"`
	MCPServers        []MCPServer `json:"mcp_servers,omitempty"`
}

// SystemStatus is a system/status frame.
type SystemStatus struct {
	Status         *string `json:"status"`
	PermissionMode string  `json:"permissionMode,omitempty"`
}

// ContentBlock is one block of an assembled assistant or user message.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// Content block kinds.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// MessageContent is the inner "message" of assistant and user frames.
// Content is either a string or an array of blocks.
type MessageContent struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Text returns the content when it is a plain string.
func (c MessageContent) Text() (string, bool) {
	if len(c.Content) == 0 || c.Content[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(c.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Blocks returns the content when it is an array of blocks.
func (c MessageContent) Blocks() []ContentBlock {
	if len(c.Content) == 0 || c.Content[0] != '[' {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(c.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// AssistantMessage is a fully assembled assistant turn.
type AssistantMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	SessionID       string         `json:"session_id"`
	Message         MessageContent `json:"message"`
}

// ResultMessage terminates a turn.
type ResultMessage struct {
	Subtype           string                 `json:"subtype"`
	IsError           bool                   `json:"is_error"`
	Result            string                 `json:"result,omitempty"`
	Errors            []string               `json:"errors,omitempty"`
	TotalCostUSD      float64                `json:"total_cost_usd"`
	DurationMs        int64                  `json:"duration_ms"`
	DurationAPIMs     int64                  `json:"duration_api_ms"`
	NumTurns          int                    `json:"num_turns"`
	Usage             map[string]interface{} `json:"usage,omitempty"`
	ModelUsage        map[string]interface{} `json:"modelUsage,omitempty"`
	TotalLinesAdded   int                    `json:"total_lines_added,omitempty"`
	TotalLinesRemoved int                    `json:"total_lines_removed,omitempty"`
}

// StreamEvent wraps one partial-message event.
type StreamEvent struct {
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Event           json.RawMessage `json:"event"`
}

// Stream sub-event types.
const (
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
)

// Delta kinds.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// StreamPayload is the decoded inner event of a stream_event frame.
// Fields not relevant to the sub-event type are left zero.
type StreamPayload struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

// Payload decodes the inner event.
func (e StreamEvent) Payload() (StreamPayload, error) {
	var p StreamPayload
	if err := json.Unmarshal(e.Event, &p); err != nil {
		return p, fmt.Errorf("decode stream event: %w", err)
	}
	return p, nil
}

// ControlRequest is a control_request frame in either direction.
type ControlRequest struct {
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// ControlRequestBody holds the fields of agent-issued requests the bridge
// forwards to the UI.
type ControlRequestBody struct {
	Subtype    string                 `json:"subtype"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	ToolUseID  string                 `json:"tool_use_id,omitempty"`
	CallbackID string                 `json:"callback_id,omitempty"`
}

// Body decodes the inner request.
func (r ControlRequest) Body() (ControlRequestBody, error) {
	var b ControlRequestBody
	if err := json.Unmarshal(r.Request, &b); err != nil {
		return b, fmt.Errorf("decode control request: %w", err)
	}
	return b, nil
}

// ControlResponse is a control_response frame.
type ControlResponse struct {
	Response ControlResponsePayload `json:"response"`
}

// ControlResponsePayload is the inner response.
type ControlResponsePayload struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}
