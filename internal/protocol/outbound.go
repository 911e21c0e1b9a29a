package protocol

import (
	"encoding/json"
	"fmt"
)

// UserFrame is a user turn sent to the agent.
type UserFrame struct {
	Type            MessageType   `json:"type"`
	Message         UserFrameBody `json:"message"`
	ParentToolUseID *string       `json:"parent_tool_use_id"`
	SessionID       string        `json:"session_id"`
}

// UserFrameBody is the inner message of a UserFrame.
type UserFrameBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ControlRequestFrame is a bridge-issued control request.
type ControlRequestFrame struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Request   interface{} `json:"request"`
}

// ControlResponseFrame answers an agent-issued control request.
type ControlResponseFrame struct {
	Type     MessageType          `json:"type"`
	Response ControlResponseReply `json:"response"`
}

// ControlResponseReply is the inner payload of a ControlResponseFrame.
type ControlResponseReply struct {
	Subtype   string      `json:"subtype"`
	RequestID string      `json:"request_id"`
	Response  interface{} `json:"response,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// EnvironmentFrame pushes environment variables into the agent.
type EnvironmentFrame struct {
	Type      MessageType       `json:"type"`
	Variables map[string]string `json:"variables"`
}

// NewUserFrame encodes a user turn as a newline-terminated frame.
func NewUserFrame(content, sessionID string) ([]byte, error) {
	return encodeFrame(UserFrame{
		Type:      TypeUser,
		Message:   UserFrameBody{Role: "user", Content: content},
		SessionID: sessionID,
	})
}

// NewControlRequestFrame encodes a control request. request must marshal to
// an object carrying a "subtype" field.
func NewControlRequestFrame(requestID string, request interface{}) ([]byte, error) {
	return encodeFrame(ControlRequestFrame{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   request,
	})
}

// NewControlResponseFrame encodes a success reply to an agent request.
func NewControlResponseFrame(requestID string, response interface{}) ([]byte, error) {
	return encodeFrame(ControlResponseFrame{
		Type: TypeControlResponse,
		Response: ControlResponseReply{
			Subtype:   ControlSuccess,
			RequestID: requestID,
			Response:  response,
		},
	})
}

// NewControlErrorFrame encodes an error reply to an agent request.
func NewControlErrorFrame(requestID, message string) ([]byte, error) {
	return encodeFrame(ControlResponseFrame{
		Type: TypeControlResponse,
		Response: ControlResponseReply{
			Subtype:   ControlError,
			RequestID: requestID,
			Error:     message,
		},
	})
}

// NewEnvironmentFrame encodes an update_environment_variables frame.
func NewEnvironmentFrame(vars map[string]string) ([]byte, error) {
	return encodeFrame(EnvironmentFrame{
		Type:      TypeUpdateEnvironment,
		Variables: vars,
	})
}

func encodeFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return append(data, '\n'), nil
}
