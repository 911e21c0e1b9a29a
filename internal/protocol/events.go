package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType names a UI-facing SSE event.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventCustom             EventType = "CUSTOM"
)

// Names of CUSTOM events.
const (
	CustomToolApproval   = "tool_approval_request"
	CustomHookCallback   = "hook_callback"
	CustomResultStats    = "result_stats"
	CustomToolProgress   = "tool_progress"
	CustomToolUseSummary = "tool_use_summary"
	CustomAuthStatus     = "auth_status"
)

// Event is one UI event, written as a single SSE data line. Only the fields
// relevant to Type are populated.
type Event struct {
	Type            EventType   `json:"type"`
	ThreadID        string      `json:"threadId,omitempty"`
	RunID           string      `json:"runId,omitempty"`
	Message         string      `json:"message,omitempty"`
	MessageID       string      `json:"messageId,omitempty"`
	Role            string      `json:"role,omitempty"`
	Delta           string      `json:"delta,omitempty"`
	ToolCallID      string      `json:"toolCallId,omitempty"`
	ToolCallName    string      `json:"toolCallName,omitempty"`
	ParentMessageID string      `json:"parentMessageId,omitempty"`
	Snapshot        interface{} `json:"snapshot,omitempty"`
	Name            string      `json:"name,omitempty"`
	Value           interface{} `json:"value,omitempty"`
}

// IsTerminal reports whether e ends a run.
func (e Event) IsTerminal() bool {
	return e.Type == EventRunFinished || e.Type == EventRunError
}

// MarshalSSE renders e as one SSE frame.
func (e Event) MarshalSSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}

func RunStarted(threadID, runID string) Event {
	return Event{Type: EventRunStarted, ThreadID: threadID, RunID: runID}
}

func RunFinished(threadID, runID string) Event {
	return Event{Type: EventRunFinished, ThreadID: threadID, RunID: runID}
}

func RunError(threadID, runID, message string) Event {
	return Event{Type: EventRunError, ThreadID: threadID, RunID: runID, Message: message}
}

func StateSnapshot(snapshot interface{}) Event {
	return Event{Type: EventStateSnapshot, Snapshot: snapshot}
}

func Custom(name string, value interface{}) Event {
	return Event{Type: EventCustom, Name: name, Value: value}
}

// TextMessage expands a complete text span into its start/content/end triple.
func TextMessage(messageID, role, text string) []Event {
	return []Event{
		{Type: EventTextMessageStart, MessageID: messageID, Role: role},
		{Type: EventTextMessageContent, MessageID: messageID, Delta: text},
		{Type: EventTextMessageEnd, MessageID: messageID},
	}
}
