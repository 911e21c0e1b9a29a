// Package translate converts agent messages into UI events for one run.
//
// Translate is a pure function of the message, the run id and the run's own
// State; it never touches session state, so one session's broadcast stream
// can feed several concurrent runs.
package translate

import (
	"fmt"

	"claude-bridge/internal/protocol"
)

// BlockKind is the kind of an open streaming content block.
type BlockKind string

const (
	KindText     BlockKind = "text"
	KindToolCall BlockKind = "tool_call"
	// KindIgnored marks blocks (thinking, server tools) that produce no events.
	KindIgnored BlockKind = "ignored"
)

// State is the per-run translator state. Construct one per run with
// NewState and discard it when the run ends.
type State struct {
	threadID string

	openBlocks          map[int]BlockKind
	toolCallIDByBlock   map[int]string
	messageIDByBlock    map[int]string
	streamedToolCallIDs map[string]bool
	hasStreamedText     bool

	seq      int
	finished bool
}

// NewState creates a fresh state for a run in the given thread.
func NewState(threadID string) *State {
	return &State{
		threadID:            threadID,
		openBlocks:          make(map[int]BlockKind),
		toolCallIDByBlock:   make(map[int]string),
		messageIDByBlock:    make(map[int]string),
		streamedToolCallIDs: make(map[string]bool),
	}
}

// Finished reports whether the run's terminal event has been produced.
func (s *State) Finished() bool {
	return s.finished
}

// HasStreamedText reports whether any streamed text block was opened.
func (s *State) HasStreamedText() bool {
	return s.hasStreamedText
}

func (s *State) nextMessageID(runID string) string {
	s.seq++
	return fmt.Sprintf("%s-msg-%d", runID, s.seq)
}

// Translate maps one agent message to zero or more UI events.
func Translate(msg *protocol.Message, runID string, st *State) []protocol.Event {
	switch msg.Type {
	case protocol.TypeSystem:
		return translateSystem(msg)
	case protocol.TypeStreamEvent:
		return translateStream(msg, runID, st)
	case protocol.TypeAssistant:
		return translateAssistant(msg, runID, st)
	case protocol.TypeControlRequest:
		return translateControlRequest(msg)
	case protocol.TypeToolProgress:
		return []protocol.Event{protocol.Custom(protocol.CustomToolProgress, msg.Fields())}
	case protocol.TypeToolUseSummary:
		return []protocol.Event{protocol.Custom(protocol.CustomToolUseSummary, msg.Fields())}
	case protocol.TypeAuthStatus:
		return []protocol.Event{protocol.Custom(protocol.CustomAuthStatus, msg.Fields())}
	case protocol.TypeResult:
		return translateResult(msg, runID, st)
	default:
		// keep_alive, user echoes and control responses are not UI-visible.
		return nil
	}
}

func translateSystem(msg *protocol.Message) []protocol.Event {
	if msg.Subtype != protocol.SubtypeInit {
		fields := msg.Fields()
		delete(fields, "subtype")
		return []protocol.Event{protocol.Custom(msg.Subtype, fields)}
	}

	var init protocol.SystemInit
	if err := msg.Decode(&init); err != nil {
		return nil
	}
	return []protocol.Event{protocol.StateSnapshot(InitSnapshot(init))}
}

// InitSnapshot projects a handshake frame into a STATE_SNAPSHOT payload.
func InitSnapshot(init protocol.SystemInit) map[string]interface{} {
	return map[string]interface{}{
		"model":             init.Model,
		"tools":             init.Tools,
		"conversationId":    init.SessionID,
		"workingDirectory":  init.CWD,
		"permissionMode":    init.PermissionMode,
		"slashCommands":     init.SlashCommands,
		"skills":            init.Skills,
		"agents":            init.Agents,
		"mcpServers":        init.MCPServers,
		"claudeCodeVersion": init.ClaudeCodeVersion,
		"outputStyle":       init.OutputStyle,
	}
}

func translateStream(msg *protocol.Message, runID string, st *State) []protocol.Event {
	var se protocol.StreamEvent
	if err := msg.Decode(&se); err != nil {
		return nil
	}
	ev, err := se.Payload()
	if err != nil {
		return nil
	}

	switch ev.Type {
	case protocol.StreamContentBlockStart:
		return blockStart(ev, runID, st)
	case protocol.StreamContentBlockDelta:
		return blockDelta(ev, runID, st)
	case protocol.StreamContentBlockStop:
		return blockStop(ev, runID, st)
	default:
		return nil
	}
}

func blockStart(ev protocol.StreamPayload, runID string, st *State) []protocol.Event {
	switch ev.ContentBlock.Type {
	case protocol.BlockText:
		id := st.nextMessageID(runID)
		st.openBlocks[ev.Index] = KindText
		st.messageIDByBlock[ev.Index] = id
		st.hasStreamedText = true
		return []protocol.Event{{Type: protocol.EventTextMessageStart, MessageID: id, Role: "assistant"}}

	case protocol.BlockToolUse:
		id := ev.ContentBlock.ID
		if id == "" {
			id = fallbackToolCallID(runID, ev.Index)
		}
		st.openBlocks[ev.Index] = KindToolCall
		st.toolCallIDByBlock[ev.Index] = id
		st.streamedToolCallIDs[id] = true
		return []protocol.Event{{
			Type:         protocol.EventToolCallStart,
			ToolCallID:   id,
			ToolCallName: ev.ContentBlock.Name,
		}}

	default:
		st.openBlocks[ev.Index] = KindIgnored
		return nil
	}
}

func blockDelta(ev protocol.StreamPayload, runID string, st *State) []protocol.Event {
	switch ev.Delta.Type {
	case protocol.DeltaText:
		if ev.Delta.Text == "" {
			return nil
		}
		id, ok := st.messageIDByBlock[ev.Index]
		if !ok {
			id = fallbackMessageID(runID, ev.Index)
		}
		return []protocol.Event{{Type: protocol.EventTextMessageContent, MessageID: id, Delta: ev.Delta.Text}}

	case protocol.DeltaInputJSON:
		// Tool blocks usually open with an empty partial_json.
		if ev.Delta.PartialJSON == "" {
			return nil
		}
		id, ok := st.toolCallIDByBlock[ev.Index]
		if !ok {
			id = fallbackToolCallID(runID, ev.Index)
		}
		return []protocol.Event{{Type: protocol.EventToolCallArgs, ToolCallID: id, Delta: ev.Delta.PartialJSON}}

	default:
		return nil
	}
}

func blockStop(ev protocol.StreamPayload, runID string, st *State) []protocol.Event {
	kind, ok := st.openBlocks[ev.Index]
	msgID, hasMsgID := st.messageIDByBlock[ev.Index]
	toolID := st.toolCallIDByBlock[ev.Index]
	delete(st.openBlocks, ev.Index)
	delete(st.messageIDByBlock, ev.Index)
	delete(st.toolCallIDByBlock, ev.Index)

	if !ok {
		// Start was never observed; close as text.
		return []protocol.Event{{Type: protocol.EventTextMessageEnd, MessageID: fallbackMessageID(runID, ev.Index)}}
	}

	switch kind {
	case KindText:
		if !hasMsgID {
			msgID = fallbackMessageID(runID, ev.Index)
		}
		return []protocol.Event{{Type: protocol.EventTextMessageEnd, MessageID: msgID}}
	case KindToolCall:
		return []protocol.Event{{Type: protocol.EventToolCallEnd, ToolCallID: toolID}}
	default:
		return nil
	}
}

func translateAssistant(msg *protocol.Message, runID string, st *State) []protocol.Event {
	var am protocol.AssistantMessage
	if err := msg.Decode(&am); err != nil {
		return nil
	}

	blocks := am.Message.Blocks()
	if text, ok := am.Message.Text(); ok {
		blocks = []protocol.ContentBlock{{Type: protocol.BlockText, Text: text}}
	}

	var events []protocol.Event
	for _, block := range blocks {
		switch block.Type {
		case protocol.BlockText:
			if st.hasStreamedText || block.Text == "" {
				continue
			}
			events = append(events, protocol.TextMessage(st.nextMessageID(runID), "assistant", block.Text)...)

		case protocol.BlockToolUse:
			if block.ID == "" || st.streamedToolCallIDs[block.ID] {
				continue
			}
			st.streamedToolCallIDs[block.ID] = true
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			events = append(events,
				protocol.Event{
					Type:            protocol.EventToolCallStart,
					ToolCallID:      block.ID,
					ToolCallName:    block.Name,
					ParentMessageID: am.Message.ID,
				},
				protocol.Event{Type: protocol.EventToolCallArgs, ToolCallID: block.ID, Delta: args},
				protocol.Event{Type: protocol.EventToolCallEnd, ToolCallID: block.ID},
			)
		}
	}
	return events
}

func translateControlRequest(msg *protocol.Message) []protocol.Event {
	var req protocol.ControlRequest
	if err := msg.Decode(&req); err != nil {
		return nil
	}
	body, err := req.Body()
	if err != nil {
		return nil
	}

	switch body.Subtype {
	case protocol.ControlCanUseTool:
		return []protocol.Event{protocol.Custom(protocol.CustomToolApproval, map[string]interface{}{
			"requestId": req.RequestID,
			"toolName":  body.ToolName,
			"input":     body.Input,
			"toolUseId": body.ToolUseID,
		})}
	case protocol.ControlHookCallback:
		return []protocol.Event{protocol.Custom(protocol.CustomHookCallback, map[string]interface{}{
			"requestId":  req.RequestID,
			"callbackId": body.CallbackID,
			"input":      body.Input,
			"toolUseId":  body.ToolUseID,
		})}
	default:
		return nil
	}
}

func translateResult(msg *protocol.Message, runID string, st *State) []protocol.Event {
	var res protocol.ResultMessage
	// A result always ends the run, even if its body is malformed.
	_ = msg.Decode(&res)

	st.finished = true
	return []protocol.Event{
		protocol.Custom(protocol.CustomResultStats, map[string]interface{}{
			"subtype":           res.Subtype,
			"isError":           res.IsError,
			"errors":            res.Errors,
			"totalCostUsd":      res.TotalCostUSD,
			"durationMs":        res.DurationMs,
			"durationApiMs":     res.DurationAPIMs,
			"numTurns":          res.NumTurns,
			"usage":             res.Usage,
			"modelUsage":        res.ModelUsage,
			"totalLinesAdded":   res.TotalLinesAdded,
			"totalLinesRemoved": res.TotalLinesRemoved,
		}),
		protocol.RunFinished(st.threadID, runID),
	}
}

func fallbackMessageID(runID string, index int) string {
	return fmt.Sprintf("%s-text-%d", runID, index)
}

func fallbackToolCallID(runID string, index int) string {
	return fmt.Sprintf("%s-tool-%d", runID, index)
}
