package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunInput is the body of a run request.
type RunInput struct {
	ThreadID       string          `json:"threadId"`
	RunID          string          `json:"runId"`
	Messages       []InputMessage  `json:"messages"`
	Tools          []Tool          `json:"tools"`
	Context        []ContextItem   `json:"context"`
	State          json.RawMessage `json:"state,omitempty"`
	ForwardedProps json.RawMessage `json:"forwardedProps,omitempty"`
}

// InputMessage is one conversation message sent by the UI. Content is a
// string for plain text turns.
type InputMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Tool is a frontend action the agent may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ContextItem is one piece of readable application state.
type ContextItem struct {
	Description string      `json:"description"`
	Value       interface{} `json:"value"`
}

// lastUserMessage returns the most recent user message with string content.
func lastUserMessage(messages []InputMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "user" {
			continue
		}
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			return text, true
		}
	}
	return "", false
}

// composePrompt prefixes the user's text with the readable-context and
// frontend-tools blocks.
func composePrompt(in RunInput, userText string) string {
	var parts []string
	if block := contextBlock(in.Context); block != "" {
		parts = append(parts, block)
	}
	if block := toolsBlock(in.Tools); block != "" {
		parts = append(parts, block)
	}
	parts = append(parts, userText)
	return strings.Join(parts, "\n\n")
}

func contextBlock(items []ContextItem) string {
	var lines []string
	for _, item := range items {
		value, ok := contextValue(item.Value)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", item.Description, value))
	}
	if len(lines) == 0 {
		return ""
	}
	return "<readable_context>\n" + strings.Join(lines, "\n") + "\n</readable_context>"
}

func contextValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, val != ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		s := string(data)
		return s, s != "" && s != "null" && s != "{}" && s != "[]"
	}
}

func toolsBlock(tools []Tool) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<frontend_tools>\n")
	b.WriteString("The user interface exposes these actions. Call one by emitting a tool call with its name and JSON arguments matching the schema.\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		if len(t.Parameters) > 0 && string(t.Parameters) != "null" {
			fmt.Fprintf(&b, "  parameters: %s\n", compactJSON(t.Parameters))
		}
	}
	b.WriteString("</frontend_tools>")
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(data)
}
