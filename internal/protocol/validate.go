package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// knownTypes is the set of agent message types the bridge accepts.
var knownTypes = map[MessageType]bool{
	TypeSystem:          true,
	TypeAssistant:       true,
	TypeUser:            true,
	TypeResult:          true,
	TypeStreamEvent:     true,
	TypeControlRequest:  true,
	TypeControlResponse: true,
	TypeToolProgress:    true,
	TypeToolUseSummary:  true,
	TypeKeepAlive:       true,
	TypeAuthStatus:      true,
}

// ParseError reports a frame that could not be turned into a Message.
type ParseError struct {
	Line  string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame %q: %v", truncate(e.Line, 120), e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// SplitFrames splits one transport message into its newline-joined JSON
// objects, preserving order and skipping blank lines.
func SplitFrames(data []byte) [][]byte {
	var frames [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		frames = append(frames, line)
	}
	return frames
}

// ParseMessage parses one NDJSON frame. The returned Message keeps a copy of
// the raw bytes.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &ParseError{Line: string(line), Cause: fmt.Errorf("invalid JSON: %w", err)}
	}

	if msg.Type == "" {
		return nil, &ParseError{Line: string(line), Cause: fmt.Errorf("missing 'type' field")}
	}

	if !knownTypes[msg.Type] {
		return nil, &ParseError{Line: string(line), Cause: fmt.Errorf("unknown message type: %s", msg.Type)}
	}

	msg.Raw = append(json.RawMessage(nil), line...)
	return &msg, nil
}

// IsHandshake reports whether msg is the agent's system/init frame.
func IsHandshake(msg *Message) bool {
	return msg.Type == TypeSystem && msg.Subtype == SubtypeInit
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
