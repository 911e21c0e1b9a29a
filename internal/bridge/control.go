package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"claude-bridge/internal/control"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"

	"go.uber.org/zap"
)

// ErrAlreadyInitialized is returned by a second Initialize on one session.
var ErrAlreadyInitialized = errors.New("session already initialized")

// Control request subtypes issued by the bridge.
const (
	subtypeInitialize           = "initialize"
	subtypeInterrupt            = "interrupt"
	subtypeSetModel             = "set_model"
	subtypeSetPermissionMode    = "set_permission_mode"
	subtypeSetMaxThinkingTokens = "set_max_thinking_tokens"
	subtypeMCPStatus            = "mcp_status"
	subtypeMCPToggle            = "mcp_toggle"
	subtypeMCPReconnect         = "mcp_reconnect"
	subtypeMCPSetServers        = "mcp_set_servers"
	subtypeMCPMessage           = "mcp_message"
	subtypeRewindFiles          = "rewind_files"
)

// Control issues an arbitrary control request and returns the agent's
// response payload. A zero timeout uses the configured default.
func (b *Bridge) Control(ctx context.Context, id, subtype string, fields map[string]interface{}) (json.RawMessage, error) {
	return b.issuer.Issue(ctx, id, control.NewRequest(subtype, fields), 0)
}

// Initialize performs the session's one-time initialize handshake.
func (b *Bridge) Initialize(ctx context.Context, id string, fields map[string]interface{}) (json.RawMessage, error) {
	already := false
	err := b.registry.Update(id, func(s *session.Session) {
		already = s.Initialized
		s.Initialized = true
	})
	if err != nil {
		return nil, err
	}
	if already {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
	}

	resp, err := b.Control(ctx, id, subtypeInitialize, fields)
	if err != nil {
		b.registry.Update(id, func(s *session.Session) {
			s.Initialized = false
		})
		return nil, err
	}
	return resp, nil
}

// Interrupt stops the agent's current turn.
func (b *Bridge) Interrupt(ctx context.Context, id string) error {
	_, err := b.Control(ctx, id, subtypeInterrupt, nil)
	return err
}

// SetModel switches the session's model.
func (b *Bridge) SetModel(ctx context.Context, id, model string) error {
	if _, err := b.Control(ctx, id, subtypeSetModel, map[string]interface{}{"model": model}); err != nil {
		return err
	}
	b.patchCapabilities(id, func(c *session.Capabilities) { c.Model = model })
	return nil
}

// SetPermissionMode changes how the agent asks for tool approval.
func (b *Bridge) SetPermissionMode(ctx context.Context, id, mode string) error {
	if _, err := b.Control(ctx, id, subtypeSetPermissionMode, map[string]interface{}{"mode": mode}); err != nil {
		return err
	}
	b.patchCapabilities(id, func(c *session.Capabilities) { c.PermissionMode = mode })
	return nil
}

// SetMaxThinkingTokens sets the thinking budget. nil clears it.
func (b *Bridge) SetMaxThinkingTokens(ctx context.Context, id string, tokens *int) error {
	if _, err := b.Control(ctx, id, subtypeSetMaxThinkingTokens, map[string]interface{}{"max_thinking_tokens": tokens}); err != nil {
		return err
	}
	b.patchCapabilities(id, func(c *session.Capabilities) {
		if tokens == nil {
			c.MaxThinkingTokens = nil
			return
		}
		n := *tokens
		c.MaxThinkingTokens = &n
	})
	return nil
}

type mcpStatusResponse struct {
	MCPServers []session.MCP `json:"mcpServers"`
}

// MCPStatus fetches the agent's MCP server states and caches them on the
// session.
func (b *Bridge) MCPStatus(ctx context.Context, id string) ([]session.MCP, error) {
	resp, err := b.Control(ctx, id, subtypeMCPStatus, nil)
	if err != nil {
		return nil, err
	}
	var status mcpStatusResponse
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &status); err != nil {
			return nil, fmt.Errorf("decode mcp_status response: %w", err)
		}
	}
	servers := append([]session.MCP(nil), status.MCPServers...)
	b.patchCapabilities(id, func(c *session.Capabilities) { c.MCPServers = servers })
	return status.MCPServers, nil
}

// MCPToggle enables or disables an MCP server.
func (b *Bridge) MCPToggle(ctx context.Context, id, server string, enabled bool) error {
	_, err := b.Control(ctx, id, subtypeMCPToggle, map[string]interface{}{
		"serverName": server,
		"enabled":    enabled,
	})
	return err
}

// MCPReconnect restarts an MCP server connection.
func (b *Bridge) MCPReconnect(ctx context.Context, id, server string) error {
	_, err := b.Control(ctx, id, subtypeMCPReconnect, map[string]interface{}{"serverName": server})
	return err
}

// MCPSetServers replaces the agent's dynamic MCP server set.
func (b *Bridge) MCPSetServers(ctx context.Context, id string, servers map[string]interface{}) (json.RawMessage, error) {
	return b.Control(ctx, id, subtypeMCPSetServers, map[string]interface{}{"servers": servers})
}

// MCPMessage relays a JSON-RPC message to an MCP server.
func (b *Bridge) MCPMessage(ctx context.Context, id, server string, message json.RawMessage) (json.RawMessage, error) {
	return b.Control(ctx, id, subtypeMCPMessage, map[string]interface{}{
		"server_name": server,
		"message":     message,
	})
}

// RewindFiles restores working-directory files to their state at the given
// user message.
func (b *Bridge) RewindFiles(ctx context.Context, id, userMessageID string, dryRun bool) (json.RawMessage, error) {
	return b.Control(ctx, id, subtypeRewindFiles, map[string]interface{}{
		"user_message_id": userMessageID,
		"dry_run":         dryRun,
	})
}

// RespondToControl answers an agent-issued control request, such as a
// can_use_tool approval.
func (b *Bridge) RespondToControl(id, requestID string, response interface{}) error {
	frame, err := protocol.NewControlResponseFrame(requestID, response)
	if err != nil {
		return err
	}
	return b.registry.Send(id, frame)
}

// RespondControlError rejects an agent-issued control request.
func (b *Bridge) RespondControlError(id, requestID, message string) error {
	frame, err := protocol.NewControlErrorFrame(requestID, message)
	if err != nil {
		return err
	}
	return b.registry.Send(id, frame)
}

// UpdateEnvironment pushes environment variables into the agent.
func (b *Bridge) UpdateEnvironment(id string, vars map[string]string) error {
	frame, err := protocol.NewEnvironmentFrame(vars)
	if err != nil {
		return err
	}
	return b.registry.Send(id, frame)
}

func (b *Bridge) patchCapabilities(id string, fn func(*session.Capabilities)) {
	err := b.registry.Update(id, func(s *session.Session) {
		if s.Capabilities == nil {
			s.Capabilities = &session.Capabilities{}
		}
		fn(s.Capabilities)
	})
	if err != nil {
		b.logger.Debug("capability patch skipped", zap.String("session", id), zap.Error(err))
	}
}
