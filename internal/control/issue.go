package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claude-bridge/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a control request when the caller passes zero.
const DefaultTimeout = 30 * time.Second

// Endpoint is the session-side surface a control request needs.
type Endpoint interface {
	// Pending returns the session's pending-request table.
	Pending(sessionID string) (*Table, error)
	// Send writes one frame to the session's outbound channel.
	Send(sessionID string, frame []byte) error
}

// Request is a control request body: a subtype plus optional fields.
type Request map[string]interface{}

// NewRequest builds a request body with the given subtype.
func NewRequest(subtype string, fields map[string]interface{}) Request {
	r := Request{"subtype": subtype}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Subtype returns the request's subtype.
func (r Request) Subtype() string {
	s, _ := r["subtype"].(string)
	return s
}

// Issuer sends control requests and waits for their correlated responses.
type Issuer struct {
	endpoint Endpoint
	timeout  time.Duration
	logger   *zap.Logger
}

// NewIssuer creates an Issuer. A non-positive timeout selects DefaultTimeout.
func NewIssuer(endpoint Endpoint, timeout time.Duration, logger *zap.Logger) *Issuer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Issuer{endpoint: endpoint, timeout: timeout, logger: logger}
}

// Issue sends req to the session and blocks until the agent answers, the
// timeout elapses, ctx is cancelled, or the session is torn down.
// The pending entry is registered before the frame is written so a fast
// response cannot be missed.
func (i *Issuer) Issue(ctx context.Context, sessionID string, req Request, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = i.timeout
	}

	table, err := i.endpoint.Pending(sessionID)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	frame, err := protocol.NewControlRequestFrame(requestID, req)
	if err != nil {
		return nil, err
	}

	ch := table.Register(requestID, timeout)
	if err := i.endpoint.Send(sessionID, frame); err != nil {
		table.Reject(requestID, err)
		<-ch
		return nil, fmt.Errorf("send %s request: %w", req.Subtype(), err)
	}

	i.logger.Debug("control request issued",
		zap.String("session", sessionID),
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype()))

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%s request: %w", req.Subtype(), res.Err)
		}
		return res.Response, nil
	case <-ctx.Done():
		table.Reject(requestID, ctx.Err())
		return nil, ctx.Err()
	}
}
