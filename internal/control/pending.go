// Package control correlates bridge-issued control requests with the
// agent's asynchronous control responses.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTimeout           = errors.New("control request timed out")
	ErrSessionTerminated = errors.New("session terminated")
	ErrConnectionClosed  = fmt.Errorf("%w: connection closed", ErrSessionTerminated)
)

// RemoteError carries the error message the agent reported for a request.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent rejected control request %s: %s", e.RequestID, e.Message)
}

// Result settles one pending request.
type Result struct {
	Response json.RawMessage
	Err      error
}

type entry struct {
	ch    chan Result
	timer *time.Timer
}

// Table tracks in-flight control requests for one session. Every entry is
// settled exactly once; later settle attempts for the same id are no-ops.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register adds a pending entry that fails with ErrTimeout after timeout.
// The returned channel receives exactly one Result.
func (t *Table) Register(requestID string, timeout time.Duration) <-chan Result {
	e := &entry{ch: make(chan Result, 1)}

	t.mu.Lock()
	t.entries[requestID] = e
	e.timer = time.AfterFunc(timeout, func() {
		t.settle(requestID, Result{Err: ErrTimeout})
	})
	t.mu.Unlock()

	return e.ch
}

// Resolve settles requestID with a success payload.
func (t *Table) Resolve(requestID string, response json.RawMessage) bool {
	return t.settle(requestID, Result{Response: response})
}

// Reject settles requestID with err.
func (t *Table) Reject(requestID string, err error) bool {
	return t.settle(requestID, Result{Err: err})
}

// Complete settles requestID from an agent control_response payload.
func (t *Table) Complete(subtype, requestID string, response json.RawMessage, errMsg string) bool {
	if subtype == "error" {
		return t.Reject(requestID, &RemoteError{RequestID: requestID, Message: errMsg})
	}
	return t.Resolve(requestID, response)
}

// RejectAll settles every pending entry with err and returns how many
// entries were rejected.
func (t *Table) RejectAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.ch <- Result{Err: err}
	}
	return len(entries)
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) settle(requestID string, r Result) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.timer.Stop()
	e.ch <- r
	return true
}
