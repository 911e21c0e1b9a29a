package ingress

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"claude-bridge/internal/bus"
	"claude-bridge/internal/control"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	initFrame      = `{"type":"system","subtype":"init","session_id":"conv-1","cwd":"/work","model":"sonnet","permissionMode":"default","tools":["Read"],"mcp_servers":[{"name":"fs","status":"connected"}]}`
	assistantFrame = `{"type":"assistant","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"hi"}]}}`
	resultFrame    = `{"type":"result","subtype":"success","is_error":false,"total_cost_usd":0.5,"num_turns":2}`
)

type harness struct {
	t        *testing.T
	registry *session.Registry
	bus      *bus.Bus
	server   *Server
	http     *httptest.Server
	sub      *bus.Subscription
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := session.NewRegistry()
	b := bus.New(zap.NewNop())
	srv := New(reg, b, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	h := &harness{t: t, registry: reg, bus: b, server: srv, http: ts, sub: b.Subscribe("")}
	t.Cleanup(func() {
		h.sub.Unsubscribe()
		srv.Close()
		ts.Close()
	})
	return h
}

func (h *harness) dial(path string) *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { ws.Close() })
	return ws
}

func (h *harness) write(ws *websocket.Conn, frames ...string) {
	h.t.Helper()
	require.NoError(h.t, ws.WriteMessage(websocket.TextMessage, []byte(strings.Join(frames, "\n")+"\n")))
}

func (h *harness) next() bus.Envelope {
	h.t.Helper()
	select {
	case env := <-h.sub.C:
		return env
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for published message")
		return bus.Envelope{}
	}
}

func (h *harness) session(id string) session.Session {
	h.t.Helper()
	sess, err := h.registry.Get(id)
	require.NoError(h.t, err)
	return sess
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

func TestIngress_PathAssociationAndHandshake(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")

	h.eventually(func() bool { return h.session("S1").Connected }, "expected socket bound on connect")
	assert.Equal(t, session.StateConnected, h.session("S1").Status.State)

	h.write(ws, initFrame)
	env := h.next()
	assert.Equal(t, "S1", env.SessionID)
	assert.True(t, protocol.IsHandshake(env.Message))

	sess := h.session("S1")
	assert.Equal(t, "conv-1", sess.ConversationID)
	require.NotNil(t, sess.Capabilities)
	assert.Equal(t, "sonnet", sess.Capabilities.Model)
	assert.Equal(t, []session.MCP{{Name: "fs", Status: "connected"}}, sess.Capabilities.MCPServers)
}

func TestIngress_MultiplexedFramesKeepOrder(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")

	h.write(ws, initFrame, assistantFrame, `{"type":"keep_alive"}`, resultFrame)

	var types []protocol.MessageType
	for i := 0; i < 4; i++ {
		types = append(types, h.next().Message.Type)
	}
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeSystem, protocol.TypeAssistant, protocol.TypeKeepAlive, protocol.TypeResult,
	}, types)

	sess := h.session("S1")
	assert.Equal(t, session.StateIdle, sess.Status.State)
	assert.Equal(t, 0.5, sess.TotalCostUSD)
	assert.Equal(t, 2, sess.NumTurns)

	assert.Equal(t, 2, sess.HistoryLen)
	history, err := h.registry.History("S1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "assistant", history[0].Role)
	assert.Equal(t, "hi", history[0].Text)
	assert.Equal(t, "result", history[1].Type)
}

func TestIngress_AssistantPromotesToActive(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")

	h.write(ws, initFrame, assistantFrame)
	h.next()
	h.next()
	assert.Equal(t, session.StateActive, h.session("S1").Status.State)
}

func TestIngress_StatusFramesTrackCompaction(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")

	h.write(ws, initFrame)
	h.next()

	h.write(ws, `{"type":"system","subtype":"status","status":"compacting"}`)
	h.next()
	sess := h.session("S1")
	assert.True(t, sess.Compacting)
	assert.Equal(t, "default", sess.Capabilities.PermissionMode)

	h.write(ws, `{"type":"system","subtype":"status","status":null,"permissionMode":"plan"}`)
	h.next()
	sess = h.session("S1")
	assert.False(t, sess.Compacting)
	assert.Equal(t, "plan", sess.Capabilities.PermissionMode)

	h.write(ws, `{"type":"system","subtype":"status","status":"compacting"}`)
	h.next()
	require.True(t, h.session("S1").Compacting)

	h.write(ws, `{"type":"system","subtype":"compact_boundary","compact_metadata":{"trigger":"auto","pre_tokens":1000}}`)
	h.next()
	sess = h.session("S1")
	assert.False(t, sess.Compacting)
	assert.Equal(t, "plan", sess.Capabilities.PermissionMode)
}

func TestIngress_MalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")

	h.write(ws, `not json`, `{"type":"mystery"}`, `{"type":"keep_alive"}`)
	assert.Equal(t, protocol.TypeKeepAlive, h.next().Message.Type)

	// The connection survives.
	h.write(ws, resultFrame)
	assert.Equal(t, protocol.TypeResult, h.next().Message.Type)
}

func TestIngress_AdoptsUnknownAgentOnHandshake(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var adopted []session.Session
	h.server.OnAdopt(func(sess session.Session) {
		mu.Lock()
		adopted = append(adopted, sess)
		mu.Unlock()
	})

	ws := h.dial("/ws/cli")
	// Nothing can be associated before the handshake.
	h.write(ws, assistantFrame, initFrame)

	env := h.next()
	assert.Equal(t, "conv-1", env.SessionID)
	assert.True(t, protocol.IsHandshake(env.Message))

	sess := h.session("conv-1")
	assert.True(t, sess.External)
	assert.True(t, sess.Connected)
	assert.Equal(t, "/work", sess.WorkDir)

	mu.Lock()
	require.Len(t, adopted, 1)
	assert.Equal(t, "conv-1", adopted[0].ID)
	mu.Unlock()
}

func TestIngress_PathIDWinsForUnknownSession(t *testing.T) {
	h := newHarness(t)
	ws := h.dial("/ws/cli/late")

	h.write(ws, initFrame)
	env := h.next()
	assert.Equal(t, "late", env.SessionID)

	sess := h.session("late")
	assert.Equal(t, "conv-1", sess.ConversationID)
	_, err := h.registry.Get("conv-1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestIngress_ControlResponseSettlesPending(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")
	table, _ := h.registry.Pending("S1")

	ok := table.Register("r1", time.Minute)
	bad := table.Register("r2", time.Minute)

	h.write(ws,
		`{"type":"control_response","response":{"subtype":"success","request_id":"r1","response":{"model":"opus"}}}`,
		`{"type":"control_response","response":{"subtype":"error","request_id":"r2","error":"unknown model"}}`,
	)

	res := <-ok
	require.NoError(t, res.Err)
	assert.JSONEq(t, `{"model":"opus"}`, string(res.Response))

	res = <-bad
	var remote *control.RemoteError
	require.ErrorAs(t, res.Err, &remote)
	assert.Equal(t, "unknown model", remote.Message)
}

func TestIngress_OutboundFramesReachAgent(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")
	h.eventually(func() bool { return h.session("S1").Connected }, "expected socket bound")

	frame, err := protocol.NewUserFrame("hello", "conv-1")
	require.NoError(t, err)
	require.NoError(t, h.registry.Send("S1", frame))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, string(frame), string(data))
}

func TestIngress_DisconnectRejectsPending(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")
	ws := h.dial("/ws/cli/S1")
	h.eventually(func() bool { return h.session("S1").Connected }, "expected socket bound")

	table, _ := h.registry.Pending("S1")
	pending := table.Register("r1", time.Minute)

	ws.Close()

	select {
	case res := <-pending:
		assert.True(t, errors.Is(res.Err, control.ErrConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on disconnect")
	}
	sess := h.session("S1")
	assert.False(t, sess.Connected)
	assert.Equal(t, session.StateDisconnected, sess.Status.State)
}

func TestIngress_ReconnectClosesSupersededSocket(t *testing.T) {
	h := newHarness(t)
	h.registry.Create("S1", "/work")

	first := h.dial("/ws/cli/S1")
	h.eventually(func() bool { return h.session("S1").Connected }, "expected first socket bound")
	gen1 := h.session("S1").Channel().Generation()

	second := h.dial("/ws/cli/S1")
	h.eventually(func() bool {
		ch := h.session("S1").Channel()
		return ch != nil && ch.Generation() != gen1
	}, "expected second socket to take over")

	// The superseded socket is closed by the bridge.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// Its teardown leaves the new association alone.
	time.Sleep(50 * time.Millisecond)
	sess := h.session("S1")
	assert.True(t, sess.Connected)
	assert.Equal(t, session.StateConnected, sess.Status.State)

	frame, _ := protocol.NewUserFrame("again", "conv-1")
	require.NoError(t, h.registry.Send("S1", frame))
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, string(frame), string(data))
}

func TestHistoryEntry(t *testing.T) {
	skip := []string{
		`{"type":"user","message":{"role":"user","content":"echo"}}`,
		`{"type":"keep_alive"}`,
		initFrame,
		`{"type":"auth_status","isAuthenticating":false}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
	}
	for _, line := range skip {
		msg, err := protocol.ParseMessage([]byte(line))
		require.NoError(t, err)
		_, ok := historyEntry(msg)
		assert.False(t, ok, line)
	}

	msg, _ := protocol.ParseMessage([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a"},{"type":"tool_use","id":"t"},{"type":"text","text":"b"}]}}`))
	entry, ok := historyEntry(msg)
	require.True(t, ok)
	assert.Equal(t, "a\nb", entry.Text)
}
