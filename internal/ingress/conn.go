package ingress

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
	maxFrameBytes = 16 << 20
)

// ErrSendBufferFull is returned when the agent is not draining its socket.
var ErrSendBufferFull = errors.New("agent socket send buffer full")

// conn is one agent socket. It is the session's outbound channel while it is
// the current association.
type conn struct {
	ws     *websocket.Conn
	gen    uint64
	pathID string
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger *zap.Logger

	// sessionID is owned by the read goroutine once the pumps start.
	sessionID string
}

func newConn(ws *websocket.Conn, gen uint64, pathID string, logger *zap.Logger) *conn {
	return &conn{
		ws:     ws,
		gen:    gen,
		pathID: pathID,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		logger: logger.With(zap.Uint64("generation", gen)),
	}
}

// Send queues one frame. Frames written after the connection closed are
// dropped without error.
func (c *conn) Send(frame []byte) error {
	select {
	case <-c.closed:
		c.logger.Debug("dropping frame for closed agent socket")
		return nil
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// log returns the connection logger tagged with the associated session.
// Only the read side may call it.
func (c *conn) log() *zap.Logger {
	if c.sessionID == "" {
		return c.logger
	}
	return c.logger.With(zap.String("session", c.sessionID))
}

func (c *conn) Generation() uint64 {
	return c.gen
}

// Close asks the write pump to send a close frame and tear the socket down.
func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// readPump reads transport messages and hands each to handle. It returns
// when the socket fails or closes.
func (c *conn) readPump(handle func(data []byte)) {
	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.isClosed() {
				c.logger.Warn("agent socket read error", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		handle(data)
	}
}

// writePump drains the send queue and keeps the socket alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"))
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("agent socket write error", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
