package relaysrv

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studiorelay/internal/logging"
)

// outboundBuffer bounds the per-connection send channel; frames for a
// connection that cannot keep up with its own outbound traffic are dropped
// rather than allowed to back-pressure the router goroutine that feeds it.
const outboundBuffer = 64

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Connection wraps one admitted WebSocket socket. Reads and writes run on
// their own goroutines; Send only ever enqueues onto sendCh so that frames
// for this connection are never interleaved on the wire.
type Connection struct {
	conn   *websocket.Conn
	logger *logging.Logger

	UserID     string
	DeviceID   string
	Role       DeviceRole
	DeviceName string

	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps an upgraded socket. Call ReadLoop and WriteLoop to
// start its goroutines.
func NewConnection(conn *websocket.Conn, userID, deviceID string, role DeviceRole, deviceName string, logger *logging.Logger) *Connection {
	return &Connection{
		conn:       conn,
		logger:     logger,
		UserID:     userID,
		DeviceID:   deviceID,
		Role:       role,
		DeviceName: deviceName,
		sendCh:     make(chan []byte, outboundBuffer),
		done:       make(chan struct{}),
	}
}

// Send enqueues a frame for delivery. If the outbound buffer is full the
// frame is dropped and logged rather than blocking the caller (typically
// the router's dispatch goroutine, which must never stall on one slow
// peer).
func (c *Connection) Send(frame []byte) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
		c.logger.Warn("dropping outbound frame, buffer full", map[string]interface{}{"deviceId": c.DeviceID})
	}
}

// CloseWithReason closes the underlying socket with a WebSocket close
// frame carrying reason as its close-reason text.
func (c *Connection) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = c.conn.Close()
	})
}

// WriteLoop drains sendCh onto the socket until the connection closes. It
// also emits periodic WebSocket-level pings as a transport-level
// liveness check independent of the application `heartbeat` frame.
func (c *Connection) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.CloseWithReason("write-error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWithReason("ping-error")
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadLoop reads frames off the socket and invokes handle for each one
// until the connection closes, then calls onClose exactly once.
func (c *Connection) ReadLoop(handle func(raw []byte), onClose func()) {
	defer onClose()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(data)
	}
}
