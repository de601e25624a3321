package collaboration

import (
	"log"
	"sync"
	"time"

	"quantum-collab/internal/models"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

// ConnState is a connection's lifecycle state. Transitions run
// CONNECTING -> CONNECTED -> DISCONNECTING -> DISCONNECTED;
// DISCONNECTED is terminal.
type ConnState string

const (
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateDisconnecting ConnState = "disconnecting"
	StateDisconnected  ConnState = "disconnected"
)

const (
	// sendBufferSize bounds the per-connection outbound queue. A full
	// buffer means the client cannot keep up; the connection is evicted
	// rather than letting one slow reader stall a session's broadcast.
	sendBufferSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Connection is one participant's live channel binding into a session.
// All mutable fields are guarded by mu; the send channel is bounded and
// drained by a dedicated write pump.
type Connection struct {
	ID        string
	UserID    string
	SessionID string
	CreatedAt time.Time

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu           sync.Mutex
	state        ConnState
	lastActivity time.Time
	cursor       models.CursorPosition
	selection    models.SelectionRange
	userInfo     models.UserInfo

	closeOnce sync.Once
}

func NewConnection(ws *websocket.Conn, userID, sessionID string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           ksuid.New().String(),
		UserID:       userID,
		SessionID:    sessionID,
		CreatedAt:    now,
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		state:        StateConnecting,
		lastActivity: now,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// DISCONNECTED is terminal.
	if c.state == StateDisconnected {
		return
	}
	c.state = s
}

// Touch updates the liveness timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the liveness timestamp.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsActive reports whether the connection passed its liveness check: not
// terminated, with activity inside the timeout window.
func (c *Connection) IsActive(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected || c.state == StateDisconnecting {
		return false
	}
	return time.Since(c.lastActivity) < timeout
}

// UpdateCursor sets the cursor position from a presence update.
func (c *Connection) UpdateCursor(line, column int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = models.CursorPosition{Line: line, Column: column}
}

// UpdateSelection sets the selection range from a presence update.
func (c *Connection) UpdateSelection(start, end int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selection = models.SelectionRange{Start: start, End: end}
}

// UpdateUserInfo sets the display metadata from a presence update.
func (c *Connection) UpdateUserInfo(name, color string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userInfo = models.UserInfo{Name: name, Color: color}
}

// Participant returns the public view of this connection.
func (c *Connection) Participant() *models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &models.Participant{
		UserID:    c.UserID,
		Name:      c.userInfo.Name,
		Color:     c.userInfo.Color,
		Cursor:    c.cursor,
		Selection: c.selection,
	}
}

// Send queues a message for delivery. It never blocks: a full buffer or a
// closed connection returns an error, and the caller evicts the
// connection from its session.
func (c *Connection) Send(msg *models.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return reject(ErrInternal, "failed to encode %s message: %v", msg.Type, err)
	}

	select {
	case <-c.done:
		return reject(ErrInternal, "connection %s is closed", c.ID)
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return reject(ErrInternal, "send buffer full for connection %s", c.ID)
	}
}

// SendError reports a rejected message back to this connection. Delivery
// failures are ignored; the broadcast path handles eviction.
func (c *Connection) SendError(err error) {
	payload := models.ErrorPayload{Code: errorCode(err), Reason: err.Error()}
	if rerr, ok := err.(*RejectError); ok {
		payload.Reason = rerr.Reason
	}
	msg := models.MustMessage(models.MessageTypeError, c.SessionID, c.UserID, 0, payload)
	if serr := c.Send(msg); serr != nil {
		log.Printf("connection %s: failed to deliver error reply: %v", c.ID, serr)
	}
}

// ReadMessage blocks for the next frame from the client, refreshing the
// read deadline and liveness timestamp.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.Touch()
	return data, nil
}

// Close tears down the connection: state moves through DISCONNECTING to
// DISCONNECTED, the write pump drains out, and the socket closes.
// Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnecting)
		close(c.done)
		c.ws.Close()
		c.setState(StateDisconnected)
	})
}

// WritePump drains the send channel onto the socket and keeps the client
// alive with periodic pings. Runs in its own goroutine per connection so
// one slow client only degrades its own path.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Batch additional queued messages into the same frame writer.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ConfigureRead installs the read deadline and pong handler. Called once
// before the receive loop starts.
func (c *Connection) ConfigureRead() {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.Touch()
		return nil
	})
}
