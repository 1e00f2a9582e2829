package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendQueueSize  = 256
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateJoining
	stateAwaitingSnapshot
	stateSynced
	stateClosed
)

// Client represents one websocket connection and its session state machine.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	sessions *SessionHandler
	logger   *zap.Logger

	mu          sync.Mutex
	state       sessionState
	roomID      string
	userID      string
	displayName string
	pending     []ClientEnvelope
}

func newClient(sessions *SessionHandler, conn *websocket.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		sessions: sessions,
		logger:   logger,
	}
}

// ReadPump reads messages from the websocket and dispatches them to the
// session handler. It owns the connection's lifetime: when it returns, the
// session leaves its room.
func (c *Client) ReadPump() {
	defer func() {
		c.sessions.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed",
					zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		var envelope ClientEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Debug("malformed client message dropped",
				zap.String("connection_id", c.id), zap.Error(err))
			continue
		}
		c.sessions.Dispatch(c, envelope)
	}
}

// WritePump writes queued messages to the websocket and keeps the connection
// alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send unicasts an envelope to this client.
func (c *Client) Send(msg ServerEnvelope) {
	c.enqueue(msg.Encode())
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Client too slow; drop rather than stall the room.
		c.logger.Debug("send queue full, message dropped", zap.String("connection_id", c.id))
	}
}

func (c *Client) setState(state sessionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) sessionInfo() (roomID, userID, displayName string, state sessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.userID, c.displayName, c.state
}

func (c *Client) bindSession(roomID, userID, displayName string) {
	c.mu.Lock()
	c.roomID = roomID
	c.userID = userID
	c.displayName = displayName
	c.state = stateJoining
	c.mu.Unlock()
}

// unbindSession backs a failed join out so the connection can try another
// room instead of lingering half-joined.
func (c *Client) unbindSession() {
	c.mu.Lock()
	c.roomID = ""
	c.userID = ""
	c.displayName = ""
	c.pending = nil
	c.state = stateConnecting
	c.mu.Unlock()
}

// buffer queues an update that arrived before the session finished syncing.
func (c *Client) buffer(envelope ClientEnvelope) {
	c.mu.Lock()
	c.pending = append(c.pending, envelope)
	c.mu.Unlock()
}

func (c *Client) takePending() []ClientEnvelope {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	return pending
}
