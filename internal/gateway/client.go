package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

// maxFrameSize bounds inbound WebSocket messages. The library closes the
// connection with ErrReadLimit when exceeded.
const maxFrameSize = 512 * 1024

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// Client is a single WebSocket subscriber on the event feed.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu      sync.Mutex
	filters map[string]bool // nil means receive everything
	closed  bool
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  hub,
		send: make(chan []byte, 256),
	}
}

// ID returns the client's connection identifier.
func (c *Client) ID() string { return c.id }

// Run starts the write pump and reads until the connection drops.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// Close shuts the connection down from the server side. It is a no-op after
// the first call and safe to race with enqueue.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleFrame(ctx, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		c.sendError("", protocol.ErrInvalidRequest, "invalid frame: "+err.Error())
		return
	}
	if frameType != protocol.FrameTypeRequest {
		c.sendError("", protocol.ErrInvalidRequest, "unexpected frame type: "+frameType)
		return
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", protocol.ErrInvalidRequest, "malformed request: "+err.Error())
		return
	}

	switch req.Method {
	case protocol.MethodPing:
		c.sendResponse(protocol.NewOKResponse(req.ID, map[string]bool{"pong": true}))

	case protocol.MethodSubscribe:
		c.handleSubscribe(&req)

	case protocol.MethodStatus:
		total, connected := c.hub.source.Counts()
		c.sendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
			"channels":  c.hub.channelInfos(),
			"total":     total,
			"connected": connected,
		}))

	default:
		c.sendError(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method)
	}
}

func (c *Client) handleSubscribe(req *protocol.RequestFrame) {
	var params struct {
		Events []string `json:"events"`
	}
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendError(req.ID, protocol.ErrInvalidRequest, "malformed params: "+err.Error())
			return
		}
	}

	c.mu.Lock()
	if len(params.Events) == 0 {
		c.filters = nil
	} else {
		c.filters = make(map[string]bool, len(params.Events))
		for _, ev := range params.Events {
			c.filters[ev] = true
		}
	}
	c.mu.Unlock()

	c.sendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"events": params.Events,
	}))
}

// wants reports whether the client's filter set admits the event kind.
func (c *Client) wants(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filters == nil {
		return true
	}
	return c.filters[kind]
}

// enqueue queues raw frame bytes for delivery and reports whether they were
// accepted. Frames are dropped when the client cannot keep up or has already
// been closed; the mutex serializes it with Close, so a late frame from the
// read pump can never land on a closed channel.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("client send buffer full, dropping event", "client", c.id)
		return false
	}
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response failed", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(id, code, message string) {
	c.sendResponse(protocol.NewErrorResponse(id, code, message))
}
