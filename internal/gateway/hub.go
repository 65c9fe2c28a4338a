// Package gateway streams bridge events to WebSocket subscribers and answers
// the small set of request methods the event socket supports.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channel"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

// StatusSource answers the status method without the hub knowing about the
// lifecycle controller.
type StatusSource interface {
	List() []channel.Channel
	Counts() (total, connected int)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP layer authenticates before upgrading, so cross-origin
	// browser clients holding the token are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns the WebSocket client set and relays bus events to it.
type Hub struct {
	events *bus.Bus
	source StatusSource
	log    *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	seq atomic.Int64
}

// NewHub creates a hub. Call Start to begin relaying bus events.
func NewHub(events *bus.Bus, source StatusSource, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		events:  events,
		source:  source,
		log:     log.With("component", "gateway"),
		clients: make(map[string]*Client),
	}
}

// Start subscribes the hub to the event bus.
func (h *Hub) Start() {
	h.events.Subscribe("gateway", h.relay)
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop() {
	h.events.Unsubscribe("gateway")

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// HandleUpgrade turns an authenticated HTTP request into a WebSocket client
// and blocks until the connection drops.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(conn, h)
	h.add(client)
	defer h.remove(client)

	h.log.Info("event client connected", "client", client.id, "remote", r.RemoteAddr)
	client.Run(r.Context())
	h.log.Info("event client disconnected", "client", client.id)
}

// relay fans one bus event out to every connected client. It runs on the
// publisher's goroutine, so per-client delivery must not block; Client.send
// drops when the buffer is full.
func (h *Hub) relay(ev bus.Event) {
	frame := protocol.NewEvent(ev.Kind, ev.Payload)
	frame.Seq = h.seq.Add(1)

	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("marshal event failed", "event", ev.Kind, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.wants(ev.Kind) {
			c.enqueue(data)
		}
	}
}

// ClientCount returns the number of connected event clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

func (h *Hub) channelInfos() []protocol.ChannelInfo {
	chans := h.source.List()
	infos := make([]protocol.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		infos = append(infos, ChannelInfo(ch))
	}
	return infos
}

// ChannelInfo converts a channel snapshot into its API shape.
func ChannelInfo(ch channel.Channel) protocol.ChannelInfo {
	info := protocol.ChannelInfo{
		ChannelID: ch.ID,
		Status:    string(ch.Status),
		QRCode:    ch.QRCode,
		Attempts:  ch.ReconnectAttempts,
	}
	if !ch.LastSeen.IsZero() {
		t := ch.LastSeen
		info.LastSeen = &t
	}
	if !ch.CreatedAt.IsZero() {
		t := ch.CreatedAt
		info.CreatedAt = &t
	}
	return info
}
