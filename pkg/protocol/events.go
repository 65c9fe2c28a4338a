package protocol

import "time"

// WebSocket event names pushed from server to client.
const (
	EventChannelStatus  = "channel.status"
	EventChannelQR      = "channel.qr"
	EventChannelRemoved = "channel.removed"
	EventMessageInbound = "message.inbound"
	EventBridgeHealth   = "bridge.health"
)

// StatusEvent is the payload of EventChannelStatus. It is emitted on every
// connection state transition of a channel.
type StatusEvent struct {
	ChannelID string `json:"channelId"`
	Status    string `json:"status"`
	Attempts  int    `json:"reconnectAttempts"`
	Cause     string `json:"cause,omitempty"` // close cause that drove the transition, if any
}

// QREvent is the payload of EventChannelQR. QRCode is a data URI holding a
// PNG rendering of the pairing code.
type QREvent struct {
	ChannelID string `json:"channelId"`
	QRCode    string `json:"qrCode"`
}

// RemovedEvent is the payload of EventChannelRemoved.
type RemovedEvent struct {
	ChannelID string `json:"channelId"`
}

// MessageEvent is the payload of EventMessageInbound.
type MessageEvent struct {
	ChannelID string    `json:"channelId"`
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"fromMe,omitempty"`
	Group     bool      `json:"group,omitempty"`
}

// HealthEvent is the payload of EventBridgeHealth, emitted by the periodic
// census sweep.
type HealthEvent struct {
	Healthy   bool `json:"healthy"`
	Channels  int  `json:"channels"`
	Connected int  `json:"connected"`
}
