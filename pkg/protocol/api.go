package protocol

import "time"

// ChannelInfo is the HTTP API representation of a channel.
type ChannelInfo struct {
	ChannelID string     `json:"channelId"`
	Status    string     `json:"status"`
	QRCode    string     `json:"qrCode,omitempty"`
	Attempts  int        `json:"reconnectAttempts"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// ChannelList is returned by GET /v1/channels.
type ChannelList struct {
	Channels []ChannelInfo `json:"channels"`
}

// CreateChannelRequest is the body of POST /v1/channels.
type CreateChannelRequest struct {
	ChannelID string `json:"channelId"`
}

// HealthInfo is returned by GET /v1/channels/{id}/health.
type HealthInfo struct {
	ChannelID string `json:"channelId"`
	Healthy   bool   `json:"healthy"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ConnectedInfo is returned by GET /v1/channels/{id}/connected.
type ConnectedInfo struct {
	ChannelID string `json:"channelId"`
	Connected bool   `json:"connected"`
}

// SendMessageRequest is the body of POST /v1/channels/{id}/messages.
type SendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// MessageAck is returned after a successful send.
type MessageAck struct {
	ChannelID string    `json:"channelId"`
	MessageID string    `json:"messageId"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// RecipientCheck is returned by GET /v1/channels/{id}/recipients/{phone}.
type RecipientCheck struct {
	ChannelID string `json:"channelId"`
	Phone     string `json:"phone"`
	Reachable bool   `json:"reachable"`
	JID       string `json:"jid,omitempty"`
	Cached    bool   `json:"cached"`
}

// JournalEntry is one row of the transition journal as returned by
// GET /v1/channels/{id}/journal.
type JournalEntry struct {
	ChannelID string    `json:"channelId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

// ServerHealth is returned by GET /healthz.
type ServerHealth struct {
	OK        bool   `json:"ok"`
	Version   string `json:"version"`
	Channels  int    `json:"channels"`
	Connected int    `json:"connected"`
	Uptime    string `json:"uptime"`
}
