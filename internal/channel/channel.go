// Package channel holds the in-memory registry of messaging channels and
// their connection state. The registry is the runtime source of truth for
// status surfaces; durable facts (device bindings, creation times) live in
// the channel store.
package channel

import "time"

// Status is the connection state of a channel. The tokens are stable wire
// values surfaced verbatim over the HTTP API and the event socket.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusConnecting   Status = "CONNECTING"
	StatusQRCode       Status = "QRCODE"
	StatusConnected    Status = "CONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	StatusLoggedOut    Status = "LOGGED_OUT"
	StatusFailed       Status = "FAILED"
	StatusRestoring    Status = "RESTORING"
)

// Terminal reports whether the status is one the reconnect machinery never
// leaves on its own. Terminal channels only move again through an explicit
// regenerate.
func (s Status) Terminal() bool {
	return s == StatusLoggedOut || s == StatusFailed
}

// Channel is a point-in-time snapshot of one channel's connection state.
// Values returned by the registry are copies; mutations go through Apply.
type Channel struct {
	ID                string
	Status            Status
	QRCode            string // data URI of the current pairing code, "" when none
	ReconnectAttempts int
	LastSeen          time.Time
	CreatedAt         time.Time
}

// Connected reports whether the channel's status is CONNECTED.
func (c Channel) Connected() bool {
	return c.Status == StatusConnected
}
