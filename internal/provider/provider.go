// Package provider defines the boundary between the connection lifecycle
// machinery and the messaging transport that backs it. The lifecycle
// controller only ever talks to these interfaces; the concrete WhatsApp
// implementation lives in provider/wameow and tests substitute fakes.
package provider

import (
	"context"
	"time"
)

// Credentials is the opaque credential state loaded for a channel before an
// attempt. Registered distinguishes a paired device (restore path) from a
// fresh one that must go through QR pairing.
type Credentials interface {
	// Registered reports whether the credentials identify an already
	// paired device.
	Registered() bool
	// Ref is an opaque reference that persists the channel→device binding,
	// empty until the device has paired.
	Ref() string
}

// CredentialStore loads and discards per-channel credential state.
type CredentialStore interface {
	// Load returns the credential state for the channel, creating fresh
	// unregistered state when none is stored.
	Load(ctx context.Context, channelID string) (Credentials, error)
	// Exists reports whether registered credentials are stored for the
	// channel.
	Exists(ctx context.Context, channelID string) (bool, error)
	// Discard removes any stored credentials so the next attempt pairs
	// from scratch.
	Discard(ctx context.Context, channelID string) error
}

// SaveFunc persists updated credential state. The transport calls it when
// pairing completes and whenever the binding changes.
type SaveFunc func(ctx context.Context, creds Credentials) error

// Dialer opens transport sessions.
type Dialer interface {
	// Dial opens a new session for the channel using the given credential
	// state. Connection progress, pairing codes, inbound messages and the
	// eventual close are all delivered through the session's event stream;
	// Dial itself fails only when a session cannot be constructed at all.
	Dial(ctx context.Context, channelID string, creds Credentials, save SaveFunc) (Session, error)
}

// Session is one live transport connection attempt. Implementations stop
// delivering events after End returns; they never close the events channel
// while producers may still be running.
type Session interface {
	// Events is the stream of connection and message events for this
	// session.
	Events() <-chan Event
	// SendText delivers a text message to a recipient phone number or JID.
	SendText(ctx context.Context, to, text string) (Receipt, error)
	// IsOnNetwork checks whether a phone number is reachable on the
	// messaging network.
	IsOnNetwork(ctx context.Context, phone string) (Recipient, error)
	// Alive reports whether the transport is currently open and
	// authenticated.
	Alive() bool
	// Logout invalidates the pairing server-side. Best effort.
	Logout(ctx context.Context) error
	// End tears the transport down without logging out. Safe to call more
	// than once.
	End()
}

// Receipt acknowledges an accepted outbound message.
type Receipt struct {
	MessageID string
	To        string
	Timestamp time.Time
}

// Recipient is the result of a reachability check.
type Recipient struct {
	Phone     string
	Reachable bool
	JID       string
}
