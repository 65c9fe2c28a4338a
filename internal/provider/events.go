package provider

import "time"

// EventKind classifies session events.
type EventKind string

const (
	// KindPairingCode carries a fresh pairing code that must be shown to
	// the user. Emitted once per code rotation while pairing is pending.
	KindPairingCode EventKind = "pairing-code"
	// KindOpened signals that the transport is open and logged in.
	KindOpened EventKind = "opened"
	// KindClosed signals that the transport has closed. Cause says why.
	KindClosed EventKind = "closed"
	// KindMessage carries an inbound message.
	KindMessage EventKind = "message"
)

// CloseCause classifies why a session closed. Only CauseLoggedOut is
// terminal; every other cause is eligible for reconnection.
type CloseCause string

const (
	CauseLoggedOut      CloseCause = "logged-out"
	CauseConnectionLost CloseCause = "connection-lost"
	CauseStreamReplaced CloseCause = "stream-replaced"
	CauseClientOutdated CloseCause = "client-outdated"
	CauseUnknown        CloseCause = "unknown"
)

// LoggedOut reports whether the cause is an explicit logout.
func (c CloseCause) LoggedOut() bool { return c == CauseLoggedOut }

// Event is one occurrence on a session's event stream. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Code    string     // KindPairingCode: the raw pairing code
	Cause   CloseCause // KindClosed: close classification
	Detail  string     // optional human-readable detail for logs
	Message *Message   // KindMessage: the inbound message
}

// Message is an inbound message surfaced by a session.
type Message struct {
	ID        string
	From      string
	Text      string
	Timestamp time.Time
	FromMe    bool
	Group     bool
}
