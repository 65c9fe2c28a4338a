package lifecycle

import "errors"

var (
	// ErrChannelExists is returned by Create when the id is already
	// registered.
	ErrChannelExists = errors.New("channel already exists")
	// ErrChannelNotFound is returned when an operation names an unknown
	// channel id.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrAlreadyWaiting is returned when a pairing wait is already pending
	// for the channel.
	ErrAlreadyWaiting = errors.New("pairing wait already pending for channel")
	// ErrNoCredentials is returned by Restore when no stored credentials
	// exist for the channel.
	ErrNoCredentials = errors.New("no stored credentials for channel")
	// ErrNotConnected is returned by operations that need an open, logged
	// in transport.
	ErrNotConnected = errors.New("channel is not connected")
	// ErrPairingEncode wraps failures to render a pairing code. Waits
	// pending on the first code are rejected with it.
	ErrPairingEncode = errors.New("pairing code could not be rendered")
)
