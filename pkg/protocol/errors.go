package protocol

// Error codes shared by the HTTP API and the event socket.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrNotFound       = "NOT_FOUND"
	ErrAlreadyExists  = "ALREADY_EXISTS"
	ErrNoCredentials  = "NO_CREDENTIALS"
	ErrNotConnected   = "NOT_CONNECTED"
	ErrPairingFailed  = "PAIRING_FAILED"
	ErrRateLimited    = "RATE_LIMITED"
	ErrUnavailable    = "UNAVAILABLE"
	ErrInternal       = "INTERNAL"
)
