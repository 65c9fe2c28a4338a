package protocol

// Methods clients may invoke on the event socket.
const (
	// MethodPing answers with {"pong": true}. Useful as an
	// application-level keepalive besides websocket pings.
	MethodPing = "ping"
	// MethodSubscribe narrows the event stream to the named events.
	// Params: {"events": ["channel.status", ...]}. An empty list
	// restores the default of receiving everything.
	MethodSubscribe = "subscribe"
	// MethodStatus answers with the current channel list.
	MethodStatus = "status"
)
