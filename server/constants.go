package server

import "time"

// Server tuning constants
const (
	// RegisterTimeout bounds how long a new connection waits for the control
	// loop to admit or reject it
	RegisterTimeout = 5 * time.Second

	// QueryTimeout is the timeout for HTTP requests answered by the control loop
	QueryTimeout = 5 * time.Second

	// WebSocketPingInterval is how often to send ping messages to clients
	WebSocketPingInterval = 54 * time.Second

	// WebSocketReadDeadline is the deadline for reading WebSocket messages
	WebSocketReadDeadline = 60 * time.Second

	// WebSocketReadLimit is the maximum message size for incoming WebSocket messages
	WebSocketReadLimit = 512

	// TCPReadBuffer is the scratch size used to drain anything raw TCP clients send
	TCPReadBuffer = 512

	// ControlQueueSize is the buffer of the register/unregister/query channels
	ControlQueueSize = 16
)

// Stream status values
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusError    = "error"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
)

// Client transports
const (
	TransportWebSocket = "ws"
	TransportTCP       = "tcp"
)
