package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"camstream-server/capture"
	"camstream-server/config"
	"camstream-server/motion"
	"camstream-server/pool"
	"camstream-server/ringbuf"
	"camstream-server/snapshot"
)

var (
	// ErrStreamStopped is returned when the control loop is no longer running.
	ErrStreamStopped = errors.New("stream stopped")

	// ErrNoFrame is returned when no complete frame has been streamed yet.
	ErrNoFrame = errors.New("no frame available")
)

// StreamManager owns the camera stream: one capture goroutine feeding a
// single control loop that writes frames into the broadcast ring and fans
// them out to every connected client.
//
// The ring, the client pool, the motion detector and every field marked
// "loop" are only touched by the control loop goroutine. Other goroutines
// talk to it through the register, unregister and queries channels.
type StreamManager struct {
	cfg       *config.Config
	log       *zap.Logger
	source    capture.Source
	ring      *ringbuf.RingBuffer       // loop
	clients   *pool.ObjectPool[*Client] // loop
	detector  *motion.Detector          // loop, nil when disabled
	snapshots *snapshot.Writer          // nil when disabled
	alarms    *AlarmLog
	chunks    sync.Pool

	register   chan registration
	unregister chan *Client
	queries    chan func()
	wake       chan struct{}
	done       chan struct{}

	frameCount   uint64 // loop
	alarmCount   uint64 // loop
	lastFrameLen int    // loop, bytes of the newest frame in the ring
	lastFrameSeq uint64 // loop

	mu            sync.RWMutex
	status        string
	lastError     error
	lastFrameTime time.Time
	errorCount    int
}

// Client is one consumer of the stream, over websocket or raw TCP.
type Client struct {
	id          string
	transport   string
	conn        streamConn
	send        chan chunk
	manager     *StreamManager
	connectedAt time.Time
	bytesSent   atomic.Uint64
	admission   atomic.Int32 // admissionPending, admissionStarted or admissionAbandoned

	// owned by the control loop
	handle  pool.Handle
	cursor  ringbuf.Cursor
	removed bool
}

// chunk is a piece of the stream on its way to one client socket.
type chunk struct {
	buf *[]byte
	n   int
}

// Admission states. Register and the control loop race to move a client out
// of admissionPending; whoever wins decides whether it joins the pool.
const (
	admissionPending int32 = iota
	admissionStarted
	admissionAbandoned
)

// errRegistrationAbandoned is what the loop reports for a client whose
// caller stopped waiting before it was admitted.
var errRegistrationAbandoned = errors.New("registration abandoned")

type registration struct {
	client *Client
	result chan error
}

// StreamStats is the JSON view of the stream state
type StreamStats struct {
	Status        string    `json:"status"`
	Source        string    `json:"source"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	PixelFormat   string    `json:"pixel_format"`
	FrameSize     int       `json:"frame_size"`
	FrameCount    uint64    `json:"frame_count"`
	LastFrameTime time.Time `json:"last_frame_time"`
	LastError     string    `json:"last_error,omitempty"`
	ErrorCount    int       `json:"error_count"`
	AlarmCount    uint64    `json:"alarm_count"`
	RingCapacity  int       `json:"ring_capacity"`
	RingOccupied  int       `json:"ring_occupied"`
	RingFree      int       `json:"ring_free"`
	BytesWritten  uint64    `json:"bytes_written"`
	ClientCount   int       `json:"client_count"`
	MaxClients    int       `json:"max_clients"`
}

// ClientInfo is the JSON view of one client
type ClientInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	BytesSent   uint64    `json:"bytes_sent"`
	LagBytes    uint64    `json:"lag_bytes"`
	Offset      uint64    `json:"offset"`
	Queued      int       `json:"queued_chunks"`
}

// FrameInfo describes the frame returned by LatestFrame
type FrameInfo struct {
	Seq         uint64
	Width       int
	Height      int
	PixelFormat string
}
