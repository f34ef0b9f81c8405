// Package metrics exposes Prometheus collectors for the stream server.
//
// All collectors are registered on the default registry at package init and
// are served by promhttp.Handler on /metrics.
//
//	metrics.FramesCaptured.Inc()
//	metrics.ClientsConnected.WithLabelValues("ws").Inc()
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesCaptured counts frames taken from the capture source.
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camstream_frames_captured_total",
		Help: "Total number of frames read from the capture source",
	})

	// CaptureErrors counts failed source opens and reads.
	CaptureErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camstream_capture_errors_total",
		Help: "Total number of capture source failures",
	})

	// FrameProcessing tracks the time from frame arrival to the end of the
	// client fan-out, in seconds.
	FrameProcessing = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camstream_frame_processing_seconds",
		Help:    "Per-frame processing latency",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// StreamBytes counts ring bytes by outcome: written, truncated (dropped
	// by a short write) or evicted (discarded to make room).
	StreamBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camstream_stream_bytes_total",
		Help: "Stream bytes by outcome",
	}, []string{"outcome"})

	// RingOccupied is the number of retained bytes in the ring.
	RingOccupied = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camstream_ring_occupied_bytes",
		Help: "Bytes currently retained in the broadcast ring",
	})

	// ClientsConnected is the number of stream clients per transport.
	ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camstream_clients_connected",
		Help: "Number of connected stream clients",
	}, []string{"transport"})

	// ClientsRejected counts connections refused because the pool was full.
	ClientsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camstream_clients_rejected_total",
		Help: "Connections rejected because every client slot was in use",
	}, []string{"transport"})

	// ClientsLagged counts clients dropped because their cursor was overrun.
	ClientsLagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camstream_clients_lagged_total",
		Help: "Clients disconnected after falling a full ring behind",
	})

	// ClientBytesSent counts bytes handed to client sockets.
	ClientBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camstream_client_bytes_sent_total",
		Help: "Bytes written to stream clients",
	}, []string{"transport"})

	// Alarms counts motion alarms.
	Alarms = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camstream_motion_alarms_total",
		Help: "Total number of motion alarms",
	})

	// ChangedTiles observes the changed tile count per evaluated frame.
	ChangedTiles = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camstream_motion_changed_tiles",
		Help:    "Changed tiles per frame",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 48, 64},
	})

	// Snapshots counts snapshot jobs by kind (live, alarm) and status
	// (written, dropped, failed).
	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camstream_snapshots_total",
		Help: "Snapshot jobs by kind and status",
	}, []string{"kind", "status"})
)
