// Package config holds the stream server configuration.
//
// Configuration is read from a YAML file. ${VAR} references are replaced by
// environment variables before parsing, and missing fields keep the values
// from Default.
//
// Example:
//
//	server:
//	  http_addr: ":8091"
//	  tcp_addr: ":8111"
//	  max_clients: 8
//	capture:
//	  source: ffmpeg
//	  input: ${CAMERA_URL}
//	  width: 376
//	  height: 240
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"camstream-server/capture"
	"camstream-server/motion"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Capture  CaptureConfig  `yaml:"capture"`
	Stream   StreamConfig   `yaml:"stream"`
	Motion   MotionConfig   `yaml:"motion"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the network listeners and client handling.
type ServerConfig struct {
	// HTTPAddr serves the API, websocket stream and metrics.
	HTTPAddr string `yaml:"http_addr"`
	// TCPAddr serves the raw byte stream. Empty disables it.
	TCPAddr string `yaml:"tcp_addr"`
	// MaxClients is the fixed number of concurrent stream clients.
	MaxClients int `yaml:"max_clients"`
	// ChunkSize is the largest piece of stream handed to one socket write.
	ChunkSize int `yaml:"chunk_size"`
	// ClientQueue is how many chunks may wait per client.
	ClientQueue     int           `yaml:"client_queue"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CaptureConfig selects and configures the frame source.
type CaptureConfig struct {
	// Source is "ffmpeg" or "pattern".
	Source      string        `yaml:"source"`
	Input       string        `yaml:"input"`
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"`
	PixelFormat string        `yaml:"pixel_format"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// StreamConfig sizes the broadcast ring.
type StreamConfig struct {
	// BufferFrames is how many whole frames the ring holds.
	BufferFrames int `yaml:"buffer_frames"`
	// Trace logs every ring operation at debug level.
	Trace bool `yaml:"trace"`
}

// MotionConfig enables the tile change detector.
type MotionConfig struct {
	Enabled       bool `yaml:"enabled"`
	motion.Config `yaml:",inline"`
	// Inactive lists tiles excluded from the alarm count as [x, y] pairs.
	Inactive [][2]int `yaml:"inactive"`
	// History is how many alarm events the API keeps.
	History int `yaml:"history"`
}

// SnapshotConfig controls JPEG snapshots written to disk.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// LiveEvery writes the live image every N frames. 0 disables it.
	LiveEvery  int    `yaml:"live_every"`
	LiveName   string `yaml:"live_name"`
	AlarmSlots int    `yaml:"alarm_slots"`
	Quality    int    `yaml:"quality"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"output_paths"`
}

// Default returns a configuration that streams a test pattern.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8091",
			TCPAddr:         ":8111",
			MaxClients:      8,
			ChunkSize:       64 * 1024,
			ClientQueue:     8,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			Source:      "pattern",
			Width:       376,
			Height:      240,
			FPS:         25,
			PixelFormat: string(capture.BGR24),
			MaxRetries:  10,
			RetryDelay:  2 * time.Second,
		},
		Stream: StreamConfig{
			BufferFrames: 4,
		},
		Motion: MotionConfig{
			Enabled: true,
			Config:  motion.DefaultConfig(),
			History: 64,
		},
		Snapshot: SnapshotConfig{
			Enabled:    true,
			Dir:        "./snapshots",
			LiveEvery:  20,
			LiveName:   "liveimage.jpg",
			AlarmSlots: 16,
			Quality:    75,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPAddr == "" && c.Server.TCPAddr == "" {
		add("server: at least one of http_addr and tcp_addr is required")
	}
	if c.Server.MaxClients <= 0 {
		add("server.max_clients must be positive, got %d", c.Server.MaxClients)
	}
	if c.Server.ChunkSize <= 0 {
		add("server.chunk_size must be positive, got %d", c.Server.ChunkSize)
	}
	if c.Server.ClientQueue <= 0 {
		add("server.client_queue must be positive, got %d", c.Server.ClientQueue)
	}

	switch c.Capture.Source {
	case "pattern":
	case "ffmpeg":
		if c.Capture.Input == "" {
			add("capture.input is required for the ffmpeg source")
		}
	default:
		add("capture.source must be ffmpeg or pattern, got %q", c.Capture.Source)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		add("capture: invalid size %dx%d", c.Capture.Width, c.Capture.Height)
	}
	if _, err := capture.ParsePixelFormat(c.Capture.PixelFormat); err != nil {
		add("capture.pixel_format: %v", err)
	}
	if c.Capture.FPS < 0 {
		add("capture.fps must not be negative")
	}

	if c.Stream.BufferFrames < 1 {
		add("stream.buffer_frames must be at least 1, got %d", c.Stream.BufferFrames)
	}

	if c.Motion.Enabled {
		if err := c.Motion.Config.Validate(); err != nil {
			errs = append(errs, err)
		}
		for _, t := range c.Motion.Inactive {
			if t[0] < 0 || t[0] >= c.Motion.TilesX || t[1] < 0 || t[1] >= c.Motion.TilesY {
				add("motion.inactive: tile %v outside the grid", t)
			}
		}
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.Dir == "" {
			add("snapshot.dir is required when snapshots are enabled")
		}
		if c.Snapshot.AlarmSlots <= 0 {
			add("snapshot.alarm_slots must be positive")
		}
		if c.Snapshot.Quality < 1 || c.Snapshot.Quality > 100 {
			add("snapshot.quality must be within 1-100, got %d", c.Snapshot.Quality)
		}
	}

	return errors.Join(errs...)
}

// FrameSize returns the byte size of one captured frame.
func (c *Config) FrameSize() int {
	return capture.FrameSize(c.Capture.Width, c.Capture.Height, capture.PixelFormat(c.Capture.PixelFormat))
}

// RingCapacity returns the ring size holding BufferFrames whole frames. The
// extra byte is the slot the ring always keeps empty.
func (c *Config) RingCapacity() int {
	return c.FrameSize()*c.Stream.BufferFrames + 1
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Substituted values are copied verbatim and never scanned again.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start
		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
