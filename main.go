package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"camstream-server/config"
	"camstream-server/logger"
	"camstream-server/server"
)

var version = "0.1.0"

// overrides are command line values applied on top of the config file
type overrides struct {
	httpAddr string
	tcpAddr  string
	logLevel string
	input    string
	source   string
}

func main() {
	// Load .env file if it exists, for ${VAR} references in the config
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "camstream",
		Short: "camstream - camera capture and stream server",
		Long: `camstream captures raw frames from a camera, runs tile based motion
detection, writes JPEG snapshots and fans the raw stream out to websocket and
TCP clients through a single shared ring buffer.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("camstream v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string
	var ov overrides

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stream server",
		Long: `Run the stream server until SIGINT or SIGTERM.

Example:
  camstream serve --config camstream.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, ov)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file (defaults are used when empty)")
	serveCmd.Flags().StringVar(&ov.httpAddr, "http-addr", "", "HTTP listen address, overrides server.http_addr")
	serveCmd.Flags().StringVar(&ov.tcpAddr, "tcp-addr", "", "Raw TCP stream address, overrides server.tcp_addr")
	serveCmd.Flags().StringVar(&ov.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&ov.source, "source", "", "Capture source (ffmpeg, pattern)")
	serveCmd.Flags().StringVarP(&ov.input, "input", "i", "", "Camera URL, file or /dev/video device for the ffmpeg source")
	root.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, ov)
			if err != nil {
				return err
			}
			fmt.Printf("configuration OK\n")
			fmt.Printf("  capture: %s %dx%d %s @ %d fps\n",
				cfg.Capture.Source, cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.PixelFormat, cfg.Capture.FPS)
			fmt.Printf("  ring: %d bytes (%d frames of %d bytes)\n",
				cfg.RingCapacity(), cfg.Stream.BufferFrames, cfg.FrameSize())
			fmt.Printf("  clients: %d max, http %s, tcp %s\n",
				cfg.Server.MaxClients, cfg.Server.HTTPAddr, cfg.Server.TCPAddr)
			return nil
		},
	}
	checkCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	root.AddCommand(checkCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides and validates
func loadConfig(path string, ov overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if ov.httpAddr != "" {
		cfg.Server.HTTPAddr = ov.httpAddr
	}
	if ov.tcpAddr != "" {
		cfg.Server.TCPAddr = ov.tcpAddr
	}
	if ov.logLevel != "" {
		cfg.Log.Level = ov.logLevel
	}
	if ov.source != "" {
		cfg.Capture.Source = ov.source
	}
	if ov.input != "" {
		cfg.Capture.Input = ov.input
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Encoding:    cfg.Log.Encoding,
		OutputPaths: cfg.Log.OutputPaths,
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()

	// Check if FFmpeg is available
	if cfg.Capture.Source == "ffmpeg" {
		bin := cfg.Capture.FFmpegPath
		if bin == "" {
			bin = "ffmpeg"
		}
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("FFmpeg is not installed or not in PATH: %w", err)
		}
	}

	srv, err := server.New(cfg, nil, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("camstream starting",
		zap.String("version", version),
		zap.String("source", cfg.Capture.Source),
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("tcp_addr", cfg.Server.TCPAddr))
	return srv.Run(ctx)
}
