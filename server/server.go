// Package server runs the camera stream: capture, the broadcast control loop,
// the websocket and raw TCP transports and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"camstream-server/capture"
	"camstream-server/config"
	"camstream-server/snapshot"
)

// Server ties the stream manager to its network listeners.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	manager   *StreamManager
	snapshots *snapshot.Writer
	router    *gin.Engine
}

// NewSource builds the capture source selected by cfg.
func NewSource(cfg *config.Config, log *zap.Logger) (capture.Source, error) {
	format, err := capture.ParsePixelFormat(cfg.Capture.PixelFormat)
	if err != nil {
		return nil, err
	}
	switch cfg.Capture.Source {
	case "pattern":
		return capture.NewPatternSource(cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS, format)
	case "ffmpeg":
		return capture.NewFFmpegSource(capture.FFmpegConfig{
			Binary: cfg.Capture.FFmpegPath,
			Input:  cfg.Capture.Input,
			Width:  cfg.Capture.Width,
			Height: cfg.Capture.Height,
			FPS:    cfg.Capture.FPS,
			Format: format,
		}, log.Named("ffmpeg"))
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Capture.Source)
	}
}

// New builds a server for cfg reading from source. A nil source is built
// from the capture configuration.
func New(cfg *config.Config, source capture.Source, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if source == nil {
		var err error
		if source, err = NewSource(cfg, log); err != nil {
			return nil, err
		}
	}

	var snapshots *snapshot.Writer
	if cfg.Snapshot.Enabled {
		var err error
		snapshots, err = snapshot.NewWriter(snapshot.Config{
			Dir:        cfg.Snapshot.Dir,
			LiveName:   cfg.Snapshot.LiveName,
			AlarmSlots: cfg.Snapshot.AlarmSlots,
			Quality:    cfg.Snapshot.Quality,
		}, log.Named("snapshot"))
		if err != nil {
			return nil, err
		}
	}

	manager, err := NewStreamManager(cfg, source, snapshots, log.Named("stream"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		manager:   manager,
		snapshots: snapshots,
	}
	s.router = s.routes()
	return s, nil
}

// Manager returns the stream manager.
func (s *Server) Manager() *StreamManager { return s.manager }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log.Named("http")), corsMiddleware())

	api := r.Group("/api")
	{
		api.GET("/stream/stats", s.handleGetStreamStats)
		api.GET("/stream/clients", s.handleListClients)
		api.DELETE("/stream/clients/:clientId", s.handleKickClient)
		api.GET("/stream/frame", s.handleGetFrame)
		api.GET("/alarms", s.handleListAlarms)
	}

	r.GET("/ws", s.handleWebSocket)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.snapshots != nil {
		r.Static("/snapshots", s.snapshots.Dir())
	}
	return r
}

// Run serves until ctx is cancelled or capture fails for good, then shuts
// everything down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.snapshots != nil {
		s.snapshots.Start(ctx)
		defer s.snapshots.Close()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.manager.Run(ctx); err != nil {
			errCh <- fmt.Errorf("stream: %w", err)
		}
	}()

	if s.cfg.Server.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.Server.TCPAddr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.TCPAddr, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.serveTCP(ctx, ln); err != nil {
				errCh <- fmt.Errorf("tcp: %w", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.HTTPAddr,
		Handler: s.router,
	}
	if s.cfg.Server.HTTPAddr != "" {
		go func() {
			s.log.Info("HTTP server starting", zap.String("addr", s.cfg.Server.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutting down server...")
	case runErr = <-errCh:
		s.log.Error("server stopping after failure", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("server forced to shutdown", zap.Error(err))
	}

	cancel()
	wg.Wait()
	s.log.Info("Server exited")
	return runErr
}
