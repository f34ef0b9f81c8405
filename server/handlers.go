package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"camstream-server/capture"
	"camstream-server/pool"
	"camstream-server/snapshot"
)

// getUpgrader returns a WebSocket upgrader configured to allow all origins
func getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// handleWebSocket upgrades the connection and attaches it to the stream
func (s *Server) handleWebSocket(c *gin.Context) {
	upgrader := getUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	client, err := s.manager.attach(c.Request.Context(), TransportWebSocket, newWSConn(conn, s.cfg.Server.WriteTimeout))
	if err != nil {
		code, text := websocket.CloseInternalServerErr, "stream unavailable"
		if errors.Is(err, pool.ErrPoolExhausted) {
			code, text = websocket.CloseTryAgainLater, "too many clients"
		}
		msg := websocket.FormatCloseMessage(code, text)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.log.Debug("WebSocket client connected", zap.String("client_id", client.ID()))
}

// handleGetStreamStats returns statistics about the stream
func (s *Server) handleGetStreamStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), QueryTimeout)
	defer cancel()

	stats, err := s.manager.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleListClients returns the connected stream clients
func (s *Server) handleListClients(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), QueryTimeout)
	defer cancel()

	clients, err := s.manager.Clients(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"clients":      clients,
		"client_count": len(clients),
	})
}

// handleKickClient disconnects one client
func (s *Server) handleKickClient(c *gin.Context) {
	id := c.Param("clientId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), QueryTimeout)
	defer cancel()

	found, err := s.manager.Kick(ctx, id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   "Client disconnected",
		"client_id": id,
	})
}

// handleGetFrame returns the newest complete frame, raw or as JPEG with
// ?format=jpeg
func (s *Server) handleGetFrame(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), QueryTimeout)
	defer cancel()

	data, info, err := s.manager.LatestFrame(ctx)
	if errors.Is(err, ErrNoFrame) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.Header("X-Frame-Seq", strconv.FormatUint(info.Seq, 10))
	c.Header("X-Frame-Width", strconv.Itoa(info.Width))
	c.Header("X-Frame-Height", strconv.Itoa(info.Height))
	c.Header("X-Pixel-Format", info.PixelFormat)

	if c.Query("format") != "jpeg" {
		c.Data(http.StatusOK, "application/octet-stream", data)
		return
	}

	f := &capture.Frame{
		Seq:    info.Seq,
		Width:  info.Width,
		Height: info.Height,
		Format: capture.PixelFormat(info.PixelFormat),
		Pix:    data,
	}
	c.Header("Content-Type", "image/jpeg")
	c.Status(http.StatusOK)
	if err := snapshot.Encode(c.Writer, f, s.cfg.Snapshot.Quality); err != nil {
		s.log.Warn("frame encode failed", zap.Error(err))
	}
}

// handleListAlarms returns recent motion alarms, newest first
func (s *Server) handleListAlarms(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	alarms := s.manager.Alarms()
	c.JSON(http.StatusOK, gin.H{
		"alarms": alarms.Recent(limit),
		"total":  alarms.Total(),
	})
}

// handleHealth reports liveness and the capture status
func (s *Server) handleHealth(c *gin.Context) {
	status := s.manager.Status()
	code := http.StatusOK
	if status == StatusFailed || status == StatusStopped {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
	})
}

// corsMiddleware allows any origin to use the API
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger logs each request once it completes
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		log.Debug("http request", fields...)
	}
}
