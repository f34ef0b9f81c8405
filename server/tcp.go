package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"camstream-server/pool"
)

// serveTCP accepts raw stream clients on ln until ctx is cancelled.
func (s *Server) serveTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("TCP stream listener started", zap.String("addr", ln.Addr().String()))
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Back off on transient accept failures
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay = min(delay*2, time.Second)
				}
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		go s.handleTCP(ctx, conn)
	}
}

func (s *Server) handleTCP(ctx context.Context, conn net.Conn) {
	tc := newTCPConn(conn, s.cfg.Server.WriteTimeout)
	client, err := s.manager.attach(ctx, TransportTCP, tc)
	if err != nil {
		if !errors.Is(err, pool.ErrPoolExhausted) {
			s.log.Warn("TCP client not attached", zap.String("remote", tc.RemoteAddr()), zap.Error(err))
		}
		conn.Close()
		return
	}
	s.log.Debug("TCP client connected", zap.String("client_id", client.ID()))
}
