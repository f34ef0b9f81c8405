package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"camstream-server/metrics"
)

// streamConn is the transport under a client. Only the write pump calls
// WriteChunk and Ping; ReadLoop runs on the read pump.
type streamConn interface {
	WriteChunk(p []byte) error
	Ping() error
	ReadLoop() error
	Close() error
	RemoteAddr() string
}

func newClient(sm *StreamManager, transport string, conn streamConn) *Client {
	return &Client{
		id:          uuid.NewString(),
		transport:   transport,
		conn:        conn,
		send:        make(chan chunk, sm.cfg.Server.ClientQueue),
		manager:     sm,
		connectedAt: time.Now(),
	}
}

// attach registers a new client on conn and starts its pumps. On error the
// caller still owns conn.
func (sm *StreamManager) attach(ctx context.Context, transport string, conn streamConn) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, RegisterTimeout)
	defer cancel()

	c := newClient(sm, transport, conn)
	if err := sm.Register(ctx, c); err != nil {
		return nil, err
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// readPump waits for the peer to go away
func (c *Client) readPump() {
	defer func() {
		c.manager.Unregister(c)
		c.conn.Close()
	}()

	if err := c.conn.ReadLoop(); err != nil && !isClosedErr(err) {
		c.manager.log.Debug("client read error", zap.String("client_id", c.id), zap.Error(err))
	}
}

// writePump sends queued chunks to the client and pings it periodically
func (c *Client) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ch, ok := <-c.send:
			if !ok {
				// Removed by the control loop
				return
			}
			err := c.conn.WriteChunk((*ch.buf)[:ch.n])
			c.manager.chunks.Put(ch.buf)
			if err != nil {
				if !isClosedErr(err) {
					c.manager.log.Warn("client write error", zap.String("client_id", c.id), zap.Error(err))
				}
				c.manager.Unregister(c)
				return
			}
			c.bytesSent.Add(uint64(ch.n))
			metrics.ClientBytesSent.WithLabelValues(c.transport).Add(float64(ch.n))
			c.manager.notify()

		case <-ticker.C:
			if err := c.conn.Ping(); err != nil {
				c.manager.Unregister(c)
				return
			}
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// wsConn streams chunks as binary websocket messages.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	once         sync.Once
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (w *wsConn) WriteChunk(p []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (w *wsConn) Ping() error {
	w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsConn) ReadLoop() error {
	w.conn.SetReadLimit(WebSocketReadLimit)
	w.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
		return nil
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// Close sends a close frame and closes the socket. Safe to call twice.
func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}

func (w *wsConn) RemoteAddr() string { return w.conn.RemoteAddr().String() }

// tcpConn streams the raw byte stream over a plain socket.
type tcpConn struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func newTCPConn(conn net.Conn, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{conn: conn, writeTimeout: writeTimeout}
}

func (t *tcpConn) WriteChunk(p []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	_, err := t.conn.Write(p)
	return err
}

// Ping is a no-op: a dead peer shows up as a failed write.
func (t *tcpConn) Ping() error { return nil }

// ReadLoop discards anything the peer sends until it hangs up.
func (t *tcpConn) ReadLoop() error {
	buf := make([]byte, TCPReadBuffer)
	for {
		if _, err := t.conn.Read(buf); err != nil {
			return err
		}
	}
}

func (t *tcpConn) Close() error { return t.conn.Close() }

func (t *tcpConn) RemoteAddr() string { return t.conn.RemoteAddr().String() }
