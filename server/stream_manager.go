package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"camstream-server/capture"
	"camstream-server/config"
	"camstream-server/metrics"
	"camstream-server/motion"
	"camstream-server/pool"
	"camstream-server/ringbuf"
	"camstream-server/snapshot"
)

// NewStreamManager wires the ring, client pool and detector for cfg. The
// snapshot writer is optional and must be started by the caller.
func NewStreamManager(cfg *config.Config, source capture.Source, snapshots *snapshot.Writer, log *zap.Logger) (*StreamManager, error) {
	if source == nil {
		return nil, errors.New("stream manager: capture source is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	var ringOpts []ringbuf.Option
	if cfg.Stream.Trace {
		ringOpts = append(ringOpts, ringbuf.WithLogger(log.Named("ring")))
	}
	ring, err := ringbuf.New(cfg.RingCapacity(), ringOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream ring: %w", err)
	}

	clients, err := pool.New[*Client](cfg.Server.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("failed to create client pool: %w", err)
	}

	var detector *motion.Detector
	if cfg.Motion.Enabled {
		detector, err = motion.New(cfg.Motion.Config)
		if err != nil {
			return nil, err
		}
		for _, t := range cfg.Motion.Inactive {
			if err := detector.SetActive(t[0], t[1], false); err != nil {
				return nil, err
			}
		}
	}

	chunkSize := cfg.Server.ChunkSize
	sm := &StreamManager{
		cfg:        cfg,
		log:        log,
		source:     source,
		ring:       ring,
		clients:    clients,
		detector:   detector,
		snapshots:  snapshots,
		alarms:     NewAlarmLog(cfg.Motion.History),
		register:   make(chan registration, ControlQueueSize),
		unregister: make(chan *Client, ControlQueueSize),
		queries:    make(chan func(), ControlQueueSize),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		status:     StatusStarting,
	}
	sm.chunks.New = func() any {
		b := make([]byte, chunkSize)
		return &b
	}
	return sm, nil
}

// Done is closed when Run returns.
func (sm *StreamManager) Done() <-chan struct{} { return sm.done }

// Alarms returns the alarm history.
func (sm *StreamManager) Alarms() *AlarmLog { return sm.alarms }

// Run is the control loop. It returns nil when ctx is cancelled and an error
// when the capture source gave up.
func (sm *StreamManager) Run(ctx context.Context) error {
	defer close(sm.done)

	captureCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Two frames alternate between the capture goroutine and this loop.
	free := make(chan *capture.Frame, 2)
	ready := make(chan *capture.Frame)
	for i := 0; i < 2; i++ {
		free <- capture.NewFrame(sm.cfg.Capture.Width, sm.cfg.Capture.Height,
			capture.PixelFormat(sm.cfg.Capture.PixelFormat))
	}
	captureErr := make(chan error, 1)
	go func() { captureErr <- sm.captureLoop(captureCtx, free, ready) }()

	sm.log.Info("stream started",
		zap.Int("ring_capacity", sm.ring.Cap()),
		zap.Int("frame_size", sm.cfg.FrameSize()),
		zap.Int("max_clients", sm.clients.Cap()))

	for {
		select {
		case <-ctx.Done():
			sm.shutdown(nil)
			return nil
		case err := <-captureErr:
			sm.shutdown(err)
			return err
		case f := <-ready:
			sm.processFrame(f)
			free <- f
		case reg := <-sm.register:
			reg.result <- sm.admit(reg.client)
		case c := <-sm.unregister:
			sm.drop(c, "disconnected")
		case q := <-sm.queries:
			q()
		case <-sm.wake:
			sm.pump()
		}
	}
}

// captureLoop reads frames until ctx ends, restarting the source after
// failures and giving up after MaxRetries consecutive failed attempts.
func (sm *StreamManager) captureLoop(ctx context.Context, free chan *capture.Frame, ready chan<- *capture.Frame) error {
	maxRetries := sm.cfg.Capture.MaxRetries
	retryCount := 0

	for {
		delivered, err := sm.streamFrames(ctx, free, ready)
		if ctx.Err() != nil {
			return nil
		}
		if delivered > 0 {
			// Reset on a connection that produced frames
			retryCount = 0
		}
		retryCount++
		metrics.CaptureErrors.Inc()

		sm.mu.Lock()
		sm.lastError = err
		sm.errorCount++
		sm.status = StatusError
		sm.mu.Unlock()

		sm.log.Warn("capture error",
			zap.Int("attempt", retryCount),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if maxRetries > 0 && retryCount >= maxRetries {
			return fmt.Errorf("capture failed after %d attempts: %w", retryCount, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sm.cfg.Capture.RetryDelay):
		}
	}
}

func (sm *StreamManager) streamFrames(ctx context.Context, free chan *capture.Frame, ready chan<- *capture.Frame) (int, error) {
	if err := sm.source.Open(ctx); err != nil {
		return 0, err
	}
	defer sm.source.Close()

	delivered := 0
	for {
		var f *capture.Frame
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case f = <-free:
		}

		if err := sm.source.ReadFrame(ctx, f); err != nil {
			free <- f
			return delivered, err
		}
		metrics.FramesCaptured.Inc()

		sm.mu.Lock()
		sm.lastFrameTime = f.Timestamp
		sm.status = StatusRunning
		sm.mu.Unlock()

		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case ready <- f:
			delivered++
		}
	}
}

// processFrame runs the per-frame pipeline: detection, snapshots, ring write
// and client fan-out.
func (sm *StreamManager) processFrame(f *capture.Frame) {
	start := time.Now()
	sm.frameCount++

	if sm.detector != nil {
		res := sm.detector.Detect(f)
		metrics.ChangedTiles.Observe(float64(res.Changed))
		if res.Alarm {
			sm.raiseAlarm(f, res)
		}
	}

	if sm.snapshots != nil && sm.cfg.Snapshot.LiveEvery > 0 &&
		sm.frameCount%uint64(sm.cfg.Snapshot.LiveEvery) == 0 {
		sm.snapshots.SubmitLive(f)
	}

	sm.publish(f)
	sm.pump()

	metrics.FrameProcessing.Observe(time.Since(start).Seconds())
}

func (sm *StreamManager) raiseAlarm(f *capture.Frame, res motion.Result) {
	n := sm.alarmCount
	sm.alarmCount++
	metrics.Alarms.Inc()

	ev := AlarmEvent{
		Number:  n,
		FrameID: f.Seq,
		Time:    f.Timestamp,
		Changed: res.Changed,
	}
	if sm.snapshots != nil {
		if path, ok := sm.snapshots.SubmitAlarm(f, n); ok {
			ev.Snapshot = filepath.Base(path)
		}
	}
	sm.alarms.Record(ev)
	sm.log.Info("motion alarm",
		zap.Uint64("alarm", n),
		zap.Uint64("frame", f.Seq),
		zap.Int("changed_tiles", res.Changed))
}

// publish appends the frame to the ring. The oldest bytes are evicted first
// so that the write only truncates a frame larger than the whole ring.
func (sm *StreamManager) publish(f *capture.Frame) {
	if need := len(f.Pix) - sm.ring.Free(); need > 0 {
		evicted := sm.ring.Discard(need)
		metrics.StreamBytes.WithLabelValues("evicted").Add(float64(evicted))
	}
	n := sm.ring.Write(f.Pix)
	metrics.StreamBytes.WithLabelValues("written").Add(float64(n))
	if dropped := len(f.Pix) - n; dropped > 0 {
		metrics.StreamBytes.WithLabelValues("truncated").Add(float64(dropped))
		sm.log.Warn("frame truncated", zap.Uint64("frame", f.Seq), zap.Int("dropped", dropped))
	}
	sm.lastFrameLen = n
	sm.lastFrameSeq = f.Seq
	metrics.RingOccupied.Set(float64(sm.ring.Occupied()))
}

// pump hands every client as much of the stream as its queue takes. Clients
// whose cursor was overrun are disconnected after the walk.
func (sm *StreamManager) pump() {
	var lagged []*Client
	for c := range sm.clients.Iterate() {
		if !sm.fill(c) {
			lagged = append(lagged, c)
		}
	}
	for _, c := range lagged {
		metrics.ClientsLagged.Inc()
		sm.log.Warn("client fell behind the stream",
			zap.String("client_id", c.id),
			zap.Uint64("lag_bytes", sm.ring.Lag(c.cursor)),
			zap.Int("ring_capacity", sm.ring.Cap()))
		sm.drop(c, "lagged")
	}
}

// fill returns false when c can no longer be served.
func (sm *StreamManager) fill(c *Client) bool {
	if !sm.ring.Valid(c.cursor) {
		return false
	}
	for len(c.send) < cap(c.send) {
		buf := sm.chunks.Get().(*[]byte)
		n, err := sm.ring.ReadCursor(&c.cursor, *buf)
		if err != nil || n == 0 {
			sm.chunks.Put(buf)
			return err == nil
		}
		c.send <- chunk{buf: buf, n: n}
	}
	return true
}

// notify asks the loop to pump again, typically after a client drained a
// chunk. It never blocks.
func (sm *StreamManager) notify() {
	select {
	case sm.wake <- struct{}{}:
	default:
	}
}

// admit places c in the client pool at the live edge of the stream.
func (sm *StreamManager) admit(c *Client) error {
	if !c.admission.CompareAndSwap(admissionPending, admissionStarted) {
		sm.log.Debug("registration abandoned", zap.String("client_id", c.id))
		return errRegistrationAbandoned
	}
	h, err := sm.clients.Insert(c)
	if err != nil {
		metrics.ClientsRejected.WithLabelValues(c.transport).Inc()
		sm.log.Warn("client rejected",
			zap.String("client_id", c.id),
			zap.String("transport", c.transport),
			zap.Error(err))
		return err
	}
	c.handle = h
	c.cursor = sm.ring.TailCursor()
	metrics.ClientsConnected.WithLabelValues(c.transport).Inc()
	sm.log.Info("client added",
		zap.String("client_id", c.id),
		zap.String("transport", c.transport),
		zap.String("remote", c.conn.RemoteAddr()),
		zap.Int("clients", sm.clients.Len()))
	return nil
}

// drop removes c from the pool and closes its queue, which makes its writer
// close the connection.
func (sm *StreamManager) drop(c *Client, reason string) {
	if c.removed {
		return
	}
	if err := sm.clients.Remove(c); err != nil {
		sm.log.Warn("client not in pool", zap.String("client_id", c.id), zap.Error(err))
		return
	}
	sm.detach(c, reason)
}

// kick disconnects the client with the given id.
func (sm *StreamManager) kick(id string) bool {
	var target *Client
	for c := range sm.clients.Iterate() {
		if c.id == id {
			target = c
			break
		}
	}
	if target == nil {
		return false
	}
	if err := sm.clients.Release(target.handle); err != nil {
		sm.log.Warn("client release failed", zap.String("client_id", id), zap.Error(err))
		return false
	}
	sm.detach(target, "kicked")
	return true
}

func (sm *StreamManager) detach(c *Client, reason string) {
	c.removed = true
	close(c.send)
	metrics.ClientsConnected.WithLabelValues(c.transport).Dec()
	sm.log.Info("client removed",
		zap.String("client_id", c.id),
		zap.String("reason", reason),
		zap.Uint64("bytes_sent", c.bytesSent.Load()),
		zap.Int("clients", sm.clients.Len()))
}

func (sm *StreamManager) shutdown(cause error) {
	var all []*Client
	for c := range sm.clients.Iterate() {
		all = append(all, c)
	}
	for _, c := range all {
		sm.drop(c, "shutdown")
	}
	sm.clients.Close()

	sm.mu.Lock()
	if cause != nil {
		sm.status = StatusFailed
		sm.lastError = cause
	} else {
		sm.status = StatusStopped
	}
	sm.mu.Unlock()
	sm.log.Info("stream stopped", zap.Uint64("frames", sm.frameCount), zap.Error(cause))
}

// Register admits c through the control loop. It fails with
// pool.ErrPoolExhausted when every client slot is taken. When ctx expires
// before the loop gets to c, c is never admitted.
func (sm *StreamManager) Register(ctx context.Context, c *Client) error {
	reg := registration{client: c, result: make(chan error, 1)}
	select {
	case sm.register <- reg:
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.done:
		return ErrStreamStopped
	}
	select {
	case err := <-reg.result:
		return err
	case <-ctx.Done():
		if c.admission.CompareAndSwap(admissionPending, admissionAbandoned) {
			return ctx.Err()
		}
		// The loop is already admitting c and answers without blocking.
		select {
		case err := <-reg.result:
			return err
		case <-sm.done:
			return ErrStreamStopped
		}
	case <-sm.done:
		return ErrStreamStopped
	}
}

// Unregister asks the loop to remove c. Removing a client twice is harmless.
func (sm *StreamManager) Unregister(c *Client) {
	select {
	case sm.unregister <- c:
	case <-sm.done:
	}
}

// do runs fn on the control loop and waits for it.
func (sm *StreamManager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	q := func() {
		fn()
		close(finished)
	}
	select {
	case sm.queries <- q:
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.done:
		return ErrStreamStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.done:
		return ErrStreamStopped
	}
}

// Stats returns a consistent view of the stream state.
func (sm *StreamManager) Stats(ctx context.Context) (StreamStats, error) {
	var st StreamStats
	err := sm.do(ctx, func() {
		st = StreamStats{
			Source:       sm.cfg.Capture.Source,
			Width:        sm.cfg.Capture.Width,
			Height:       sm.cfg.Capture.Height,
			PixelFormat:  sm.cfg.Capture.PixelFormat,
			FrameSize:    sm.cfg.FrameSize(),
			FrameCount:   sm.frameCount,
			AlarmCount:   sm.alarmCount,
			RingCapacity: sm.ring.Cap(),
			RingOccupied: sm.ring.Occupied(),
			RingFree:     sm.ring.Free(),
			BytesWritten: sm.ring.Written(),
			ClientCount:  sm.clients.Len(),
			MaxClients:   sm.clients.Cap(),
		}
	})
	if err != nil {
		return st, err
	}

	sm.mu.RLock()
	st.Status = sm.status
	st.LastFrameTime = sm.lastFrameTime
	st.ErrorCount = sm.errorCount
	if sm.lastError != nil {
		st.LastError = sm.lastError.Error()
	}
	sm.mu.RUnlock()
	return st, nil
}

// Clients lists the connected clients.
func (sm *StreamManager) Clients(ctx context.Context) ([]ClientInfo, error) {
	var out []ClientInfo
	err := sm.do(ctx, func() {
		out = make([]ClientInfo, 0, sm.clients.Len())
		for c := range sm.clients.Iterate() {
			out = append(out, ClientInfo{
				ID:          c.id,
				Transport:   c.transport,
				RemoteAddr:  c.conn.RemoteAddr(),
				ConnectedAt: c.connectedAt,
				BytesSent:   c.bytesSent.Load(),
				LagBytes:    sm.ring.Lag(c.cursor),
				Offset:      c.cursor.Offset(),
				Queued:      len(c.send),
			})
		}
	})
	return out, err
}

// Kick disconnects a client by id and reports whether it existed.
func (sm *StreamManager) Kick(ctx context.Context, id string) (bool, error) {
	var found bool
	err := sm.do(ctx, func() { found = sm.kick(id) })
	return found, err
}

// LatestFrame copies the newest complete frame out of the ring.
func (sm *StreamManager) LatestFrame(ctx context.Context) ([]byte, FrameInfo, error) {
	var (
		data []byte
		info FrameInfo
		ok   bool
	)
	err := sm.do(ctx, func() {
		size := sm.cfg.FrameSize()
		if sm.lastFrameSeq == 0 || sm.lastFrameLen != size {
			return
		}
		data = make([]byte, size)
		sm.ring.PeekFrom(sm.ring.TailCursor().Pos()-size, data)
		info = FrameInfo{
			Seq:         sm.lastFrameSeq,
			Width:       sm.cfg.Capture.Width,
			Height:      sm.cfg.Capture.Height,
			PixelFormat: sm.cfg.Capture.PixelFormat,
		}
		ok = true
	})
	if err != nil {
		return nil, info, err
	}
	if !ok {
		return nil, info, ErrNoFrame
	}
	return data, info, nil
}

// Status returns the capture status without going through the loop.
func (sm *StreamManager) Status() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}
