// Package server implements the server side of the tunnel.
//
// The Server reads echo requests from any client on one ICMP socket. Each
// (client, destination) pair gets its own Backend TCP connection, opened on
// the first data frame and closed on a teardown frame, a target close or
// idle eviction. Bytes read from a backend go back to its client as echo
// replies carrying the same destination.
//
// The read loop never blocks on a target. Dials run in their own goroutine
// while frames for that key are queued, and each backend has its own
// writer.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tzachbaksis/tcpovericmp/internal/icmp"
	"github.com/tzachbaksis/tcpovericmp/internal/logging"
	"github.com/tzachbaksis/tcpovericmp/internal/metrics"
	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
	"github.com/tzachbaksis/tcpovericmp/internal/recovery"
)

var (
	// ErrBackendConnectFailed is returned when a data frame for a new key
	// cannot start a dial. The frame is dropped. A dial that fails later
	// drops the frames queued behind it.
	ErrBackendConnectFailed = errors.New("backend connect failed")

	// ErrBackendConnectionClosed is returned when a data frame reaches a
	// backend that is already closing.
	ErrBackendConnectionClosed = errors.New("backend connection closed")

	// ErrBackendLimit is wrapped by ErrBackendConnectFailed when
	// MaxBackends are open.
	ErrBackendLimit = errors.New("backend limit reached")

	// ErrConnectRateLimited is wrapped by ErrBackendConnectFailed when the
	// connect rate is exceeded.
	ErrConnectRateLimited = errors.New("connect rate exceeded")

	// ErrBackendOverflow is returned when more than WriteQueue payloads are
	// waiting for one backend. The backend is closed.
	ErrBackendOverflow = errors.New("backend write queue overflow")

	// ErrServerClosed is returned after Close.
	ErrServerClosed = errors.New("server closed")
)

// Close reasons, also used as metric labels.
const (
	ReasonTeardown     = "teardown"
	ReasonTargetClosed = "target_closed"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonIdle         = "idle"
	ReasonOverflow     = "overflow"
	ReasonShutdown     = "shutdown"
)

// DialFunc opens a TCP connection to a target.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Server is the server tunnel engine.
type Server struct {
	cfg     Config
	conn    icmp.PacketConn
	logger  *slog.Logger
	metrics *metrics.Metrics
	drops   *logging.Ratelimited
	limiter *rate.Limiter
	dial    DialFunc

	mu       sync.RWMutex
	backends map[Key]*Backend
	pending  map[Key]*pendingDial

	startedAt      time.Time
	opened         atomic.Uint64
	closedCount    atomic.Uint64
	connectFailed  atomic.Uint64
	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a server engine. The server takes ownership of conn and
// closes it on Close.
func New(cfg Config, conn icmp.PacketConn, logger *slog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logging.OrNop(logger).With(logging.KeyComponent, "server")

	dialer := &net.Dialer{}
	s := &Server{
		cfg:       cfg,
		conn:      conn,
		logger:    logger,
		metrics:   metrics.OrIsolated(m),
		drops:     logging.NewRatelimited(logger, time.Second, 10),
		dial:      dialer.DialContext,
		backends:  make(map[Key]*Backend),
		pending:   make(map[Key]*pendingDial),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.ConnectRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.connectBurst())
	}

	if cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	return s
}

// Run reads datagrams until ctx is cancelled or the server is closed.
// Datagrams are handled one at a time, in arrival order, and handling one
// never waits on a dial or a target write.
func (s *Server) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("server started",
		"verify_checksum", s.cfg.VerifyChecksum,
		"idle_timeout", s.cfg.IdleTimeout,
		"max_backends", s.cfg.MaxBackends)

	buf := make([]byte, s.cfg.maxDatagram())
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.drops.Log(slog.LevelWarn, "ICMP read failed", logging.KeyError, err)
			continue
		}

		src, ok := icmp.AddrIP(addr)
		if !ok {
			s.recordDrop(metrics.DropForeign)
			continue
		}
		s.handleSafely(src, buf[:n])
	}
}

// handleSafely keeps a panic in one datagram from ending the read loop.
func (s *Server) handleSafely(src netip.Addr, datagram []byte) {
	defer recovery.RecoverWithLog(s.logger, "server.Server.HandleDatagram")

	if err := s.HandleDatagram(src, datagram); err != nil {
		s.drops.Log(slog.LevelDebug, "datagram dropped",
			logging.KeyClient, src.String(),
			logging.KeyError, err)
	}
}

// HandleDatagram processes one datagram, IPv4 header included, received
// from src. The returned error describes why the datagram was dropped; it
// never affects other flows.
func (s *Server) HandleDatagram(src netip.Addr, datagram []byte) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	f, err := s.parse(datagram)
	if err == nil {
		err = f.Expect(protocol.KindEchoRequest)
	}
	if err != nil {
		s.recordDrop(dropReason(err))
		return err
	}

	s.framesReceived.Add(1)
	s.metrics.RecordFrameReceived(f.Kind.String(), f.Code.String())
	key := Key{Client: src.Unmap(), Destination: f.Destination()}

	if f.IsTeardown() {
		s.teardown(key)
		return nil
	}

	return s.forward(key, f.Payload)
}

// forward queues payload for the backend of key, starting a dial when the
// key is new. Payloads for a key reach its target in arrival order.
func (s *Server) forward(key Key, payload []byte) error {
	s.mu.Lock()
	if b, ok := s.backends[key]; ok {
		s.mu.Unlock()
		if len(payload) == 0 {
			return nil
		}
		return s.enqueue(b, payload)
	}

	if p, ok := s.pending[key]; ok {
		if len(payload) == 0 {
			s.mu.Unlock()
			return nil
		}
		if len(p.frames) >= s.cfg.writeQueue() {
			delete(s.pending, key)
			p.abandon()
			s.mu.Unlock()
			s.recordDrop(metrics.DropOverflow)
			s.notifyClose(key)
			return fmt.Errorf("%w: %s: dial in progress", ErrBackendOverflow, key)
		}
		p.frames = append(p.frames, payload)
		s.mu.Unlock()
		return nil
	}

	if s.closed.Load() {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.cfg.MaxBackends > 0 && len(s.backends)+len(s.pending) >= s.cfg.MaxBackends {
		s.mu.Unlock()
		s.recordConnectFailure()
		s.recordDrop(metrics.DropConnectFailed)
		return fmt.Errorf("%w: %s: %w", ErrBackendConnectFailed, key, ErrBackendLimit)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.mu.Unlock()
		s.recordConnectFailure()
		s.recordDrop(metrics.DropConnectFailed)
		return fmt.Errorf("%w: %s: %w", ErrBackendConnectFailed, key, ErrConnectRateLimited)
	}

	p := newPendingDial(s.ctx, s.cfg.connectTimeout())
	if len(payload) > 0 {
		p.frames = append(p.frames, payload)
	}
	s.pending[key] = p
	s.wg.Add(1)
	s.mu.Unlock()

	go s.dialBackend(key, p)
	return nil
}

// enqueue hands payload to b's writer. A backend whose queue is full is
// closed rather than silently losing bytes from the middle of the stream.
func (s *Server) enqueue(b *Backend, payload []byte) error {
	err := b.enqueue(payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errQueueFull):
		s.recordDrop(metrics.DropOverflow)
		s.removeBackend(b, ReasonOverflow, s.cfg.NotifyClose)
		return fmt.Errorf("%w: %s", ErrBackendOverflow, b.Key)
	default:
		s.recordDrop(metrics.DropBackendClosed)
		return fmt.Errorf("%w: %s: %v", ErrBackendConnectionClosed, b.Key, err)
	}
}

// Lookup returns the backend for key.
func (s *Server) Lookup(key Key) (*Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.backends[key]
	return b, ok
}

// ActiveCount returns the number of open backends.
func (s *Server) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.backends)
}

// PendingCount returns the number of dials in progress.
func (s *Server) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.pending)
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	ActiveBackends  int           `json:"active_backends"`
	PendingDials    int           `json:"pending_dials"`
	BackendsOpened  uint64        `json:"backends_opened"`
	BackendsClosed  uint64        `json:"backends_closed"`
	ConnectFailures uint64        `json:"connect_failures"`
	FramesReceived  uint64        `json:"frames_received"`
	FramesDropped   uint64        `json:"frames_dropped"`
	Backends        []BackendInfo `json:"backends"`
}

// Snapshot returns current statistics, backends ordered by key.
func (s *Server) Snapshot() Stats {
	s.mu.RLock()
	infos := make([]BackendInfo, 0, len(s.backends))
	for _, b := range s.backends {
		infos = append(infos, b.Info())
	}
	pending := len(s.pending)
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	return Stats{
		Uptime:          time.Since(s.startedAt),
		ActiveBackends:  len(infos),
		PendingDials:    pending,
		BackendsOpened:  s.opened.Load(),
		BackendsClosed:  s.closedCount.Load(),
		ConnectFailures: s.connectFailed.Load(),
		FramesReceived:  s.framesReceived.Load(),
		FramesDropped:   s.framesDropped.Load(),
		Backends:        infos,
	}
}

// IsRunning reports whether the server has not been closed.
func (s *Server) IsRunning() bool {
	return !s.closed.Load()
}

// StatsSnapshot returns Snapshot for the health server.
func (s *Server) StatsSnapshot() any {
	return s.Snapshot()
}

// Close stops the server, closes every backend and the ICMP socket.
// It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.mu.Lock()
		backends := s.backends
		s.backends = make(map[Key]*Backend)
		for _, p := range s.pending {
			p.abandon()
		}
		s.pending = make(map[Key]*pendingDial)
		s.mu.Unlock()

		err = s.conn.Close()
		for _, b := range backends {
			s.closeBackend(b, ReasonShutdown, false)
		}

		s.logger.Info("server stopped", logging.KeyCount, len(backends))
	})

	s.wg.Wait()
	return err
}

func (s *Server) parse(datagram []byte) (*protocol.Frame, error) {
	if s.cfg.VerifyChecksum {
		return protocol.ParseVerified(datagram)
	}
	return protocol.Parse(datagram)
}

// dialBackend opens the target connection for key and installs it with the
// payloads queued while the dial was in progress.
func (s *Server) dialBackend(key Key, p *pendingDial) {
	defer s.wg.Done()
	defer recovery.RecoverWithCallback(s.logger, "server.Server.dialBackend", func(any) {
		s.mu.Lock()
		if s.pending[key] == p {
			delete(s.pending, key)
		}
		s.mu.Unlock()
	})

	start := time.Now()
	conn, err := s.dial(p.ctx, "tcp4", key.Destination.String())
	p.cancel()
	latency := time.Since(start)

	s.mu.Lock()
	if s.pending[key] == p {
		delete(s.pending, key)
	}
	abandoned, torn, frames := p.abandoned, p.torn, p.frames

	if err != nil {
		s.mu.Unlock()
		if abandoned {
			return
		}
		s.recordConnectFailure()
		for range frames {
			s.recordDrop(metrics.DropConnectFailed)
		}
		s.logger.Warn("backend connect failed",
			logging.KeyClient, key.Client.String(),
			logging.KeyDestination, key.Destination.String(),
			logging.KeyError, err)
		return
	}
	if abandoned || s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}

	b := newBackend(key, conn, s.cfg.writeQueue())
	for _, payload := range frames {
		b.queue <- payload
	}

	// A teardown that arrived during the dial still lets the queued
	// payloads reach the target before the connection closes.
	if torn {
		s.wg.Add(1)
		s.mu.Unlock()
		s.recordOpen(b, latency)
		go s.backendWriter(b)
		s.closeBackend(b, ReasonTeardown, true)
		return
	}

	s.backends[key] = b
	s.wg.Add(2)
	s.mu.Unlock()

	s.recordOpen(b, latency)
	go s.backendReader(b)
	go s.backendWriter(b)
}

func (s *Server) recordOpen(b *Backend, latency time.Duration) {
	s.opened.Add(1)
	s.metrics.RecordBackendOpen(latency.Seconds())
	s.logger.Debug("backend opened",
		logging.KeyClient, b.Key.Client.String(),
		logging.KeyDestination, b.Key.Destination.String(),
		logging.KeyDuration, latency.Round(time.Microsecond))
}

// backendWriter writes queued payloads to the target in order. It exits
// once the backend is sealed and its queue drained, and then closes the
// connection.
func (s *Server) backendWriter(b *Backend) {
	defer s.wg.Done()
	defer b.Close()
	defer recovery.RecoverWithCallback(s.logger, "server.Server.backendWriter", func(any) {
		s.removeBackend(b, ReasonWriteError, false)
	})

	for payload := range b.queue {
		if b.IsClosed() {
			continue
		}
		if err := b.write(payload, s.cfg.WriteTimeout); err != nil {
			if b.IsClosed() {
				continue
			}
			s.recordDrop(metrics.DropBackendClosed)
			s.drops.Log(slog.LevelDebug, "backend write failed",
				logging.KeyClient, b.Key.Client.String(),
				logging.KeyDestination, b.Key.Destination.String(),
				logging.KeyError, err)
			s.removeBackend(b, ReasonWriteError, s.cfg.NotifyClose)
			continue
		}
		s.metrics.RecordBytes(metrics.DirectionUpstream, len(payload))
	}
}

// backendReader relays target bytes to the client until the backend closes.
// Bytes read after the backend left the table are discarded so they cannot
// reach a later session of the same client and destination.
func (s *Server) backendReader(b *Backend) {
	defer s.wg.Done()
	defer recovery.RecoverWithCallback(s.logger, "server.Server.backendReader", func(any) {
		s.removeBackend(b, ReasonReadError, false)
	})

	buf := make([]byte, s.cfg.bufferSize())
	for {
		n, err := b.read(buf)
		if n > 0 && !b.isSealed() {
			if sendErr := s.send(b.Key, protocol.CodeData, buf[:n]); sendErr != nil {
				s.drops.Log(slog.LevelWarn, "reply not delivered",
					logging.KeyClient, b.Key.Client.String(),
					logging.KeyError, sendErr)
			} else {
				s.metrics.RecordBytes(metrics.DirectionDownstream, n)
			}
		}
		if err != nil {
			if b.IsClosed() {
				return
			}
			reason := ReasonReadError
			if errors.Is(err, io.EOF) {
				reason = ReasonTargetClosed
			}
			s.removeBackend(b, reason, s.cfg.NotifyClose)
			return
		}
	}
}

// teardown removes the backend for key once its queued payloads are
// written. A dial in progress finishes the same way. A teardown for an
// unknown key is a no-op.
func (s *Server) teardown(key Key) {
	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		delete(s.pending, key)
		if len(p.frames) == 0 {
			p.abandon()
		} else {
			p.torn = true
		}
		s.mu.Unlock()
		return
	}
	b, ok := s.backends[key]
	if ok {
		delete(s.backends, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.closeBackend(b, ReasonTeardown, true)
}

// removeBackend removes b if it is still the table entry for its key, then
// closes it. notify sends the client a close notice.
func (s *Server) removeBackend(b *Backend, reason string, notify bool) {
	s.mu.Lock()
	cur, ok := s.backends[b.Key]
	owned := ok && cur == b
	if owned {
		delete(s.backends, b.Key)
	}
	s.mu.Unlock()

	if !owned {
		b.Close()
		return
	}

	s.closeBackend(b, reason, false)
	if notify {
		s.notifyClose(b.Key)
	}
}

// notifyClose sends the client of key a close notice.
func (s *Server) notifyClose(key Key) {
	if s.closed.Load() {
		return
	}
	if err := s.send(key, protocol.CodeTeardown, nil); err != nil {
		s.logger.Debug("close notice not delivered",
			logging.KeyClient, key.Client.String(),
			logging.KeyError, err)
	}
}

// closeBackend closes a backend already removed from the table. With flush
// set, payloads already queued are written before the connection closes.
func (s *Server) closeBackend(b *Backend, reason string, flush bool) {
	if flush {
		b.seal()
	} else {
		b.Close()
	}
	s.closedCount.Add(1)
	s.metrics.RecordBackendClose(reason)
	s.logger.Debug("backend closed",
		logging.KeyClient, b.Key.Client.String(),
		logging.KeyDestination, b.Key.Destination.String(),
		logging.KeyReason, reason,
		logging.KeyBytesUp, b.BytesUp(),
		logging.KeyBytesDown, b.BytesDown())
}

func (s *Server) send(key Key, code protocol.Code, payload []byte) error {
	msg, err := protocol.BuildTo(protocol.KindEchoReply, code, payload, key.Destination)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(msg, icmp.Addr(key.Client)); err != nil {
		return fmt.Errorf("send %s reply to %s: %w", code, key.Client, err)
	}
	s.metrics.RecordFrameSent(protocol.KindEchoReply.String(), code.String())
	return nil
}

func (s *Server) recordDrop(reason string) {
	s.framesDropped.Add(1)
	s.metrics.RecordDrop(reason)
}

func (s *Server) recordConnectFailure() {
	s.connectFailed.Add(1)
	s.metrics.RecordConnectFailure()
}

// cleanupLoop periodically evicts idle backends.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.Server.cleanupLoop")

	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Server) cleanupExpired() {
	s.mu.RLock()
	var expired []*Backend
	for _, b := range s.backends {
		if b.IsExpired(s.cfg.IdleTimeout) {
			expired = append(expired, b)
		}
	}
	s.mu.RUnlock()

	for _, b := range expired {
		s.logger.Info("evicting idle backend",
			logging.KeyClient, b.Key.Client.String(),
			logging.KeyDestination, b.Key.Destination.String(),
			logging.KeyDuration, b.Idle().Round(time.Second))
		s.removeBackend(b, ReasonIdle, s.cfg.NotifyClose)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrTruncatedFrame):
		return metrics.DropTruncated
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return metrics.DropChecksum
	case errors.Is(err, protocol.ErrReservedNotZero):
		return metrics.DropReserved
	default:
		return metrics.DropInvalidKind
	}
}
