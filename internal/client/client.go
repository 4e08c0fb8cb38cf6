// Package client implements the client side of the tunnel.
//
// The Client listens on a local TCP port. Each accepted connection becomes
// a Session whose bytes are sent to the tunnel server as echo request
// frames addressed to the configured destination. Echo replies from the
// server are written back to the local connection. Sessions are served one
// at a time; further connections wait in the accept backlog.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tzachbaksis/tcpovericmp/internal/icmp"
	"github.com/tzachbaksis/tcpovericmp/internal/logging"
	"github.com/tzachbaksis/tcpovericmp/internal/metrics"
	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
	"github.com/tzachbaksis/tcpovericmp/internal/recovery"
	"github.com/tzachbaksis/tcpovericmp/internal/sockopt"
)

var (
	// ErrLocalConnectionClosed wraps read and write failures on the local
	// socket, such as a reset or broken pipe.
	ErrLocalConnectionClosed = errors.New("local connection closed")

	// ErrForeignSource is returned for datagrams that are not replies from
	// the tunnel server for the active destination.
	ErrForeignSource = errors.New("datagram not from tunnel server")

	// ErrNoSession is returned for a reply that arrives while no session
	// is active.
	ErrNoSession = errors.New("no active session")

	// ErrStaleReply is returned for a reply that arrives before the active
	// session sent any data. It was meant for an earlier session.
	ErrStaleReply = errors.New("reply before session sent data")
)

// Client is the client tunnel engine.
type Client struct {
	cfg     Config
	conn    icmp.PacketConn
	logger  *slog.Logger
	metrics *metrics.Metrics
	drops   *logging.Ratelimited

	mu       sync.Mutex
	listener net.Listener
	active   *Session
	stopped  bool

	nextID   atomic.Uint64
	served   atomic.Uint64
	readOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a client engine. The client takes ownership of conn and
// closes it on Stop.
func New(cfg Config, conn icmp.PacketConn, logger *slog.Logger, m *metrics.Metrics) *Client {
	logger = logging.OrNop(logger).With(logging.KeyComponent, "client")
	return &Client{
		cfg:     cfg,
		conn:    conn,
		logger:  logger,
		metrics: metrics.OrIsolated(m),
		drops:   logging.NewRatelimited(logger, time.Second, 5),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the local listener and starts the accept and ICMP read
// loops. The client stops when ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: sockopt.ReuseAddr}
	ln, err := lc.Listen(ctx, "tcp4", c.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.ListenAddress, err)
	}

	// Addr is valid as soon as Start returns.
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, "client.Client.Serve")
		if err := c.Serve(ln); err != nil {
			c.logger.Error("accept loop ended", logging.KeyError, err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopCh:
		}
	}()

	return nil
}

// Serve accepts connections on ln and relays them one at a time. It
// returns nil after Stop, or the accept error that ended the loop.
func (c *Client) Serve(ln net.Listener) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		ln.Close()
		return nil
	}
	c.listener = ln
	c.mu.Unlock()

	c.startReadLoop()

	c.logger.Info("client listening",
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyServer, c.cfg.ServerAddr.String(),
		logging.KeyDestination, c.cfg.Destination.String())

	for {
		local, err := ln.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			c.logger.Debug("accept error", logging.KeyError, err)
			continue
		}
		c.handleSession(local)
	}
}

// Addr returns the listener address, or nil before Serve.
func (c *Client) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Active returns the session being relayed, if any.
func (c *Client) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// State returns the state of the active session, or StateListening when
// the client is waiting for a connection.
func (c *Client) State() SessionState {
	if s := c.Active(); s != nil {
		return s.State()
	}
	return StateListening
}

// SessionsServed returns the number of sessions that have ended.
func (c *Client) SessionsServed() uint64 {
	return c.served.Load()
}

// Stats is a point-in-time view of the client.
type Stats struct {
	State          string       `json:"state"`
	Listen         string       `json:"listen,omitempty"`
	Server         string       `json:"server"`
	Destination    string       `json:"destination"`
	SessionsServed uint64       `json:"sessions_served"`
	Active         *SessionInfo `json:"active,omitempty"`
}

// SessionInfo describes the active session.
type SessionInfo struct {
	ID        uint64        `json:"id"`
	Remote    string        `json:"remote"`
	Age       time.Duration `json:"age"`
	BytesUp   uint64        `json:"bytes_up"`
	BytesDown uint64        `json:"bytes_down"`
}

// Snapshot returns current statistics.
func (c *Client) Snapshot() Stats {
	st := Stats{
		State:          c.State().String(),
		Server:         c.cfg.ServerAddr.String(),
		Destination:    c.cfg.Destination.String(),
		SessionsServed: c.served.Load(),
	}
	if addr := c.Addr(); addr != nil {
		st.Listen = addr.String()
	}
	if s := c.Active(); s != nil {
		st.Active = &SessionInfo{
			ID:        s.ID,
			Remote:    s.local.RemoteAddr().String(),
			Age:       time.Since(s.CreatedAt),
			BytesUp:   s.BytesUp(),
			BytesDown: s.BytesDown(),
		}
	}
	return st
}

// IsRunning reports whether the client is serving and not stopped.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil && !c.stopped
}

// StatsSnapshot returns Snapshot for the health server.
func (c *Client) StatsSnapshot() any {
	return c.Snapshot()
}

// Stop closes the listener and the active session, then the ICMP socket.
// It is safe to call more than once.
func (c *Client) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		c.stopped = true
		ln := c.listener
		active := c.active
		c.mu.Unlock()

		if ln != nil {
			err = ln.Close()
		}
		if active != nil {
			active.Close()
		}
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}

		c.logger.Info("client stopped")
	})

	c.wg.Wait()
	return err
}

func (c *Client) handleSession(local net.Conn) {
	s := newSession(c.nextID.Add(1), local, c.conn, c.cfg, c.logger, c.metrics)
	c.metrics.RecordSessionOpen()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		s.close(ReasonShutdown, false, nil)
		return
	}
	c.active = s
	c.mu.Unlock()

	err := s.Run()

	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
	c.served.Add(1)

	if err != nil {
		c.logger.Debug("session ended with error",
			logging.KeySessionID, s.ID,
			logging.KeyError, err)
	}
}

func (c *Client) startReadLoop() {
	c.readOnce.Do(func() {
		c.wg.Add(1)
		go c.readLoop()
	})
}

// readLoop is the only reader of the ICMP socket.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "client.Client.readLoop")

	buf := make([]byte, c.cfg.maxDatagram())
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.drops.Log(slog.LevelWarn, "ICMP read failed", logging.KeyError, err)
			continue
		}
		c.HandleDatagram(addr, buf[:n])
	}
}

// HandleDatagram processes one datagram read from the ICMP socket.
//
// Datagrams from other hosts and replies for another destination are
// dropped. A datagram from the server too short to hold a frame ends the
// active session. Any other malformed datagram from the server, such as
// an echo request or a bad checksum, is only dropped.
func (c *Client) HandleDatagram(src net.Addr, datagram []byte) error {
	ip, ok := icmp.AddrIP(src)
	if !ok || ip != c.cfg.ServerAddr {
		c.metrics.RecordDrop(metrics.DropForeign)
		return ErrForeignSource
	}

	f, err := c.parse(datagram)
	if err == nil {
		err = f.Expect(protocol.KindEchoReply)
	}
	if err != nil {
		c.metrics.RecordDrop(dropReason(err))
		c.drops.Log(slog.LevelDebug, "dropping datagram",
			logging.KeyClient, ip.String(),
			logging.KeyError, err)
		if !errors.Is(err, protocol.ErrTruncatedFrame) {
			return err
		}
		if s := c.Active(); s != nil {
			s.fail(err)
		}
		return err
	}

	s := c.Active()
	if s == nil {
		c.metrics.RecordDrop(metrics.DropNoSession)
		return ErrNoSession
	}
	if f.Destination() != s.Destination {
		c.metrics.RecordDrop(metrics.DropForeign)
		return fmt.Errorf("%w: reply for %s", ErrForeignSource, f.Destination())
	}
	if !s.expectsReplies() {
		c.metrics.RecordDrop(metrics.DropStale)
		return fmt.Errorf("%w: %s %s", ErrStaleReply, f.Kind, f.Code)
	}

	c.metrics.RecordFrameReceived(f.Kind.String(), f.Code.String())
	s.deliver(f)
	return nil
}

func (c *Client) parse(datagram []byte) (*protocol.Frame, error) {
	if c.cfg.VerifyChecksum {
		return protocol.ParseVerified(datagram)
	}
	return protocol.Parse(datagram)
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
