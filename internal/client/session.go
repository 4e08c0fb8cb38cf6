package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tzachbaksis/tcpovericmp/internal/icmp"
	"github.com/tzachbaksis/tcpovericmp/internal/logging"
	"github.com/tzachbaksis/tcpovericmp/internal/metrics"
	"github.com/tzachbaksis/tcpovericmp/internal/protocol"
	"github.com/tzachbaksis/tcpovericmp/internal/recovery"
)

// SessionState represents the state of a client session.
type SessionState int32

const (
	// StateListening means the listener is bound and no session exists.
	StateListening SessionState = iota
	// StateAccepted means a local connection was accepted.
	StateAccepted
	// StateRelaying means bytes flow in both directions.
	StateRelaying
	// StateClosing means the teardown frame is being sent.
	StateClosing
	// StateClosed means all session resources are released.
	StateClosed
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateAccepted:
		return "ACCEPTED"
	case StateRelaying:
		return "RELAYING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Close reasons, also used as metric labels.
const (
	ReasonLocalEOF      = "local_eof"
	ReasonLocalReset    = "local_reset"
	ReasonLocalWrite    = "local_write"
	ReasonSendFailed    = "icmp_send"
	ReasonPeerClose     = "peer_close"
	ReasonProtocolError = "protocol_error"
	ReasonShutdown      = "shutdown"
)

// inboundQueue bounds replies waiting to be written to the local socket.
const inboundQueue = 256

var errSessionClosed = errors.New("session closed")

// Session is one accepted local TCP connection relayed over ICMP.
//
// The session owns the local socket and borrows the ICMP socket from its
// Client. Exactly one teardown frame is sent per session, and no data frame
// follows it.
type Session struct {
	ID          uint64
	Destination netip.AddrPort
	Server      netip.Addr
	CreatedAt   time.Time

	local  net.Conn
	conn   icmp.PacketConn
	cfg    Config
	logger *slog.Logger
	m      *metrics.Metrics

	state     atomic.Int32
	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64

	inbound chan *protocol.Frame

	// localEOF is closed when the local side half-closes.
	localEOF chan struct{}

	// sendMu orders data frames before the teardown frame.
	sendMu   sync.Mutex
	tornDown bool

	// offered is set once a data frame has been handed to the ICMP socket.
	// The server has no backend for this session before that.
	offered atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	reason    string
	err       error
}

func newSession(id uint64, local net.Conn, conn icmp.PacketConn, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Session {
	s := &Session{
		ID:          id,
		Destination: cfg.Destination,
		Server:      cfg.ServerAddr,
		CreatedAt:   time.Now(),
		local:       local,
		conn:        conn,
		cfg:         cfg,
		m:           m,
		inbound:     make(chan *protocol.Frame, inboundQueue),
		localEOF:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.logger = logger.With(
		logging.KeySessionID, id,
		logging.KeyRemoteAddr, local.RemoteAddr().String())
	s.state.Store(int32(StateAccepted))
	return s
}

// State returns the current state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// BytesUp returns the bytes read from the local socket and sent as frames.
func (s *Session) BytesUp() uint64 {
	return s.bytesUp.Load()
}

// BytesDown returns the reply bytes written to the local socket.
func (s *Session) BytesDown() uint64 {
	return s.bytesDown.Load()
}

// Done is closed once the session has released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, or nil for a clean end.
// It is only meaningful after Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Reason returns the close reason once the session is closed.
func (s *Session) Reason() string {
	<-s.done
	return s.reason
}

// Run relays until either side ends the session. A session closed before
// Run returns its close error without relaying.
func (s *Session) Run() error {
	if !s.state.CompareAndSwap(int32(StateAccepted), int32(StateRelaying)) {
		return s.Err()
	}
	s.logger.Info("session started",
		logging.KeyDestination, s.Destination.String(),
		logging.KeyServer, s.Server.String())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "client.Session.upstream", func(any) {
			s.close(ReasonProtocolError, true, nil)
		})
		s.upstream()
	}()
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "client.Session.downstream", func(any) {
			s.close(ReasonProtocolError, true, nil)
		})
		s.downstream()
	}()
	wg.Wait()

	return s.Err()
}

// Close ends the session with a teardown frame. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.close(ReasonShutdown, true, nil)
	return nil
}

// upstream moves local bytes into data frames. EOF from the local side is
// a half-close: reading stops but replies keep flowing until the server
// sends a close notice or the linger timer fires.
func (s *Session) upstream() {
	buf := make([]byte, s.cfg.bufferSize())
	for {
		n, err := s.local.Read(buf)
		if n > 0 {
			if sendErr := s.sendData(buf[:n]); sendErr != nil {
				if !errors.Is(sendErr, errSessionClosed) {
					s.close(ReasonSendFailed, true, sendErr)
				}
				return
			}
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				s.logger.Debug("local side half-closed")
				close(s.localEOF)
				return
			}
			s.close(ReasonLocalReset, true, fmt.Errorf("%w: %v", ErrLocalConnectionClosed, err))
			return
		}
	}
}

// downstream writes queued reply payloads to the local socket in order.
// After a local half-close it also ends the session once replies stop
// arriving for LingerTimeout.
func (s *Session) downstream() {
	var (
		eof    = s.localEOF
		timer  *time.Timer
		linger <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case <-eof:
			eof = nil
			if d := s.cfg.LingerTimeout; d > 0 {
				timer = time.NewTimer(d)
				linger = timer.C
			}
		case <-linger:
			s.close(ReasonLocalEOF, true, nil)
			return
		case f := <-s.inbound:
			if f.IsTeardown() {
				s.close(ReasonPeerClose, false, nil)
				return
			}
			if err := s.writeLocal(f.Payload); err != nil {
				s.close(ReasonLocalWrite, true, fmt.Errorf("%w: %v", ErrLocalConnectionClosed, err))
				return
			}
			if timer != nil {
				timer.Reset(s.cfg.LingerTimeout)
			}
		}
	}
}

// expectsReplies reports whether the server can hold a backend for this
// session yet. Replies before that belong to an earlier session.
func (s *Session) expectsReplies() bool {
	return s.offered.Load()
}

// deliver queues an accepted reply frame. It blocks while the queue is full
// and gives up once the session is closed.
func (s *Session) deliver(f *protocol.Frame) {
	select {
	case s.inbound <- f:
	case <-s.done:
	}
}

// fail ends the session after a datagram from the server could not be
// parsed at all.
func (s *Session) fail(err error) {
	s.close(ReasonProtocolError, true, err)
}

func (s *Session) writeLocal(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if s.cfg.WriteTimeout > 0 {
		s.local.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	n, err := s.local.Write(p)
	s.bytesDown.Add(uint64(n))
	s.m.RecordBytes(metrics.DirectionDownstream, n)
	return err
}

func (s *Session) sendData(p []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.tornDown {
		return errSessionClosed
	}
	s.offered.Store(true)
	if err := s.send(protocol.CodeData, p); err != nil {
		return err
	}
	s.bytesUp.Add(uint64(len(p)))
	s.m.RecordBytes(metrics.DirectionUpstream, len(p))
	return nil
}

// sendTeardown sends the one teardown frame for this session.
func (s *Session) sendTeardown() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.tornDown {
		return
	}
	s.tornDown = true
	if err := s.send(protocol.CodeTeardown, nil); err != nil {
		s.logger.Debug("teardown frame not delivered", logging.KeyError, err)
	}
}

func (s *Session) send(code protocol.Code, payload []byte) error {
	msg, err := protocol.BuildTo(protocol.KindEchoRequest, code, payload, s.Destination)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(msg, icmp.Addr(s.Server)); err != nil {
		return fmt.Errorf("send %s frame to %s: %w", code, s.Server, err)
	}
	s.m.RecordFrameSent(protocol.KindEchoRequest.String(), code.String())
	return nil
}

// close runs the Closing -> Closed transition once. notify controls whether
// the server is sent a teardown frame.
func (s *Session) close(reason string, notify bool, err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		if notify {
			s.sendTeardown()
		} else {
			s.sendMu.Lock()
			s.tornDown = true
			s.sendMu.Unlock()
		}

		s.reason = reason
		s.err = err
		s.local.Close()
		s.state.Store(int32(StateClosed))
		close(s.done)

		s.m.RecordSessionClose(reason)

		attrs := []any{
			logging.KeyReason, reason,
			logging.KeyBytesUp, humanize.Bytes(s.bytesUp.Load()),
			logging.KeyBytesDown, humanize.Bytes(s.bytesDown.Load()),
			logging.KeyDuration, time.Since(s.CreatedAt).Round(time.Millisecond),
		}
		if err != nil {
			s.logger.Warn("session closed", append(attrs, logging.KeyError, err)...)
			return
		}
		s.logger.Info("session closed", attrs...)
	})
}
