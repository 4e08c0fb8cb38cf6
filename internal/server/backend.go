package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errBackendSealed = errors.New("backend no longer accepts writes")
	errQueueFull     = errors.New("write queue full")
)

// Backend is a TCP connection to a target held open for one Key.
//
// Payloads are queued and written to the target by one writer goroutine,
// so a slow target never stalls the ICMP read loop.
type Backend struct {
	Key       Key
	CreatedAt time.Time

	conn         net.Conn
	lastActivity atomic.Int64
	bytesUp      atomic.Uint64
	bytesDown    atomic.Uint64

	// mu guards sends on queue against seal closing it.
	mu     sync.Mutex
	queue  chan []byte
	sealed bool

	closeOnce sync.Once
	closed    atomic.Bool
}

func newBackend(key Key, conn net.Conn, queueLen int) *Backend {
	b := &Backend{
		Key:       key,
		CreatedAt: time.Now(),
		conn:      conn,
		queue:     make(chan []byte, queueLen),
	}
	b.touch()
	return b
}

// BackendInfo is a point-in-time view of a backend.
type BackendInfo struct {
	Key       string        `json:"key"`
	Age       time.Duration `json:"age"`
	Idle      time.Duration `json:"idle"`
	BytesUp   uint64        `json:"bytes_up"`
	BytesDown uint64        `json:"bytes_down"`
	Queued    int           `json:"queued"`
}

// Info returns a snapshot of the backend.
func (b *Backend) Info() BackendInfo {
	return BackendInfo{
		Key:       b.Key.String(),
		Age:       time.Since(b.CreatedAt),
		Idle:      b.Idle(),
		BytesUp:   b.bytesUp.Load(),
		BytesDown: b.bytesDown.Load(),
		Queued:    b.queued(),
	}
}

// RemoteAddr returns the target address of the connection.
func (b *Backend) RemoteAddr() net.Addr {
	return b.conn.RemoteAddr()
}

// BytesUp returns bytes written to the target.
func (b *Backend) BytesUp() uint64 {
	return b.bytesUp.Load()
}

// BytesDown returns bytes read from the target.
func (b *Backend) BytesDown() uint64 {
	return b.bytesDown.Load()
}

func (b *Backend) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

// Idle returns the time since the last byte moved in either direction.
func (b *Backend) Idle() time.Duration {
	return time.Since(time.Unix(0, b.lastActivity.Load()))
}

// IsExpired reports whether the backend has been idle longer than timeout.
func (b *Backend) IsExpired(timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}
	return b.Idle() > timeout
}

// IsClosed reports whether Close has been called.
func (b *Backend) IsClosed() bool {
	return b.closed.Load()
}

// enqueue hands p to the writer without blocking.
func (b *Backend) enqueue(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return errBackendSealed
	}
	select {
	case b.queue <- p:
		return nil
	default:
		return errQueueFull
	}
}

// isSealed reports whether the backend has left the table.
func (b *Backend) isSealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// queued returns the number of payloads waiting for the writer.
func (b *Backend) queued() int {
	return len(b.queue)
}

// seal stops accepting writes. The writer exits once the queue is drained.
func (b *Backend) seal() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.sealed {
		b.sealed = true
		close(b.queue)
	}
}

func (b *Backend) write(p []byte, timeout time.Duration) error {
	if timeout > 0 {
		b.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := b.conn.Write(p)
	b.bytesUp.Add(uint64(n))
	b.touch()
	return err
}

func (b *Backend) read(buf []byte) (int, error) {
	n, err := b.conn.Read(buf)
	if n > 0 {
		b.bytesDown.Add(uint64(n))
		b.touch()
	}
	return n, err
}

// Close closes the target connection and drops queued writes. It is safe
// to call more than once.
func (b *Backend) Close() error {
	b.seal()

	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		err = b.conn.Close()
	})
	return err
}

// pendingDial holds the payloads for a key while its backend is dialed.
// Fields are guarded by Server.mu.
type pendingDial struct {
	ctx    context.Context
	cancel context.CancelFunc
	frames [][]byte

	// torn means a teardown arrived: the backend is closed once frames
	// are written.
	torn bool
	// abandoned means frames were dropped and the connection, if any, is
	// closed unused.
	abandoned bool
}

func newPendingDial(parent context.Context, timeout time.Duration) *pendingDial {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return &pendingDial{ctx: ctx, cancel: cancel}
}

func (p *pendingDial) abandon() {
	p.abandoned = true
	p.frames = nil
	p.cancel()
}
