// Package integration runs the client and server engines against each other
// over an in-memory ICMP network.
package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tzachbaksis/tcpovericmp/internal/client"
	"github.com/tzachbaksis/tcpovericmp/internal/icmp/icmptest"
	"github.com/tzachbaksis/tcpovericmp/internal/logging"
	"github.com/tzachbaksis/tcpovericmp/internal/metrics"
	"github.com/tzachbaksis/tcpovericmp/internal/server"
)

var (
	clientIP = netip.MustParseAddr("10.0.0.5")
	serverIP = netip.MustParseAddr("198.51.100.1")
)

// tunnel is a client and server wired through one icmptest.Network, with
// the client pointed at a loopback target.
type tunnel struct {
	client        *client.Client
	server        *server.Server
	clientMetrics *metrics.Metrics
	serverMetrics *metrics.Metrics
	target        netip.AddrPort
}

func newTunnel(t *testing.T, target netip.AddrPort, mutate func(*server.Config)) *tunnel {
	t.Helper()

	network := icmptest.NewNetwork()
	cc := network.Host(clientIP.String())
	sc := network.Host(serverIP.String())

	tn := &tunnel{
		clientMetrics: metrics.NewIsolated(),
		serverMetrics: metrics.NewIsolated(),
		target:        target,
	}

	scfg := server.DefaultConfig()
	scfg.ConnectTimeout = time.Second
	scfg.ConnectRate = 0
	if mutate != nil {
		mutate(&scfg)
	}
	tn.server = server.New(scfg, sc, logging.NopLogger(), tn.serverMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- tn.server.Run(ctx) }()

	ccfg := client.DefaultConfig()
	ccfg.ServerAddr = serverIP
	ccfg.Destination = target
	ccfg.ListenAddress = "127.0.0.1:0"
	ccfg.WriteTimeout = time.Second
	ccfg.LingerTimeout = 250 * time.Millisecond
	tn.client = client.New(ccfg, cc, logging.NopLogger(), tn.clientMetrics)
	if err := tn.client.Start(ctx); err != nil {
		cancel()
		t.Fatalf("client Start() error = %v", err)
	}
	waitFor(t, "client listener", func() bool { return tn.client.Addr() != nil })

	t.Cleanup(func() {
		cancel()
		tn.client.Stop()
		select {
		case err := <-runDone:
			if err != nil {
				t.Errorf("server Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server Run() did not return after cancel")
		}
	})
	return tn
}

func (tn *tunnel) dial(t *testing.T) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", tn.client.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.TCPConn)
}

func (tn *tunnel) key() server.Key {
	return server.Key{Client: clientIP, Destination: tn.target}
}

// echoTarget starts a loopback server that echoes every connection.
func echoTarget(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var wg sync.WaitGroup
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return netip.MustParseAddrPort(ln.Addr().String())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func TestTunnel_EchoRoundTrip(t *testing.T) {
	tn := newTunnel(t, echoTarget(t), nil)
	local := tn.dial(t)

	msg := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := local.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFull(t, local, len(msg)); !bytes.Equal(got, msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}

	if _, ok := tn.server.Lookup(tn.key()); !ok {
		t.Error("server has no backend for the session")
	}
	if got := tn.client.State(); got != client.StateRelaying {
		t.Errorf("client state = %s, want RELAYING", got)
	}
}

func TestTunnel_BulkTransferKeepsOrder(t *testing.T) {
	tn := newTunnel(t, echoTarget(t), nil)
	local := tn.dial(t)

	data := make([]byte, 64<<10)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := local.Write(data)
		writeErr <- err
	}()

	if got := readFull(t, local, len(data)); !bytes.Equal(got, data) {
		t.Error("bytes arrived out of order or corrupted")
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("write: %v", err)
	}

	b, ok := tn.server.Lookup(tn.key())
	if !ok {
		t.Fatal("backend missing")
	}
	if b.BytesUp() != uint64(len(data)) {
		t.Errorf("backend bytes up = %d, want %d", b.BytesUp(), len(data))
	}
}

// A full local close is seen as EOF; the client lingers for late replies
// and then tears the backend down.
func TestTunnel_LocalCloseTearsDownBackend(t *testing.T) {
	tn := newTunnel(t, echoTarget(t), nil)

	for i := 0; i < 3; i++ {
		local := tn.dial(t)
		msg := []byte{'p', 'i', 'n', 'g', byte('0' + i)}
		local.Write(msg)
		if got := readFull(t, local, len(msg)); !bytes.Equal(got, msg) {
			t.Fatalf("session %d echo = %q", i, got)
		}
		local.Close()

		waitFor(t, "backend removal", func() bool { return tn.server.ActiveCount() == 0 })
	}

	waitFor(t, "sessions served", func() bool { return tn.client.SessionsServed() == 3 })
	if got := testutil.ToFloat64(tn.serverMetrics.BackendsOpened); got != 3 {
		t.Errorf("backends opened = %v, want 3", got)
	}
	if got := testutil.ToFloat64(tn.serverMetrics.BackendsClosed.WithLabelValues(server.ReasonTeardown)); got != 3 {
		t.Errorf("backends closed by teardown = %v, want 3", got)
	}
}

// The local application half-closes after its request, the way an HTTP/1.0
// client may. The response written after that must still arrive.
func TestTunnel_HalfCloseStillReceivesResponse(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	request := []byte("GET / HTTP/1.0\r\n\r\n")
	response := []byte("HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok")
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, len(request))
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
		c.Write(response)
	}()

	tn := newTunnel(t, netip.MustParseAddrPort(ln.Addr().String()), nil)
	local := tn.dial(t)
	if _, err := local.Write(request); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := local.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite() error = %v", err)
	}

	local.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(local)
	if err != nil {
		t.Fatalf("read after half-close: %v", err)
	}
	if !bytes.Equal(got, response) {
		t.Errorf("response = %q, want %q", got, response)
	}

	waitFor(t, "client session end", func() bool { return tn.client.SessionsServed() == 1 })
	if got := testutil.ToFloat64(tn.clientMetrics.SessionsClosed.WithLabelValues(client.ReasonPeerClose)); got != 1 {
		t.Errorf("client sessions closed by peer = %v, want 1", got)
	}
}

func TestTunnel_TargetCloseReachesLocalSocket(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// The target sends a banner and hangs up.
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		c.Read(buf)
		c.Write([]byte("220 bye\r\n"))
		c.Close()
	}()

	tn := newTunnel(t, netip.MustParseAddrPort(ln.Addr().String()), nil)
	local := tn.dial(t)
	local.Write([]byte("HELO\r\n"))

	local.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(local)
	if err != nil {
		t.Fatalf("read until close: %v", err)
	}
	if string(got) != "220 bye\r\n" {
		t.Errorf("received %q", got)
	}

	waitFor(t, "backend removal", func() bool { return tn.server.ActiveCount() == 0 })
	waitFor(t, "client session end", func() bool { return tn.client.Active() == nil })
	if got := testutil.ToFloat64(tn.clientMetrics.SessionsClosed.WithLabelValues(client.ReasonPeerClose)); got != 1 {
		t.Errorf("client sessions closed by peer = %v, want 1", got)
	}
}

func TestTunnel_UnreachableTarget(t *testing.T) {
	// A closed port on loopback refuses the dial.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	refused := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	tn := newTunnel(t, refused, nil)
	local := tn.dial(t)
	local.Write([]byte("hello"))

	waitFor(t, "connect failure", func() bool {
		return testutil.ToFloat64(tn.serverMetrics.BackendConnectFailures) >= 1
	})
	if tn.server.ActiveCount() != 0 {
		t.Errorf("active backends = %d, want 0", tn.server.ActiveCount())
	}

	// Later data keeps retrying and the client session stays up.
	local.Write([]byte("again"))
	waitFor(t, "second connect failure", func() bool {
		return testutil.ToFloat64(tn.serverMetrics.BackendConnectFailures) >= 2
	})
	if tn.client.Active() == nil {
		t.Error("client session ended after a server side connect failure")
	}
}
