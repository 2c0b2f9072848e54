//go:build unix

package reactor

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AreaLayer/nakamoto/common"
	"github.com/AreaLayer/nakamoto/p2p/protocol"
)

type reason string

func (r reason) String() string { return string(r) }

// echoProtocol is a minimal protocol.Protocol[string, string, reason]
// that echoes back whatever bytes a peer sends and surfaces
// connect/disconnect/command activity over channels so tests can
// synchronize on it. A "dial:<addr>" command emits a Connect Io,
// exercising the outbound path.
type echoProtocol struct {
	mu      sync.Mutex
	out     []protocol.Io[string, reason]
	pending map[common.Address][]byte

	connected chan common.Address
	disconn   chan common.Address
	commands  chan string
	attempted chan common.Address
}

func newEchoProtocol() *echoProtocol {
	return &echoProtocol{
		pending:   make(map[common.Address][]byte),
		connected: make(chan common.Address, 8),
		disconn:   make(chan common.Address, 8),
		commands:  make(chan string, 8),
		attempted: make(chan common.Address, 8),
	}
}

func (p *echoProtocol) Initialize(now time.Time) {}

func (p *echoProtocol) ReceivedBytes(addr common.Address, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[addr] = append(append([]byte{}, p.pending[addr]...), data...)
	p.out = append(p.out, protocol.WriteIo[string, reason](addr))
}

func (p *echoProtocol) Attempted(addr common.Address) {
	p.attempted <- addr
}

func (p *echoProtocol) Connected(addr common.Address, local common.Address, link common.Link) {
	p.connected <- addr
}

func (p *echoProtocol) Disconnected(addr common.Address, r protocol.DisconnectReason[reason]) {
	p.disconn <- addr
}

func (p *echoProtocol) Command(cmd string) {
	p.commands <- cmd
	p.mu.Lock()
	defer p.mu.Unlock()
	if target, ok := strings.CutPrefix(cmd, "dial:"); ok {
		addr := netip.MustParseAddrPort(target)
		p.out = append(p.out, protocol.ConnectIo[string, reason](addr))
		return
	}
	p.out = append(p.out, protocol.EventIo[string, reason](cmd))
}

func (p *echoProtocol) Tick(now time.Time) {}

func (p *echoProtocol) Wake() {}

func (p *echoProtocol) Drain() []protocol.Io[string, reason] {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.out
	p.out = nil
	return out
}

func (p *echoProtocol) Write(addr common.Address, w io.Writer) error {
	p.mu.Lock()
	buf := p.pending[addr]
	p.pending[addr] = nil
	p.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	_, err := w.Write(buf)
	return err
}

func waitForListenAddr(t *testing.T, r *Reactor[string, string, reason]) common.Address {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.ListenAddr()
		return ok
	}, 2*time.Second, time.Millisecond)
	addr, _ := r.ListenAddr()
	return addr
}

func TestReactorEchoesBytesToInboundPeer(t *testing.T) {
	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	shutdown := make(chan struct{})
	r, err := New(Config[string, string, reason]{
		Commands:  make(chan string),
		Shutdown:  shutdown,
		Publisher: pub,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run("127.0.0.1:0", proto) }()
	defer func() {
		close(shutdown)
		require.NoError(t, r.Wake())
		require.NoError(t, <-runErr)
	}()

	addr := waitForListenAddr(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-proto.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Connected call for inbound peer")
	}

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestReactorDeliversCommandsAfterWake(t *testing.T) {
	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	commands := make(chan string, 1)
	shutdown := make(chan struct{})
	r, err := New(Config[string, string, reason]{
		Commands:  commands,
		Shutdown:  shutdown,
		Publisher: pub,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run("", proto) }()
	defer func() {
		close(shutdown)
		require.NoError(t, r.Wake())
		require.NoError(t, <-runErr)
	}()

	commands <- "hello"
	require.NoError(t, r.Wake())

	select {
	case cmd := <-proto.commands:
		require.Equal(t, "hello", cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Command to be delivered")
	}

	select {
	case evt := <-pub.Events():
		require.Equal(t, "hello", evt)
	case <-time.After(2 * time.Second):
		t.Fatal("expected event published from command echo")
	}
}

func TestReactorShutdownStopsRun(t *testing.T) {
	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	shutdown := make(chan struct{})
	r, err := New(Config[string, string, reason]{
		Commands:  make(chan string),
		Shutdown:  shutdown,
		Publisher: pub,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run("", proto) }()

	close(shutdown)
	require.NoError(t, r.Wake())

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestReactorOutboundConnectReportsAttemptedThenConnected(t *testing.T) {
	// A bare listener stands in for the remote peer; the reactor under
	// test dials it via a "dial:" command routed through echoProtocol.
	remote, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()
	go func() {
		for {
			c, err := remote.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	commands := make(chan string, 1)
	shutdown := make(chan struct{})
	r, err := New(Config[string, string, reason]{
		Commands:  commands,
		Shutdown:  shutdown,
		Publisher: pub,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run("", proto) }()
	defer func() {
		close(shutdown)
		require.NoError(t, r.Wake())
		require.NoError(t, <-runErr)
	}()

	remoteAddr, err := common.ParseAddress(remote.Addr().String())
	require.NoError(t, err)

	commands <- "dial:" + remoteAddr.String()
	require.NoError(t, r.Wake())

	select {
	case addr := <-proto.attempted:
		require.Equal(t, remoteAddr, addr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Attempted before Connected")
	}

	select {
	case addr := <-proto.connected:
		require.Equal(t, remoteAddr, addr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Connected for outbound peer")
	}
}

// TestReactorConnectFailureReportsDisconnectedOnce covers spec.md §8
// Scenario 1: dialing an address nothing is listening on must report
// exactly one Disconnected and no Connected.
func TestReactorConnectFailureReportsDisconnectedOnce(t *testing.T) {
	// Bind and immediately release a port so the dial below targets an
	// address guaranteed to refuse the connection.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr, err := common.ParseAddress(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	commands := make(chan string, 1)
	shutdown := make(chan struct{})
	r, err := New(Config[string, string, reason]{
		Commands:  commands,
		Shutdown:  shutdown,
		Publisher: pub,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run("", proto) }()
	defer func() {
		close(shutdown)
		require.NoError(t, r.Wake())
		require.NoError(t, <-runErr)
	}()

	commands <- "dial:" + deadAddr.String()
	require.NoError(t, r.Wake())

	select {
	case addr := <-proto.disconn:
		require.Equal(t, deadAddr, addr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Disconnected after a failed dial")
	}

	select {
	case addr := <-proto.connected:
		t.Fatalf("unexpected Connected for a failed dial: %v", addr)
	case addr := <-proto.disconn:
		t.Fatalf("unexpected second Disconnected: %v", addr)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestReactorInboundPeerOrderlyCloseDisconnects covers spec.md §8
// Scenario 2: an inbound peer closing its side must yield Connected
// followed by exactly one Disconnected.
func TestReactorInboundPeerOrderlyCloseDisconnects(t *testing.T) {
	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	shutdown := make(chan struct{})
	r, err := New(Config[string, string, reason]{
		Commands:  make(chan string),
		Shutdown:  shutdown,
		Publisher: pub,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run("127.0.0.1:0", proto) }()
	defer func() {
		close(shutdown)
		require.NoError(t, r.Wake())
		require.NoError(t, <-runErr)
	}()

	addr := waitForListenAddr(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	var peerAddr common.Address
	select {
	case peerAddr = <-proto.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Connected call for inbound peer")
	}

	require.NoError(t, conn.Close())

	select {
	case addr := <-proto.disconn:
		require.Equal(t, peerAddr, addr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Disconnected after the peer closed its side")
	}

	select {
	case addr := <-proto.disconn:
		t.Fatalf("unexpected second Disconnected: %v", addr)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestReactorProcessCoalescesCloseTogetherWakeups covers spec.md §8
// Scenario 4: two Wakeup intents registered close together (well under
// the reactor's 1s granularity) must both become pending entries rather
// than overwriting each other, and must coalesce into a single Wake()
// once the later of the two elapses. This drives the real process()
// method (the same one Run's loop calls on every iteration) instead of
// calling TimeoutManager.Register directly, so it would have caught
// both the upsert-by-key bug and the round-down rounding bug. A fixed,
// second-aligned now sidesteps wall-clock flakiness: process() itself
// still does the real work, only the clock is held still.
func TestReactorProcessCoalescesCloseTogetherWakeups(t *testing.T) {
	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	r, err := New(Config[string, string, reason]{
		Commands:  make(chan string),
		Shutdown:  make(chan struct{}),
		Publisher: pub,
	})
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	proto.out = append(proto.out,
		protocol.WakeupIo[string, reason](100*time.Millisecond),
		protocol.WakeupIo[string, reason](200*time.Millisecond),
	)

	r.process(proto, now)
	require.Equal(t, 2, r.timeouts.Len(), "both Wakeup intents must coexist as separate entries")

	wait, ok := r.timeouts.Next(now)
	require.True(t, ok)
	require.Equal(t, time.Second, wait, "coalescing must round up to the next granularity boundary, never down")

	var fired []wakeupKey
	fired = r.timeouts.Wake(now.Add(wait), fired)
	require.Len(t, fired, 2, "both entries must coalesce into the same wake")
}

// TestReactorHandlesConcurrentInboundPeers dials several peers at once
// (via errgroup, the same concurrency helper the teacher's downstream
// fetchers use) and confirms each gets its own Connected call and its
// own echo round trip, exercising the reactor with more than one
// simultaneously-ready source per poll iteration.
func TestReactorHandlesConcurrentInboundPeers(t *testing.T) {
	proto := newEchoProtocol()
	pub := NewChanPublisher[string](8)
	shutdown := make(chan struct{})
	r, err := New(Config[string, string, reason]{
		Commands:  make(chan string),
		Shutdown:  shutdown,
		Publisher: pub,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run("127.0.0.1:0", proto) }()
	defer func() {
		close(shutdown)
		require.NoError(t, r.Wake())
		require.NoError(t, <-runErr)
	}()

	addr := waitForListenAddr(t, r)

	const peerCount = 4
	var g errgroup.Group
	for i := 0; i < peerCount; i++ {
		g.Go(func() error {
			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				return err
			}
			defer conn.Close()

			payload := []byte("hello")
			if _, err := conn.Write(payload); err != nil {
				return err
			}
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			buf := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, buf); err != nil {
				return err
			}
			if string(buf) != string(payload) {
				return fmt.Errorf("echo mismatch: got %q", buf)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[common.Address]bool)
	for i := 0; i < peerCount; i++ {
		select {
		case a := <-proto.connected:
			seen[a] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d Connected calls, saw %d", peerCount, len(seen))
		}
	}
	require.Len(t, seen, peerCount)
}
