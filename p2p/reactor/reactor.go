//go:build unix

// Package reactor implements a single-threaded, level-triggered I/O
// reactor that drives an externally supplied protocol.Protocol state
// machine over TCP. The reactor owns every socket, every timer, and the
// one poll(2) wait loop; the protocol owns everything about what bytes
// mean.
package reactor

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/AreaLayer/nakamoto/common"
	"github.com/AreaLayer/nakamoto/log"
	"github.com/AreaLayer/nakamoto/p2p/protocol"
)

const (
	// WaitTimeout bounds how long the reactor blocks in poll(2) when no
	// timeout is pending. The commands and shutdown channels are checked
	// only when the waker fires, not when this timeout elapses.
	WaitTimeout = 60 * time.Minute
	// ReadBufferSize is the size of the stack buffer used for each
	// one-read-per-event call on a readable peer socket.
	ReadBufferSize = 192 * 1024
	// MaxMessageSize is exposed for protocols that want to bound a
	// single logical message; the reactor itself performs no framing
	// and never enforces this.
	MaxMessageSize = 1024 * 1024
)

// wakeupKey is the sole key type registered with the TimeoutManager for
// Io.Wakeup requests from the protocol. Each request adds its own entry
// under this key, and the protocol is told only that some wakeup fired,
// never which one, so a unit struct is enough.
type wakeupKey struct{}

// Config collects everything the reactor needs that isn't the protocol
// itself: its external channels, its collaborators, and optional
// observability hooks.
type Config[C any, E any, D fmt.Stringer] struct {
	// Commands delivers external commands to forward to the protocol.
	Commands <-chan C
	// Shutdown, once readable, tells Run to return.
	Shutdown <-chan struct{}
	// Publisher receives every Event the protocol emits.
	Publisher protocol.Publisher[E]
	// Dialer opens outbound connections. Defaults to NewTCPDialer(0).
	Dialer protocol.Dialer
	// Metrics, if non-nil, is updated as the reactor runs.
	Metrics *Metrics
	// Logger defaults to log.Default if nil.
	Logger log.Logger
	// RateLimitInbound enables per-source-IP throttling of accepted
	// inbound connections.
	RateLimitInbound bool
}

// Reactor drives a protocol.Protocol[C, E, D] state machine with
// non-blocking sockets multiplexed by poll(2). Every method other than
// Run, Wake, and ListenAddr is intended for the reactor's own goroutine;
// the type carries no internal locking because, per its concurrency
// model, only one goroutine ever touches it.
type Reactor[C any, E any, D fmt.Stringer] struct {
	peers      map[common.Address]*PeerSocket
	connecting mapset.Set[common.Address]

	sources *sourceSet
	waker   *waker
	timeouts *TimeoutManager[wakeupKey]

	commands <-chan C
	shutdown <-chan struct{}

	publisher protocol.Publisher[E]
	dialer    protocol.Dialer
	limiter   *inboundLimiter
	metrics   *Metrics
	log       log.Logger

	listener   net.Listener
	listenAddr common.Address
	listening  bool
}

// New constructs a reactor ready to Run. It registers the waker
// immediately so Wake can be called even before Run starts polling.
func New[C any, E any, D fmt.Stringer](cfg Config[C, E, D]) (*Reactor[C, E, D], error) {
	if cfg.Publisher == nil {
		return nil, errors.New("reactor: Config.Publisher is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewTCPDialer(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default
	}

	w, err := newWaker()
	if err != nil {
		return nil, errors.Wrap(err, "reactor: create waker")
	}

	r := &Reactor[C, E, D]{
		peers:      make(map[common.Address]*PeerSocket),
		connecting: mapset.NewThreadUnsafeSet[common.Address](),
		sources:    newSourceSet(),
		waker:      w,
		timeouts:   NewTimeoutManager[wakeupKey](TimerGranularity),
		commands:   cfg.Commands,
		shutdown:   cfg.Shutdown,
		publisher:  cfg.Publisher,
		dialer:     dialer,
		metrics:    cfg.Metrics,
		log:        logger,
	}
	if cfg.RateLimitInbound {
		r.limiter = newInboundLimiter()
	}
	r.sources.register(sourceID{kind: sourceWaker}, w.readFd, false)
	return r, nil
}

// Wake interrupts a blocked Run loop, used to deliver a Command or
// Shutdown signal promptly instead of waiting out the current poll
// timeout.
func (r *Reactor[C, E, D]) Wake() error {
	return r.waker.wake()
}

// ListenAddr returns the address the reactor's listener is bound to, and
// true if Run was given a non-empty listen address. This supplements the
// Listening event with a direct accessor, since the reactor's Event type
// E is protocol-defined and the reactor itself can't construct one.
func (r *Reactor[C, E, D]) ListenAddr() (common.Address, bool) {
	return r.listenAddr, r.listening
}

// DumpPeers renders the reactor's currently connected peers as an ASCII
// table to w, for operators inspecting a running reactor (e.g. from a
// signal handler or admin endpoint). Safe to call only from the
// reactor's own goroutine, like every other method besides Run, Wake,
// and ListenAddr.
func (r *Reactor[C, E, D]) DumpPeers(w io.Writer) {
	dumpPeerTable(w, r.peers)
}

// Run binds listenAddr (if non-empty) and drives proto until an error
// occurs or a value is received on the Shutdown channel.
func (r *Reactor[C, E, D]) Run(listenAddr string, proto protocol.Protocol[C, E, D]) error {
	if listenAddr != "" {
		if err := r.listen(listenAddr); err != nil {
			return err
		}
	}

	r.log.Info("initializing protocol")
	now := time.Now()
	proto.Initialize(now)
	r.process(proto, now)

	for {
		timeout, ok := r.timeouts.Next(time.Now())
		if !ok {
			timeout = WaitTimeout
		}
		r.log.Trace("polling", "sources", r.sources.len(), "timeouts", r.timeouts.Len(), "timeout", timeout)

		waitStart := time.Now()
		ids, ready, err := r.sources.wait(timeout)
		if r.metrics != nil {
			r.metrics.PollWaitSeconds.Observe(time.Since(waitStart).Seconds())
		}
		if err != nil {
			return errors.Wrap(err, "reactor: poll wait")
		}

		now = time.Now()
		proto.Tick(now)

		if len(ids) == 0 {
			var fired []wakeupKey
			fired = r.timeouts.Wake(now, fired)
			if r.metrics != nil {
				r.metrics.TimerQueueLength.Set(float64(r.timeouts.Len()))
			}
			if len(fired) > 0 {
				proto.Wake()
			}
		} else {
			done, err := r.handleReady(ids, ready, proto)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		r.process(proto, now)
	}
}

// handleReady dispatches one round of ready sources. The bool return
// reports whether a shutdown was observed and Run should return.
func (r *Reactor[C, E, D]) handleReady(ids []sourceID, ready []Readiness, proto protocol.Protocol[C, E, D]) (bool, error) {
	for i, id := range ids {
		ev := ready[i]
		switch id.kind {
		case sourcePeer:
			addr := id.addr
			if ev.Errored || ev.Hangup {
				r.log.Trace("socket error triggered", "addr", addr)
			}
			if ev.Invalid {
				r.log.Error("socket is invalid, removing", "addr", addr, "source", log.Spew(id))
				r.sources.unregister(id)
				continue
			}
			if ev.Writable {
				if err := r.handleWritable(addr, proto); err != nil {
					return false, err
				}
			}
			if ev.Readable || ev.Errored || ev.Hangup {
				r.handleReadable(addr, proto)
			}
		case sourceListener:
			r.acceptAll(proto)
		case sourceWaker:
			r.log.Trace("woken by waker")
			select {
			case <-r.shutdown:
				return true, nil
			default:
			}
			r.waker.reset()
			draining := true
			for draining {
				select {
				case cmd := <-r.commands:
					env := protocol.NewEnvelope(cmd)
					r.log.Trace("dispatching command", "id", env.ID)
					proto.Command(env.Cmd)
				default:
					draining = false
				}
			}
		}
	}
	return false, nil
}

// acceptAll drains every connection currently pending on the listener.
// poll(2) told us the listener fd is readable, but net.Listener doesn't
// expose a raw, truly non-blocking accept(2) the way PeerSocket exposes
// read/write; a near-zero deadline gets the same effect idiomatically —
// Accept either returns immediately (a connection was already pending)
// or times out once the backlog is drained.
func (r *Reactor[C, E, D]) acceptAll(proto protocol.Protocol[C, E, D]) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}
	if dl, ok := r.listener.(deadliner); ok {
		dl.SetDeadline(time.Now().Add(time.Millisecond))
	}
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Error("accept error", "err", err)
			return
		}

		addr, err := common.ParseAddress(conn.RemoteAddr().String())
		if err != nil {
			r.log.Error("failed to parse peer address", "err", err)
			conn.Close()
			continue
		}

		if r.limiter != nil && !r.limiter.allow(addr.Addr()) {
			r.log.Warn("rate limiting inbound connection", "addr", addr)
			conn.Close()
			continue
		}

		r.log.Trace("accepting peer connection", "addr", addr)

		localAddr, err := common.ParseAddress(conn.LocalAddr().String())
		if err != nil {
			r.log.Error("failed to parse local address", "err", err)
			conn.Close()
			continue
		}

		if err := r.registerPeer(addr, conn, common.Inbound); err != nil {
			r.log.Error("failed to register inbound peer", "addr", addr, "err", err)
			conn.Close()
			continue
		}
		proto.Connected(addr, localAddr, common.Inbound)
		if r.metrics != nil {
			r.metrics.ConnectedPeers.Set(float64(len(r.peers)))
		}
	}
}

func (r *Reactor[C, E, D]) handleReadable(addr common.Address, proto protocol.Protocol[C, E, D]) {
	socket, ok := r.peers[addr]
	if !ok {
		// The socket may have been unregistered already this same
		// round by a prior writable-handler disconnect.
		return
	}

	var buf [ReadBufferSize]byte
	r.log.Trace("socket is readable", "addr", addr)

	// poll(2) is level-triggered: if more data remains after this read,
	// we'll be notified again on the next iteration. Looping here to
	// drain the socket would only add latency for other ready sources
	// and couples the reactor to how much a protocol wants to consume
	// per event.
	n, err := socket.Read(buf[:])
	switch {
	case err == nil && n > 0:
		r.log.Trace("read bytes", "addr", addr, "n", n)
		if r.metrics != nil {
			r.metrics.BytesRead.Add(float64(n))
		}
		proto.ReceivedBytes(addr, buf[:n])
	case err == nil && n == 0:
		r.log.Trace("read 0 bytes, peer disconnected", "addr", addr)
		socket.Disconnect()
		r.unregisterPeer(addr, protocol.PeerDisconnectedReason[D](), proto)
	case errors.Is(err, ErrWouldBlock):
		// Shouldn't normally happen since we were only called because
		// the source reported readable; left as a no-op in case
		// external conditions (errored/hangup without data) triggered
		// this path.
	default:
		r.log.Trace("read error", "addr", addr, "err", err)
		socket.Disconnect()
		r.unregisterPeer(addr, protocol.ConnectionErrorReason[D](err), proto)
	}
}

func (r *Reactor[C, E, D]) handleWritable(addr common.Address, proto protocol.Protocol[C, E, D]) error {
	socket, ok := r.peers[addr]
	if !ok {
		return nil
	}
	r.log.Trace("socket is writable", "addr", addr)

	// A non-blocking connect only becomes writable once the connection
	// is actually established (or has definitively failed, in which
	// case the following write will surface the error).
	if r.connecting.Contains(addr) {
		r.connecting.Remove(addr)
		localAddr, err := common.ParseAddress(socket.conn.LocalAddr().String())
		if err != nil {
			r.log.Error("failed to parse local address", "addr", addr, "err", err)
			socket.Disconnect()
			r.unregisterPeer(addr, protocol.ConnectionErrorReason[D](err), proto)
			return nil
		}
		proto.Connected(addr, localAddr, socket.Link())
		if r.metrics != nil {
			r.metrics.ConnectingPeers.Set(float64(r.connecting.Cardinality()))
			r.metrics.ConnectedPeers.Set(float64(len(r.peers)))
		}
	}

	pw := peerWriter{socket: socket}
	err := proto.Write(addr, &pw)
	if r.metrics != nil && pw.written > 0 {
		r.metrics.BytesWritten.Add(float64(pw.written))
	}
	switch {
	case err == nil:
		r.sources.setWritable(sourceID{kind: sourcePeer, addr: addr}, false)
	case errors.Is(err, ErrWouldBlock) || errors.Is(err, io.ErrShortWrite):
		r.sources.setWritable(sourceID{kind: sourcePeer, addr: addr}, true)
	default:
		r.log.Error("write error", "addr", addr, "err", err)
		socket.Disconnect()
		r.unregisterPeer(addr, protocol.ConnectionErrorReason[D](err), proto)
	}
	return nil
}

// peerWriter adapts PeerSocket.Write (which may return ErrWouldBlock) to
// io.Writer so it can be passed to protocol.Protocol.Write, and tallies
// bytes actually written for metrics.
type peerWriter struct {
	socket  *PeerSocket
	written int
}

func (w *peerWriter) Write(p []byte) (int, error) {
	n, err := w.socket.Write(p)
	w.written += n
	return n, err
}

// process drains every Io the protocol has produced since the last call
// and enacts it: setting write interest, dialing, disconnecting,
// scheduling a wakeup, or publishing an event.
func (r *Reactor[C, E, D]) process(proto protocol.Protocol[C, E, D], now time.Time) {
	for _, out := range proto.Drain() {
		if addr, ok := out.Write(); ok {
			r.sources.setWritable(sourceID{kind: sourcePeer, addr: addr}, true)
			continue
		}
		if addr, ok := out.Connect(); ok {
			r.connect(addr, proto)
			continue
		}
		if addr, reason, ok := out.Disconnect(); ok {
			if socket, exists := r.peers[addr]; exists {
				r.log.Trace("disconnecting", "addr", addr, "reason", reason)
				socket.Disconnect()
				r.unregisterPeer(addr, reason, proto)
			}
			continue
		}
		if delay, ok := out.Wakeup(); ok {
			r.timeouts.Register(wakeupKey{}, now, delay)
			if r.metrics != nil {
				r.metrics.TimerQueueLength.Set(float64(r.timeouts.Len()))
			}
			continue
		}
		if event, ok := out.Event(); ok {
			r.log.Trace("event", "event", event)
			r.publisher.Publish(event)
			continue
		}
	}
}

func (r *Reactor[C, E, D]) connect(addr common.Address, proto protocol.Protocol[C, E, D]) {
	if r.connecting.Contains(addr) {
		// Ignore: a dial to this address is already underway.
		return
	}
	r.log.Trace("connecting", "addr", addr)

	conn, err := r.dialer.Dial(context.Background(), addr)
	if err != nil {
		if errors.Is(err, protocol.ErrAlreadyDialing) {
			// Ignore: the Dialer itself considers this address already
			// in flight, same as our own ConnectingSet check above.
			return
		}
		r.log.Error("connection error", "addr", addr, "err", err)
		proto.Disconnected(addr, protocol.ConnectionErrorReason[D](err))
		return
	}

	if err := r.registerPeer(addr, conn, common.Outbound); err != nil {
		r.log.Error("failed to register outbound peer", "addr", addr, "err", err)
		conn.Close()
		proto.Disconnected(addr, protocol.ConnectionErrorReason[D](err))
		return
	}
	r.connecting.Add(addr)
	if r.metrics != nil {
		r.metrics.ConnectingPeers.Set(float64(r.connecting.Cardinality()))
	}
	proto.Attempted(addr)
}

func (r *Reactor[C, E, D]) registerPeer(addr common.Address, conn net.Conn, link common.Link) error {
	socket, err := NewPeerSocket(conn, addr, link)
	if err != nil {
		return err
	}
	r.sources.register(sourceID{kind: sourcePeer, addr: addr}, socket.Fd(), false)
	r.peers[addr] = socket
	return nil
}

func (r *Reactor[C, E, D]) unregisterPeer(addr common.Address, reason protocol.DisconnectReason[D], proto protocol.Protocol[C, E, D]) {
	r.connecting.Remove(addr)
	r.sources.unregister(sourceID{kind: sourcePeer, addr: addr})
	delete(r.peers, addr)
	if r.metrics != nil {
		r.metrics.ConnectedPeers.Set(float64(len(r.peers)))
		r.metrics.ConnectingPeers.Set(float64(r.connecting.Cardinality()))
	}
	proto.Disconnected(addr, reason)
}

func (r *Reactor[C, E, D]) listen(addr string) error {
	ln, err := listenTCP(addr)
	if err != nil {
		return errors.Wrap(err, "reactor: listen")
	}
	r.listener = ln

	local, err := common.ParseAddress(ln.Addr().String())
	if err != nil {
		return errors.Wrap(err, "reactor: parse listen address")
	}
	r.listenAddr = local
	r.listening = true

	lnFd, err := listenerFd(ln)
	if err != nil {
		return errors.Wrap(err, "reactor: extract listener fd")
	}
	r.sources.register(sourceID{kind: sourceListener}, lnFd, false)
	r.log.Info("listening", "addr", local)
	return nil
}

func listenTCP(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return ln, nil
}
