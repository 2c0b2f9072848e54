//go:build unix

package reactor

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/AreaLayer/nakamoto/common"
)

// ErrWouldBlock is returned by PeerSocket.Read/Write when the underlying
// fd has no data ready (EAGAIN/EWOULDBLOCK). It is not an error in the
// usual sense — the reactor treats it as "nothing to do right now, wait
// for the next readiness event" — but it's returned as one so callers
// can't accidentally mistake it for a successful zero-length operation.
var ErrWouldBlock = errors.New("reactor: operation would block")

// PeerSocket wraps one peer connection's raw, non-blocking file
// descriptor. The reactor's own SourceSet is the sole readiness
// authority for this fd; Go's runtime netpoller is bypassed entirely by
// operating on the fd via golang.org/x/sys/unix rather than through
// net.Conn's Read/Write, which would otherwise register the fd with the
// runtime poller and fight the reactor for readiness notifications.
type PeerSocket struct {
	conn net.Conn
	fd   int
	addr common.Address
	link common.Link
}

// NewPeerSocket extracts conn's raw fd, puts it in non-blocking mode, and
// returns a PeerSocket ready to be registered with a SourceSet.
func NewPeerSocket(conn net.Conn, addr common.Address, link common.Link) (*PeerSocket, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.New("reactor: connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	var fd int
	var ctrlErr error
	err = raw.Control(func(f uintptr) {
		fd = int(f)
		ctrlErr = unix.SetNonblock(fd, true)
	})
	if err != nil {
		return nil, err
	}
	if ctrlErr != nil {
		return nil, ctrlErr
	}

	return &PeerSocket{conn: conn, fd: fd, addr: addr, link: link}, nil
}

// Addr returns the peer's address.
func (s *PeerSocket) Addr() common.Address { return s.addr }

// Link reports whether this connection was dialed out or accepted.
func (s *PeerSocket) Link() common.Link { return s.link }

// Fd returns the raw file descriptor, for SourceSet registration.
func (s *PeerSocket) Fd() int { return s.fd }

// Read performs exactly one read(2) call into buf. It returns
// ErrWouldBlock if nothing was available, and (0, nil) if the peer
// closed its write half (EOF), which the reactor treats the same as a
// PeerDisconnected event.
func (s *PeerSocket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Write writes buf to the socket in a single write(2) call, returning
// however many bytes were actually accepted. Callers must be prepared
// for a short write under backpressure — that's not an error, it's the
// reason the reactor retains a per-peer write interest until the buffer
// drains.
func (s *PeerSocket) Write(buf []byte) (int, error) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Disconnect shuts down both halves of the connection and closes the
// underlying net.Conn. Errors from shutdown(2) are ignored: by the time
// the reactor calls this, it no longer cares whether the peer is still
// listening.
func (s *PeerSocket) Disconnect() error {
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	return s.conn.Close()
}
