//go:build unix

package reactor

import "golang.org/x/sys/unix"

// waker lets other goroutines interrupt a blocked poll(2) call — for
// example when a command or shutdown signal has been sent on a channel
// the reactor only checks once woken. It's a self-pipe: writing a single
// byte to the write end makes the read end readable, which the reactor
// registers as a permanent source in its sourceSet. The write end is a
// bare fd, so Waker is safe to copy and share across goroutines without
// further synchronization — write(2) on a pipe is atomic for writes this
// small.
type waker struct {
	readFd  int
	writeFd int
}

func newWaker() (*waker, error) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &waker{readFd: fds[0], writeFd: fds[1]}, nil
}

// wake signals the reactor to return from its next (or current) poll
// call. If the pipe is already full, a previous wakeup is still pending
// and this is a no-op — the reactor will see it.
func (w *waker) wake() error {
	_, err := unix.Write(w.writeFd, []byte{0})
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil
	}
	return err
}

// reset drains the pipe after the reactor has observed a wakeup.
func (w *waker) reset() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(w.readFd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *waker) close() {
	_ = unix.Close(w.readFd)
	_ = unix.Close(w.writeFd)
}
