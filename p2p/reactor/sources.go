//go:build unix

package reactor

import (
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/AreaLayer/nakamoto/common"
)

// sourceKind distinguishes the three flavors of fd the reactor ever
// registers: a peer connection, the listening socket, and the wakeup
// self-pipe.
type sourceKind uint8

const (
	sourcePeer sourceKind = iota
	sourceListener
	sourceWaker
)

// sourceID names one registered fd. Peer sources carry the peer's
// address, the key the reactor uses to find its *PeerSocket; listener
// and waker sources are singletons.
type sourceID struct {
	kind sourceKind
	addr common.Address // only meaningful when kind == sourcePeer
}

// Readiness reports which poll(2) conditions fired for a source.
type Readiness struct {
	Readable bool
	Writable bool
	Errored  bool
	Hangup   bool
	Invalid  bool
}

// Any reports whether any condition at all is set.
func (r Readiness) Any() bool {
	return r.Readable || r.Writable || r.Errored || r.Hangup || r.Invalid
}

// sourceSet multiplexes readiness across every registered fd using
// poll(2). poll was chosen over epoll/kqueue for portability across the
// BSD family and because both the runtime vocabulary of this design and
// its originating crate are named for poll, not for any one platform's
// native mechanism.
type sourceSet struct {
	ids []sourceID
	fds []unix.PollFd
	idx map[sourceID]int
}

func newSourceSet() *sourceSet {
	return &sourceSet{idx: make(map[sourceID]int)}
}

// register adds fd under id, watching for readable (and, if writable is
// true, writable) readiness. Re-registering an existing id updates its
// watched events in place.
func (s *sourceSet) register(id sourceID, fd int, writable bool) {
	var events int16 = unix.POLLIN
	if writable {
		events |= unix.POLLOUT
	}
	if i, ok := s.idx[id]; ok {
		s.fds[i].Events = events
		return
	}
	s.idx[id] = len(s.ids)
	s.ids = append(s.ids, id)
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: events})
}

// unregister removes id from the set. No-op if id isn't registered.
func (s *sourceSet) unregister(id sourceID) {
	i, ok := s.idx[id]
	if !ok {
		return
	}
	last := len(s.ids) - 1
	s.ids[i] = s.ids[last]
	s.fds[i] = s.fds[last]
	s.idx[s.ids[i]] = i
	s.ids = s.ids[:last]
	s.fds = s.fds[:last]
	delete(s.idx, id)
}

// setWritable toggles whether id is also polled for writability, used
// when a peer accumulates pending output (or drains it).
func (s *sourceSet) setWritable(id sourceID, writable bool) {
	i, ok := s.idx[id]
	if !ok {
		return
	}
	if writable {
		s.fds[i].Events |= unix.POLLOUT
	} else {
		s.fds[i].Events &^= unix.POLLOUT
	}
}

func (s *sourceSet) len() int { return len(s.ids) }

// wait blocks until at least one registered fd is ready or timeout
// elapses (a negative timeout blocks indefinitely), then returns the
// readiness of every fd that had any event set, paired with its id. The
// slice is sorted by id for deterministic iteration in tests.
func (s *sourceSet) wait(timeout time.Duration) ([]sourceID, []Readiness, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.Poll(s.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, nil
	}

	type pair struct {
		id sourceID
		r  Readiness
	}
	var pairs []pair
	for i, pfd := range s.fds {
		if pfd.Revents == 0 {
			continue
		}
		pairs = append(pairs, pair{id: s.ids[i], r: Readiness{
			Readable: pfd.Revents&unix.POLLIN != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
			Errored:  pfd.Revents&unix.POLLERR != 0,
			Hangup:   pfd.Revents&unix.POLLHUP != 0,
			Invalid:  pfd.Revents&unix.POLLNVAL != 0,
		}})
	}
	slices.SortFunc(pairs, func(a, b pair) int {
		switch {
		case idLess(a.id, b.id):
			return -1
		case idLess(b.id, a.id):
			return 1
		default:
			return 0
		}
	})

	ids := make([]sourceID, len(pairs))
	ready := make([]Readiness, len(pairs))
	for i, p := range pairs {
		ids[i] = p.id
		ready[i] = p.r
	}
	return ids, ready, nil
}

func idLess(a, b sourceID) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.addr.String() < b.addr.String()
}
