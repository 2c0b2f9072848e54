// Package protocol defines the reactor-facing contract: the state
// machine interface the reactor drives, and the handful of collaborator
// interfaces (Dialer, Publisher) it needs to do its job. Nothing in this
// package knows about poll(2), sockets, or timers — that's the reactor's
// business. This package only describes what a protocol looks like from
// the outside.
package protocol

import (
	"fmt"
	"io"
	"time"

	"github.com/AreaLayer/nakamoto/common"
)

// Protocol is the externally-supplied state machine the reactor drives.
// C is the command type accepted from callers, E is the event type
// emitted for observers, and D is the protocol-specific disconnect
// reason. All mutating methods are called exclusively from the reactor's
// single thread; a Protocol implementation needs no internal locking.
type Protocol[C any, E any, D fmt.Stringer] interface {
	// Initialize is called once, before any other method, with the
	// reactor's starting clock reading.
	Initialize(now time.Time)

	// ReceivedBytes delivers bytes read from addr. Called once per
	// readable event with whatever was read in that one read(2) call.
	ReceivedBytes(addr common.Address, data []byte)

	// Attempted notes that an outbound connection attempt to addr is
	// underway. Always called before Connected for outbound links;
	// never called for inbound links.
	Attempted(addr common.Address)

	// Connected notes that addr is now connected, reachable locally as
	// localAddr, over the given link direction.
	Connected(addr common.Address, localAddr common.Address, link common.Link)

	// Disconnected notes that addr is no longer connected.
	Disconnected(addr common.Address, reason DisconnectReason[D])

	// Command delivers an external command to the state machine.
	Command(cmd C)

	// Tick updates the protocol's notion of the current time.
	Tick(now time.Time)

	// Wake is called after a previously requested Wakeup Io elapses.
	Wake()

	// Drain returns (and clears) every Io output produced since the
	// last call to Drain.
	Drain() []Io[E, D]

	// Write encodes and writes addr's pending output to w. It may
	// return io.ErrShortWrite if it could not write everything;
	// the reactor retries on the next writable event.
	Write(addr common.Address, w io.Writer) error
}
