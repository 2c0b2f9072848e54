package protocol

import (
	"fmt"
	"time"

	"github.com/AreaLayer/nakamoto/common"
)

type ioKind uint8

const (
	ioInvalid ioKind = iota
	ioWrite
	ioConnect
	ioDisconnect
	ioWakeup
	ioEvent
)

// Io is one output of a Protocol state transition. It's a tagged struct
// rather than a Go sum-type-via-interface so the reactor can branch on
// Kind() on the hot path without a type switch, and so the zero value
// can't silently look like a valid variant.
type Io[E any, D fmt.Stringer] struct {
	kind   ioKind
	addr   common.Address
	reason DisconnectReason[D]
	wakeup time.Duration
	event  E
}

// Kind reports which variant this Io value holds.
func (i Io[E, D]) Kind() string {
	switch i.kind {
	case ioWrite:
		return "write"
	case ioConnect:
		return "connect"
	case ioDisconnect:
		return "disconnect"
	case ioWakeup:
		return "wakeup"
	case ioEvent:
		return "event"
	default:
		return "unknown"
	}
}

// WriteIo requests that the reactor flush any pending output to addr.
func WriteIo[E any, D fmt.Stringer](addr common.Address) Io[E, D] {
	return Io[E, D]{kind: ioWrite, addr: addr}
}

// ConnectIo requests that the reactor dial addr.
func ConnectIo[E any, D fmt.Stringer](addr common.Address) Io[E, D] {
	return Io[E, D]{kind: ioConnect, addr: addr}
}

// DisconnectIo requests that the reactor drop addr for the given reason.
func DisconnectIo[E any, D fmt.Stringer](addr common.Address, reason DisconnectReason[D]) Io[E, D] {
	return Io[E, D]{kind: ioDisconnect, addr: addr, reason: reason}
}

// WakeupIo requests a wakeup call after d elapses.
func WakeupIo[E any, D fmt.Stringer](d time.Duration) Io[E, D] {
	return Io[E, D]{kind: ioWakeup, wakeup: d}
}

// EventIo asks the reactor to publish an application event.
func EventIo[E any, D fmt.Stringer](event E) Io[E, D] {
	return Io[E, D]{kind: ioEvent, event: event}
}

// Write returns the address and true if this is a Write intent.
func (i Io[E, D]) Write() (common.Address, bool) {
	return i.addr, i.kind == ioWrite
}

// Connect returns the address and true if this is a Connect intent.
func (i Io[E, D]) Connect() (common.Address, bool) {
	return i.addr, i.kind == ioConnect
}

// Disconnect returns the address, reason, and true if this is a
// Disconnect intent.
func (i Io[E, D]) Disconnect() (common.Address, DisconnectReason[D], bool) {
	return i.addr, i.reason, i.kind == ioDisconnect
}

// Wakeup returns the requested delay and true if this is a Wakeup intent.
func (i Io[E, D]) Wakeup() (time.Duration, bool) {
	return i.wakeup, i.kind == ioWakeup
}

// Event returns the event payload and true if this is an Event intent.
func (i Io[E, D]) Event() (E, bool) {
	return i.event, i.kind == ioEvent
}
