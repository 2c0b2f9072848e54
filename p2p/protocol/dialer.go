package protocol

import (
	"context"
	"errors"
	"net"

	"github.com/AreaLayer/nakamoto/common"
)

// ErrAlreadyDialing is returned by Dialer implementations (or detected by
// the reactor via its own ConnectingSet) when a Connect intent targets an
// address that's already mid-dial. The reactor treats this as a no-op,
// not a connection failure.
var ErrAlreadyDialing = errors.New("protocol: already dialing address")

// Dialer opens outbound TCP connections on the reactor's behalf. Kept as
// an interface, rather than a concrete net.Dialer, so tests can substitute
// a fake that never touches the network.
type Dialer interface {
	Dial(ctx context.Context, addr common.Address) (net.Conn, error)
}
