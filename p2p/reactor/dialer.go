package reactor

import (
	"context"
	"net"
	"time"

	"github.com/AreaLayer/nakamoto/common"
)

// defaultDialTimeout bounds how long an outbound connection attempt is
// allowed to hang before the reactor gives up on it, mirroring the
// teacher's own dial-timeout discipline for peer connections.
const defaultDialTimeout = 10 * time.Second

// tcpDialer is the reactor's default protocol.Dialer, opening plain TCP
// connections with a bounded timeout.
type tcpDialer struct {
	timeout time.Duration
}

// NewTCPDialer returns a protocol.Dialer that dials plain TCP with the
// given timeout. A zero timeout uses defaultDialTimeout.
func NewTCPDialer(timeout time.Duration) *tcpDialer {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &tcpDialer{timeout: timeout}
}

func (d *tcpDialer) Dial(ctx context.Context, addr common.Address) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", addr.String())
}
