package reactor

import (
	"net/netip"
	"time"

	"golang.org/x/time/rate"
)

// inboundThrottleTime bounds how often the reactor will accept a new
// inbound connection from the same source IP, restoring an admission
// control feature present in the teacher's own listener but otherwise
// dropped.
const inboundThrottleTime = 30 * time.Second

// inboundLimiter rate-limits accepted inbound connections per source IP,
// so a single misbehaving or hostile peer can't exhaust the reactor's
// descriptor budget by reconnecting in a tight loop.
type inboundLimiter struct {
	every    rate.Limit
	burst    int
	limiters map[netip.Addr]*rate.Limiter
}

func newInboundLimiter() *inboundLimiter {
	return &inboundLimiter{
		every:    rate.Every(inboundThrottleTime),
		burst:    3,
		limiters: make(map[netip.Addr]*rate.Limiter),
	}
}

// allow reports whether a new inbound connection from ip should be
// accepted right now.
func (l *inboundLimiter) allow(ip netip.Addr) bool {
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}
