package frontier

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Politeness decides when a host may be popped again from a delayed queue.
type Politeness interface {
	// Delay returns how long host must still wait; zero means ready now.
	Delay(host string) time.Duration
	// Visited records that an entry for host was just popped.
	Visited(host string)
}

// HostDelay enforces a minimum interval between pops of the same host using a
// token bucket per host with a burst of one.
type HostDelay struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	now      func() time.Time
}

// NewHostDelay returns a policy spacing pops of a host by at least minDelta.
// A non-positive minDelta disables the delay.
func NewHostDelay(minDelta time.Duration) *HostDelay {
	every := rate.Inf
	if minDelta > 0 {
		every = rate.Every(minDelta)
	}
	return &HostDelay{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		now:      time.Now,
	}
}

func (h *HostDelay) limiter(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.every, 1)
		h.limiters[host] = l
	}
	return l
}

// Delay implements Politeness.
func (h *HostDelay) Delay(host string) time.Duration {
	if h.every == rate.Inf || host == "" {
		return 0
	}
	tokens := h.limiter(host).TokensAt(h.now())
	if tokens >= 1 {
		return 0
	}
	missing := 1 - tokens
	return time.Duration(missing / float64(h.every) * float64(time.Second))
}

// Visited implements Politeness.
func (h *HostDelay) Visited(host string) {
	if h.every == rate.Inf || host == "" {
		return
	}
	h.limiter(host).AllowN(h.now(), 1)
}
