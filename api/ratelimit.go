package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/warp/waitlist-engine/core"
)

// JoinLimiter throttles join requests per client address. Each client gets a
// token bucket of PerMinute tokens refilled evenly over a minute.
//
// Buckets are kept per address until Sweep drops the idle ones; the
// scheduler runs it so the map stays bounded by recently active clients.
type JoinLimiter struct {
	PerMinute int
	Now       core.Clock

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewJoinLimiter(perMinute int) *JoinLimiter {
	return &JoinLimiter{PerMinute: perMinute, Now: core.SystemClock, clients: make(map[string]*clientBucket)}
}

func (l *JoinLimiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.PerMinute)), l.PerMinute)}
		l.clients[client] = b
	}
	b.lastSeen = l.Now()
	return b.lim
}

// Sweep drops buckets not used for idle and returns how many were dropped.
// A bucket idle for a full minute has refilled, so dropping it after that
// never hands a client extra tokens.
func (l *JoinLimiter) Sweep(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.Now().Add(-idle)
	dropped := 0
	for client, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, client)
			dropped++
		}
	}
	return dropped
}

// Clients returns the number of tracked client buckets.
func (l *JoinLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware answers 429 once a client's bucket is empty. A nil limiter or a
// non-positive rate lets every request through.
func (l *JoinLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.PerMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
