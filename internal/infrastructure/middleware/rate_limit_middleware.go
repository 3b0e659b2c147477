package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"voxrelay/pkg/config"
	"voxrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client address. Buckets idle for
// limiterIdleTTL are swept lazily on lookup.
type visitors struct {
	mu        sync.Mutex
	byKey     map[string]*visitor
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newVisitors(limit rate.Limit, burst int) *visitors {
	return &visitors{
		byKey:     make(map[string]*visitor),
		limit:     limit,
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// reserve takes a token for key. When none is available it returns how long
// the caller should wait, without consuming anything.
func (v *visitors) reserve(key string) (time.Duration, bool) {
	v.mu.Lock()
	now := v.now()
	if now.Sub(v.lastSweep) > limiterIdleTTL {
		for k, e := range v.byKey {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(v.byKey, k)
			}
		}
		v.lastSweep = now
	}
	e, ok := v.byKey[key]
	if !ok {
		e = &visitor{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.byKey[key] = e
	}
	e.lastSeen = now
	v.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (v *visitors) size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byKey)
}

// clientIP prefers the first X-Forwarded-For hop when it parses as an IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits presence API requests per client IP and,
// when max_concurrent is set, bounds the requests in flight. The WebSocket
// upgrade passes through here too; per-message limits are the signaling
// server's job.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	buckets := newVisitors(rate.Limit(rl.HTTP.RequestsPerSecond), rl.HTTP.Burst)
	var inFlight chan struct{}
	if rl.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, rl.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if wait, ok := buckets.reserve(clientIP(c.Request)); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			abortWithAppError(c, errors.NewRateLimitError())
			return
		}

		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWithAppError(c, errors.NewAppError(errors.ErrCodeServiceUnavailable,
					"too many concurrent requests", http.StatusServiceUnavailable))
				return
			}
		}
		c.Next()
	}
}
