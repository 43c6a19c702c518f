package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/VenkatGGG/turno/pkg/httpx"
)

func (s *Server) withAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requestHasAPIKey(r, s.adminAPIKey) {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withSubmitRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := requestClientIdentity(r)
		if !s.limiter.Allow(client, s.now()) {
			s.logger.Warn("submission rate limit exceeded", zap.String("client", client))
			w.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfterSeconds()))
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestHasAPIKey(r *http.Request, expected string) bool {
	want := strings.TrimSpace(expected)
	if want == "" {
		return true
	}
	candidates := []string{strings.TrimSpace(r.Header.Get("X-API-Key"))}
	if websocketUpgrade(r) {
		// browsers cannot set headers on a WebSocket handshake
		candidates = append(candidates, strings.TrimSpace(r.URL.Query().Get("api_key")))
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}
	for _, candidate := range candidates {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func requestClientIdentity(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if raw := strings.TrimSpace(r.RemoteAddr); raw != "" {
		return raw
	}
	return "unknown"
}

// clientLimiter keeps one token bucket per client identity.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	idle := 10 * time.Minute
	if limit > 0 {
		// a bucket idle this long has refilled completely
		if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &clientLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		clients: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) Allow(client string, now time.Time) bool {
	key := strings.TrimSpace(client)
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = bucket
	}
	bucket.lastSeen = now
	allowed := bucket.limiter.AllowN(now, 1)
	l.pruneLocked(now)
	return allowed
}

func (l *clientLimiter) retryAfterSeconds() int {
	if l.limit <= 0 {
		return 60
	}
	seconds := int(1/float64(l.limit) + 0.999)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func (l *clientLimiter) pruneLocked(now time.Time) {
	if len(l.clients) < 1000 {
		return
	}
	for key, bucket := range l.clients {
		if now.Sub(bucket.lastSeen) > l.idle {
			delete(l.clients, key)
		}
	}
}
