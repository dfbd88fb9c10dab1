package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-client rate limiting settings for the admin API
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies are CIDRs or single IPs allowed to set X-Forwarded-For
	TrustedProxies []string
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware provides per-IP rate limiting
type RateLimitMiddleware struct {
	mu             sync.Mutex
	clients        map[string]*clientLimiter
	rate           rate.Limit
	burst          int
	idle           time.Duration
	enabled        bool
	trustedProxies []*net.IPNet
	now            func() time.Time
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	if !config.Enabled {
		return &RateLimitMiddleware{}
	}

	requestsPerSecond := config.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 20
	}

	return &RateLimitMiddleware{
		clients:        make(map[string]*clientLimiter),
		rate:           rate.Limit(requestsPerSecond),
		burst:          burst,
		idle:           10 * time.Minute,
		enabled:        true,
		trustedProxies: parseTrustedProxies(config.TrustedProxies),
		now:            time.Now,
	}
}

func parseTrustedProxies(entries []string) []*net.IPNet {
	var out []*net.IPNet
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			ip = ip.To4()
			mask = net.CIDRMask(32, 32)
		}
		out = append(out, &net.IPNet{IP: ip, Mask: mask})
	}
	return out
}

// allow takes a token for ip. Idle clients are swept on the way so the map
// stays bounded without a background goroutine.
func (rl *RateLimitMiddleware) allow(ip string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= 1000 {
			rl.sweep(now)
		}
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimitMiddleware) sweep(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, ip)
		}
	}
}

// extractIP returns the client address. X-Forwarded-For and X-Real-IP are
// only honoured when the direct peer is a trusted proxy, and then the
// rightmost untrusted hop wins.
func extractIP(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(hops[i])
			if candidate != "" && !isTrustedProxy(candidate, trustedProxies) {
				return candidate
			}
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return remoteIP
}

func isTrustedProxy(ipStr string, trustedProxies []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range trustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Limit applies rate limiting
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(extractIP(r, rl.trustedProxies)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request at debug level and server errors at
// warn level
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			level := slog.LevelDebug
			if wrapper.statusCode >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapper.statusCode,
				"remote", r.RemoteAddr,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
