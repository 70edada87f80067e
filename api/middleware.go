package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/security"
)

// requestIDMiddleware stamps every request with an id, honoring one
// supplied by an upstream proxy, and binds it to the request context.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			ctx := common.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// logMiddleware writes one structured line per request.
func (s *Server) logMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			entry := s.logger.WithContext(c.Request().Context()).WithFields(map[string]interface{}{
				"method":   c.Request().Method,
				"path":     c.Request().URL.Path,
				"status":   c.Response().Status,
				"duration": time.Since(start).Seconds(),
				"remote":   c.RealIP(),
			})
			if err != nil {
				entry.WithError(err).Warn("request")
			} else {
				entry.Info("request")
			}
			return err
		}
	}
}

// securityHeadersMiddleware applies the standard response headers.
func securityHeadersMiddleware() echo.MiddlewareFunc {
	headers := security.SecurityHeaders()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for k, v := range headers {
				c.Response().Header().Set(k, v)
			}
			return next(c)
		}
	}
}

// guardMiddleware scans the query string for suspicious content.
// Findings are logged and counted, never blocked; blocking is the
// handlers' job once parameters are bound.
func (s *Server) guardMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if raw := c.Request().URL.RawQuery; raw != "" {
				s.deps.Security.Guard.ScanContent(c.Request().Context(), "query:"+c.Path(), raw)
			}
			return next(c)
		}
	}
}

// clientLimiter is one client's token bucket with its last-seen time
// for eviction.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiters keeps a bucket per client IP. Stale entries are evicted
// on the fly.
type rateLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
}

const limiterIdleEviction = 3 * time.Minute

func newRateLimiters(rps float64, burst int) *rateLimiters {
	return &rateLimiters{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (r *rateLimiters) allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for addr, cl := range r.clients {
		if now.Sub(cl.lastSeen) > limiterIdleEviction {
			delete(r.clients, addr)
		}
	}

	cl, ok := r.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

// rateLimitMiddleware applies a per-IP token bucket to everything but
// the health and metrics endpoints.
func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	rps := s.deps.Config.Server.RateLimit
	if rps <= 0 {
		rps = 20
	}
	burst := int(rps * 2)
	limiters := newRateLimiters(rps, burst)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if path == "/healthz" || path == "/metrics" {
				return next(c)
			}
			ip := c.RealIP()
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !limiters.allow(ip) {
				return errs.RateLimited(burst, 0, time.Now().Add(time.Second))
			}
			return next(c)
		}
	}
}

// metricsMiddleware feeds the HTTP request tracker.
func (s *Server) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.deps.Metrics == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = errs.HTTPStatus(err)
			}
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			s.deps.Metrics.TrackHTTPRequest(c.Request().Method, path, status, time.Since(start))
			return err
		}
	}
}

// setRateLimitHeaders exposes the budget on 429 responses.
func setRateLimitHeaders(c echo.Context, details map[string]interface{}) {
	set := func(header, key string) {
		if v, ok := details[key]; ok {
			c.Response().Header().Set(header, fmt.Sprint(v))
		}
	}
	set("X-RateLimit-Limit", "limit")
	set("X-RateLimit-Remaining", "remaining")
	set("X-RateLimit-Reset", "reset")
}
