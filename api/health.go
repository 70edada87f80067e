package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// handleHealth pings every registered service that exposes a health
// check. Any failure turns the whole answer 503 so load balancers
// rotate the node out.
func (s *Server) handleHealth(c echo.Context) error {
	results := s.deps.Registry.HealthCheckAll(c.Request().Context())

	healthy := true
	checks := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			healthy = false
			checks[name] = err.Error()
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
	})
}
