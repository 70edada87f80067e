// Package api is the HTTP and WebSocket surface: chat REST endpoints,
// the realtime upgrade, auth, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/drivelinehq/driveline/accounts"
	"github.com/drivelinehq/driveline/chat"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/metrics"
	"github.com/drivelinehq/driveline/realtime"
	"github.com/drivelinehq/driveline/security"
	"github.com/drivelinehq/driveline/services"
	"github.com/drivelinehq/driveline/storage"
)

// claimsKey is where the JWT middleware stores the validated claims.
const claimsKey = "auth_claims"

// Deps carries everything the server serves. Storage may be nil; the
// attachment endpoint then answers 503.
type Deps struct {
	Config   *config.Config
	Registry *services.Registry
	Accounts *accounts.Store
	Security *security.Service
	Chat     *chat.Service
	Hub      *realtime.Hub
	Metrics  *metrics.Service
	Storage  *storage.ObjectStore
}

// Server owns the echo engine and its lifecycle.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *common.ContextLogger
}

// NewServer assembles the middleware chain and routes.
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, deps: deps, logger: common.ServiceLogger("api")}
	e.HTTPErrorHandler = s.errorHandler

	cfg := deps.Config

	e.Use(middleware.Recover())
	e.Use(requestIDMiddleware())
	e.Use(s.logMiddleware())
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(securityHeadersMiddleware())
	e.Use(s.guardMiddleware())
	e.Use(s.rateLimitMiddleware())
	e.Use(s.metricsMiddleware())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	auth := e.Group("/auth")
	auth.POST("/login", s.handleLogin)
	auth.POST("/refresh", s.handleRefresh)
	auth.POST("/logout", s.handleLogout, s.jwtMiddleware())

	// The upgrade authenticates itself: browsers cannot set headers on
	// WebSocket dials, so the token may arrive as a query parameter.
	e.GET("/ws/chat", s.handleChatSocket)

	api := e.Group("", s.jwtMiddleware())
	api.GET("/chat/rooms", s.handleListRooms)
	api.POST("/chat/rooms", s.handleCreateRoom)
	api.GET("/chat/rooms/:id", s.handleGetRoom)
	api.POST("/chat/rooms/:id/members", s.handleAddMember)
	api.PUT("/chat/rooms/:id/members/:user_id", s.handleUpdateMemberRole)
	api.DELETE("/chat/rooms/:id/members/:user_id", s.handleRemoveMember)
	api.GET("/chat/rooms/:id/messages", s.handleRoomMessages)
	api.POST("/chat/rooms/:id/attachments", s.handleUploadAttachment)
	api.POST("/chat/direct-chats", s.handleDirectChat)

	return s
}

// jwtMiddleware validates bearer tokens through the token service so
// revocation and blacklisting apply, then stores the claims.
func (s *Server) jwtMiddleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey: claimsKey,
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			claims, err := s.deps.Security.Tokens.ValidateToken(c.Request().Context(), auth)
			if err != nil {
				return nil, err
			}
			return claims, nil
		},
	})
}

// claims returns the authenticated claims, nil when the route is
// public.
func (s *Server) claims(c echo.Context) *security.Claims {
	claims, _ := c.Get(claimsKey).(*security.Claims)
	return claims
}

// errorHandler maps the error taxonomy onto HTTP responses. Rate
// limit errors additionally carry the X-RateLimit headers.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := errs.HTTPStatus(err)
	code := errs.Code(err)
	message := "internal server error"

	var apiErr *errs.Error
	if errors.As(err, &apiErr) {
		message = apiErr.Message
		if code == errs.CodeRateLimited {
			setRateLimitHeaders(c, apiErr.Details)
		}
	} else if httpErr, ok := err.(*echo.HTTPError); ok {
		status = httpErr.Code
		message = fmt.Sprint(httpErr.Message)
		code = "http_error"
	}

	if status >= 500 {
		s.logger.WithContext(c.Request().Context()).WithError(err).Error("request failed")
		message = "internal server error"
	}

	_ = c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   map[string]interface{}{"code": code, "message": message},
	})
}

// Start listens until the context is cancelled, then drains within
// the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.deps.Config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Echo exposes the engine for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }
