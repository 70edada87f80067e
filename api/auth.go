package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/security"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogin verifies credentials and mints a token pair. Lockout
// and failure accounting go through the password service so the
// thresholds match everywhere.
func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return errs.Validation("invalid request body", nil)
	}
	if req.Username == "" || req.Password == "" {
		return errs.Validation("username and password are required", []errs.FieldError{
			{Loc: "username", Msg: "required", Type: "required"},
		})
	}

	ctx := c.Request().Context()
	sec := s.deps.Security

	user, err := s.deps.Accounts.GetByUsername(ctx, req.Username)
	if err != nil {
		// Same answer for unknown user and bad password.
		return errs.Security("invalid credentials", http.StatusUnauthorized)
	}
	if !user.IsActive {
		return errs.Security("account is disabled", http.StatusForbidden)
	}

	if locked, err := sec.Passwords.IsLockedOut(ctx, user.ID); err == nil && locked {
		return errs.Security("account temporarily locked", http.StatusForbidden)
	}

	if err := security.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		_ = sec.Passwords.RecordFailure(ctx, user.ID)
		return errs.Security("invalid credentials", http.StatusUnauthorized)
	}
	_ = sec.Passwords.ClearFailures(ctx, user.ID)

	perms, err := s.deps.Accounts.PermissionsFor(ctx, user.ID)
	if err != nil {
		return err
	}

	pair, err := sec.Tokens.CreateTokenPair(user.ID, user.Role, perms, map[string]interface{}{
		"username": user.Username,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"tokens":  pair,
		"user": map[string]interface{}{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// handleRefresh rotates a refresh token into a new pair.
func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return errs.Validation("refresh_token is required", nil)
	}

	pair, err := s.deps.Security.Tokens.RefreshTokens(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"tokens":  pair,
	})
}

// handleLogout revokes the presented access token.
func (s *Server) handleLogout(c echo.Context) error {
	claims := s.claims(c)
	token := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	if token == "" || claims == nil {
		return errs.Security("no token to revoke", http.StatusUnauthorized)
	}

	if err := s.deps.Security.Tokens.RevokeToken(c.Request().Context(), token, claims.UserID(), "logout"); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}
