package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/drivelinehq/driveline/chat"
	"github.com/drivelinehq/driveline/errs"
)

type createRoomRequest struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	CompanyID *string  `json:"company_id"`
	Members   []string `json:"members"`
}

type memberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type directChatRequest struct {
	UserID string `json:"user_id"`
}

// handleListRooms pages the caller's rooms.
func (s *Server) handleListRooms(c echo.Context) error {
	claims := s.claims(c)
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))

	rooms, err := s.deps.Chat.Rooms.GetRoomsForUser(
		c.Request().Context(), claims.UserID(), c.QueryParam("type"), page, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"rooms":   rooms,
	})
}

// handleCreateRoom creates a group or company room. Direct chats go
// through /chat/direct-chats, which dedupes pairs.
func (s *Server) handleCreateRoom(c echo.Context) error {
	claims := s.claims(c)
	var req createRoomRequest
	if err := c.Bind(&req); err != nil {
		return errs.Validation("invalid request body", nil)
	}

	switch req.Type {
	case chat.RoomTypeGroup, chat.RoomTypeCompany:
	case chat.RoomTypeDirect:
		return errs.Validation("use /chat/direct-chats for direct rooms", nil)
	default:
		return errs.Validation("type must be group or company", []errs.FieldError{
			{Loc: "type", Msg: "must be group or company", Type: "invalid"},
		})
	}
	if req.Type == chat.RoomTypeCompany && req.CompanyID == nil {
		return errs.Validation("company rooms need company_id", nil)
	}

	room, err := s.deps.Chat.Rooms.CreateGroupChat(
		c.Request().Context(), req.Name, claims.UserID(), req.Members, req.CompanyID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"room":    room,
	})
}

// handleGetRoom returns one room the caller belongs to.
func (s *Server) handleGetRoom(c echo.Context) error {
	claims := s.claims(c)
	roomID := c.Param("id")
	ctx := c.Request().Context()

	// Membership first, so outsiders get 403 rather than existence
	// information only when the room is real; a missing room stays 404.
	room, err := s.deps.Chat.Rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if _, err := s.deps.Chat.Members.FindByRoomAndUser(ctx, roomID, claims.UserID()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    room,
	})
}

// handleAddMember adds one user to a room.
func (s *Server) handleAddMember(c echo.Context) error {
	claims := s.claims(c)
	var req memberRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return errs.Validation("user_id is required", nil)
	}
	role := req.Role
	if role == "" {
		role = chat.MemberRoleMember
	}

	err := s.deps.Chat.Rooms.AddMembers(
		c.Request().Context(), c.Param("id"), []string{req.UserID}, role, claims.UserID())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// handleUpdateMemberRole changes a member's role; the repository
// enforces the owner/admin precedence rules.
func (s *Server) handleUpdateMemberRole(c echo.Context) error {
	claims := s.claims(c)
	var req roleRequest
	if err := c.Bind(&req); err != nil || req.Role == "" {
		return errs.Validation("role is required", nil)
	}

	err := s.deps.Chat.Members.UpdateRole(
		c.Request().Context(), c.Param("id"), c.Param("user_id"), req.Role, claims.UserID())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// handleRemoveMember removes a member; self-removal is always allowed.
func (s *Server) handleRemoveMember(c echo.Context) error {
	claims := s.claims(c)

	err := s.deps.Chat.Members.RemoveMember(
		c.Request().Context(), c.Param("id"), c.Param("user_id"), claims.UserID())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// handleRoomMessages returns history, newest page last.
func (s *Server) handleRoomMessages(c echo.Context) error {
	claims := s.claims(c)
	roomID := c.Param("id")
	ctx := c.Request().Context()

	if _, err := s.deps.Chat.Members.FindByRoomAndUser(ctx, roomID, claims.UserID()); err != nil {
		return err
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	messages, err := s.deps.Chat.Messages.GetRoomMessages(
		ctx, roomID, limit, c.QueryParam("before_id"), false)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": messages,
	})
}

// handleDirectChat finds or creates the 1:1 room for (caller, peer).
// An existing room comes back 200, a fresh one 201.
func (s *Server) handleDirectChat(c echo.Context) error {
	claims := s.claims(c)
	var req directChatRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return errs.Validation("user_id is required", nil)
	}
	if req.UserID == claims.UserID() {
		return errs.Validation("cannot open a direct chat with yourself", nil)
	}
	ctx := c.Request().Context()

	if room, err := s.deps.Chat.Rooms.FindDirectChat(ctx, claims.UserID(), req.UserID); err == nil && room != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"room":    room,
		})
	}

	room, err := s.deps.Chat.Rooms.CreateDirectChat(ctx, claims.UserID(), req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"room":    room,
	})
}
