package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/drivelinehq/driveline/chat"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/media"
)

// maxAttachmentBytes caps one upload; the body limit middleware is the
// outer bound, this guards multipart parts specifically.
const maxAttachmentBytes = 25 << 20

var imageContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// handleUploadAttachment stores a multipart file, generates a
// thumbnail for images, and sends the attachment message into the
// room.
func (s *Server) handleUploadAttachment(c echo.Context) error {
	if s.deps.Storage == nil {
		return errs.Unavailable("attachment storage is not configured")
	}

	claims := s.claims(c)
	roomID := c.Param("id")
	ctx := c.Request().Context()

	// Sender must be in the room before anything touches the bucket.
	if _, err := s.deps.Chat.Members.FindByRoomAndUser(ctx, roomID, claims.UserID()); err != nil {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return errs.Validation("multipart field 'file' is required", nil)
	}
	if fileHeader.Size > maxAttachmentBytes {
		return errs.Validation("attachment exceeds the 25MB limit", nil)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return errs.Validation("failed to read upload", nil)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxAttachmentBytes+1))
	if err != nil {
		return errs.Validation("failed to read upload", nil)
	}
	if len(data) > maxAttachmentBytes {
		return errs.Validation("attachment exceeds the 25MB limit", nil)
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	ext := filepath.Ext(fileHeader.Filename)
	key := fmt.Sprintf("rooms/%s/%s%s", roomID, uuid.NewString(), ext)
	if err := s.deps.Storage.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return err
	}

	metadata := chat.JSONMap{
		"attachment_key": key,
		"filename":       fileHeader.Filename,
		"content_type":   contentType,
		"size":           len(data),
	}

	msgType := "file"
	if imageContentTypes[strings.ToLower(contentType)] {
		msgType = "image"
		if thumb, info, err := media.Thumbnail(bytes.NewReader(data), s.thumbEdge(), s.thumbEdge()); err == nil {
			thumbKey := strings.TrimSuffix(key, ext) + "_thumb.jpg"
			if err := s.deps.Storage.Put(ctx, thumbKey, bytes.NewReader(thumb), "image/jpeg"); err == nil {
				metadata["thumbnail_key"] = thumbKey
				metadata["width"] = info.Width
				metadata["height"] = info.Height
			}
		}
	}

	msg, err := s.deps.Chat.Messages.SendMessage(ctx, roomID, claims.UserID(), fileHeader.Filename, msgType, metadata)
	if err != nil {
		// The object is already stored; orphaned keys are cleaned by
		// bucket lifecycle rules.
		return err
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": msg,
	})
}

func (s *Server) thumbEdge() uint {
	if w := s.deps.Config.Storage.ThumbnailWidth; w > 0 {
		return uint(w)
	}
	return 320
}
