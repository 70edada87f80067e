// Package realtime is the WebSocket side of the chat fabric: the
// connection index, the per-connection pumps, the Redis fan-out
// bridge, presence tracking and the command protocol.
package realtime

import "encoding/json"

// Client commands.
const (
	CmdJoinRoom       = "join_room"
	CmdLeaveRoom      = "leave_room"
	CmdSendMessage    = "send_message"
	CmdReadMessages   = "read_messages"
	CmdTypingStart    = "typing_start"
	CmdTypingStop     = "typing_stop"
	CmdFetchHistory   = "fetch_history"
	CmdAddReaction    = "add_reaction"
	CmdRemoveReaction = "remove_reaction"
	CmdEditMessage    = "edit_message"
	CmdDeleteMessage  = "delete_message"
)

// Server frame types.
const (
	FrameConnected       = "connected"
	FrameError           = "error"
	FrameRoomJoined      = "room_joined"
	FrameUserJoined      = "user_joined"
	FrameRoomLeft        = "room_left"
	FrameUserLeft        = "user_left"
	FrameMessageSent     = "message_sent"
	FrameNewMessage      = "new_message"
	FrameMessagesRead    = "messages_read"
	FrameTypingStart     = "typing_start"
	FrameTypingStop      = "typing_stop"
	FrameHistory         = "history"
	FrameReactionAdded   = "reaction_added"
	FrameReactionRemoved = "reaction_removed"
	FrameMessageEdited   = "message_edited"
	FrameMessageDeleted  = "message_deleted"
)

// ClientFrame is one inbound command. Unknown fields are ignored.
type ClientFrame struct {
	Command string                 `json:"command"`
	RoomID  string                 `json:"room_id,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// ServerFrame is one outbound event.
type ServerFrame struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Success *bool       `json:"success,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func errorFrame(message string) ServerFrame {
	success := false
	return ServerFrame{Type: FrameError, Success: &success, Error: message}
}

func eventFrame(frameType string, data interface{}) ServerFrame {
	success := true
	return ServerFrame{Type: frameType, Data: data, Success: &success}
}

func encodeFrame(frame ServerFrame) ([]byte, error) {
	return json.Marshal(frame)
}

// stringField pulls a string out of a loosely typed data map.
func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// intField pulls an integer out of a loosely typed data map. JSON
// numbers arrive as float64.
func intField(data map[string]interface{}, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// mapField pulls a nested object out of a loosely typed data map.
func mapField(data map[string]interface{}, key string) map[string]interface{} {
	if data == nil {
		return nil
	}
	if v, ok := data[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
