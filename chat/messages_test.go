package chat

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/db"
	"github.com/drivelinehq/driveline/errs"
)

func newMockMessageRepo(t *testing.T) (*MessageRepo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	handle, err := db.OpenWithConn(conn)
	require.NoError(t, err)
	return NewMessageRepo(handle.Gorm(), nil, nil, nil, nil, config.ChatConfig{}), mock
}

func messageColumns() []string {
	return []string{"id", "room_id", "sender_id", "type", "content", "metadata", "created_at", "updated_at", "deleted_at"}
}

func TestGetRoomMessagesReturnsAscending(t *testing.T) {
	repo, mock := newMockMessageRepo(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(messageColumns()).
		AddRow("m3", "r1", "u1", "text", "third", nil, base.Add(2*time.Second), base.Add(2*time.Second), nil).
		AddRow("m2", "r1", "u2", "text", "second", nil, base.Add(time.Second), base.Add(time.Second), nil).
		AddRow("m1", "r1", "u1", "text", "first", nil, base, base, nil)

	mock.ExpectQuery(`SELECT \* FROM "chat_messages" WHERE room_id = .+ AND deleted_at IS NULL ORDER BY created_at DESC`).
		WillReturnRows(rows)

	msgs, err := repo.GetRoomMessages(context.Background(), "r1", 50, "", false)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[2].CreatedAt))
	assert.Equal(t, "first", msgs[0].Content)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoomMessagesCursor(t *testing.T) {
	repo, mock := newMockMessageRepo(t)

	cursor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .created_at. FROM "chat_messages" WHERE id = `).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(cursor))

	mock.ExpectQuery(`SELECT \* FROM "chat_messages" WHERE room_id = .+ AND created_at < .+ ORDER BY created_at DESC`).
		WillReturnRows(sqlmock.NewRows(messageColumns()).
			AddRow("m1", "r1", "u1", "text", "earlier", nil, cursor.Add(-time.Minute), cursor.Add(-time.Minute), nil))

	msgs, err := repo.GetRoomMessages(context.Background(), "r1", 10, "m2", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoomMessagesUnknownCursor(t *testing.T) {
	repo, mock := newMockMessageRepo(t)

	mock.ExpectQuery(`SELECT .created_at. FROM "chat_messages" WHERE id = `).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	_, err := repo.GetRoomMessages(context.Background(), "r1", 10, "ghost", false)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.Code(err))
}

func TestGetRoomMessagesIncludeDeleted(t *testing.T) {
	repo, mock := newMockMessageRepo(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tombstoned := now.Add(time.Hour)
	mock.ExpectQuery(`SELECT \* FROM "chat_messages" WHERE room_id = .+ ORDER BY created_at DESC`).
		WillReturnRows(sqlmock.NewRows(messageColumns()).
			AddRow("m1", "r1", "u1", "text", "v1:k1:sealed", nil, now, now, &tombstoned))

	msgs, err := repo.GetRoomMessages(context.Background(), "r1", 10, "", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Deleted)
	assert.Empty(t, msgs[0].Content)

	assert.NoError(t, mock.ExpectationsWereMet())
}
