//go:build integration

package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/db"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/security"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func setupChatService(t *testing.T, dsn string) *Service {
	handle, err := db.Open(config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err, "Failed to connect to PostgreSQL")
	require.NoError(t, handle.Migrate(Models()...))

	enc, err := security.NewEncryptor(map[string]string{"k1": "integration-test-key"}, "k1")
	require.NoError(t, err)

	cacheSvc := cache.NewService(cache.NewMemoryBackend(), "itest", time.Minute)
	bus := events.NewBus()

	cfg := config.ChatConfig{
		HistoryPageSize:   50,
		MessageRateLimit:  5,
		MessageRateWindow: time.Minute,
	}
	return NewService(handle.Gorm(), cfg, enc, cacheSvc, bus)
}

func TestChatLifecycle_Integration(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	svc := setupChatService(t, dsn)
	ctx := context.Background()

	alice := "f0000000-0000-0000-0000-00000000000a"
	bob := "f0000000-0000-0000-0000-00000000000b"
	carol := "f0000000-0000-0000-0000-00000000000c"

	// Direct chat: create once, second create refuses, find returns it.
	room, err := svc.Rooms.CreateDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, RoomTypeDirect, room.Type)

	_, err = svc.Rooms.CreateDirectChat(ctx, bob, alice)
	require.Error(t, err, "pair uniqueness must hold in either order")
	assert.Equal(t, errs.CodeBusinessRule, errs.Code(err))

	found, err := svc.Rooms.FindDirectChat(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)

	members, err := svc.Members.GetByRoom(ctx, room.ID, true)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// Messages round-trip through encryption.
	sent, err := svc.Messages.SendMessage(ctx, room.ID, alice, "hello bob", MessageTypeText, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", sent.Content)

	var stored Message
	require.NoError(t, svc.Rooms.db.Where("id = ?", sent.ID).First(&stored).Error)
	assert.NotEqual(t, "hello bob", stored.Content, "content must be encrypted at rest")

	history, err := svc.Messages.GetRoomMessages(ctx, room.ID, 50, "", false)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello bob", history[0].Content)

	// Non-members cannot post.
	_, err = svc.Messages.SendMessage(ctx, room.ID, carol, "let me in", MessageTypeText, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodePermissionDenied, errs.Code(err))

	// Sender's read mark moved to the message timestamp.
	member, err := svc.Members.FindByRoomAndUser(ctx, room.ID, alice)
	require.NoError(t, err)
	require.NotNil(t, member.LastReadAt)
	assert.WithinDuration(t, sent.CreatedAt, *member.LastReadAt, time.Second)
}

func TestChatHistoryPagination_Integration(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	svc := setupChatService(t, dsn)
	ctx := context.Background()

	alice := "f0000000-0000-0000-0000-00000000001a"
	bob := "f0000000-0000-0000-0000-00000000001b"

	room, err := svc.Rooms.CreateDirectChat(ctx, alice, bob)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		sent, err := svc.Messages.SendMessage(ctx, room.ID, alice, fmt.Sprintf("msg %d", i), MessageTypeText, nil)
		require.NoError(t, err)
		ids = append(ids, sent.ID)
		time.Sleep(5 * time.Millisecond)
	}

	// Page backwards from the newest message.
	page, err := svc.Messages.GetRoomMessages(ctx, room.ID, 2, ids[4], false)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID, "ascending within page")
	assert.Equal(t, ids[3], page[1].ID)

	older, err := svc.Messages.GetRoomMessages(ctx, room.ID, 10, page[0].ID, false)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, ids[0], older[0].ID)
	assert.Equal(t, ids[1], older[1].ID)
}

func TestChatRateLimit_Integration(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	svc := setupChatService(t, dsn)
	ctx := context.Background()

	alice := "f0000000-0000-0000-0000-00000000002a"
	bob := "f0000000-0000-0000-0000-00000000002b"

	room, err := svc.Rooms.CreateDirectChat(ctx, alice, bob)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.Messages.SendMessage(ctx, room.ID, alice, "spam", MessageTypeText, nil)
		require.NoError(t, err)
	}

	_, err = svc.Messages.SendMessage(ctx, room.ID, alice, "one too many", MessageTypeText, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimited, errs.Code(err))

	// Bob's budget is his own.
	_, err = svc.Messages.SendMessage(ctx, room.ID, bob, "still fine", MessageTypeText, nil)
	assert.NoError(t, err)
}

func TestChatGroupRoomRoles_Integration(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	svc := setupChatService(t, dsn)
	ctx := context.Background()

	owner := "f0000000-0000-0000-0000-00000000003a"
	admin := "f0000000-0000-0000-0000-00000000003b"
	member := "f0000000-0000-0000-0000-00000000003c"
	outsider := "f0000000-0000-0000-0000-00000000003d"

	room, err := svc.Rooms.CreateGroupChat(ctx, "ops", owner, []string{admin, member, owner}, nil)
	require.NoError(t, err)
	assert.Equal(t, RoomTypeGroup, room.Type)

	members, err := svc.Members.GetByRoom(ctx, room.ID, true)
	require.NoError(t, err)
	assert.Len(t, members, 3, "creator deduplicated from the member list")

	require.NoError(t, svc.Members.UpdateRole(ctx, room.ID, admin, MemberRoleAdmin, owner))

	// Admin cannot touch the owner.
	err = svc.Members.UpdateRole(ctx, room.ID, owner, MemberRoleMember, admin)
	require.Error(t, err)
	assert.Equal(t, errs.CodePermissionDenied, errs.Code(err))

	// The only owner cannot be demoted.
	err = svc.Members.UpdateRole(ctx, room.ID, owner, MemberRoleMember, owner)
	require.Error(t, err)
	assert.Equal(t, errs.CodeBusinessRule, errs.Code(err))

	// Admin cannot remove the owner; owner can remove anyone.
	err = svc.Members.RemoveMember(ctx, room.ID, owner, admin)
	require.Error(t, err)
	require.NoError(t, svc.Members.RemoveMember(ctx, room.ID, member, owner))

	// Members of a direct room cannot be extended; group rooms can.
	err = svc.Rooms.AddMembers(ctx, room.ID, []string{outsider}, "", admin)
	require.NoError(t, err)

	// Removed member rejoining is a reactivation, not a duplicate.
	require.NoError(t, svc.Rooms.AddMembers(ctx, room.ID, []string{member}, "", owner))
	active, err := svc.Members.GetByRoom(ctx, room.ID, true)
	require.NoError(t, err)
	assert.Len(t, active, 4)
}

func TestChatReactionsAndDeletion_Integration(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	svc := setupChatService(t, dsn)
	ctx := context.Background()

	alice := "f0000000-0000-0000-0000-00000000004a"
	bob := "f0000000-0000-0000-0000-00000000004b"

	room, err := svc.Rooms.CreateDirectChat(ctx, alice, bob)
	require.NoError(t, err)

	sent, err := svc.Messages.SendMessage(ctx, room.ID, alice, "react to this", MessageTypeText, nil)
	require.NoError(t, err)

	first, err := svc.Reactions.AddReaction(ctx, sent.ID, bob, "👍")
	require.NoError(t, err)
	second, err := svc.Reactions.AddReaction(ctx, sent.ID, bob, "👍")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "idempotent add returns the existing row")

	counts, err := svc.Reactions.GetReactionCounts(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["👍"])

	users, err := svc.Reactions.GetUserReactions(ctx, sent.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, users)

	require.NoError(t, svc.Reactions.RemoveReaction(ctx, sent.ID, bob, "👍"))
	err = svc.Reactions.RemoveReaction(ctx, sent.ID, bob, "👍")
	assert.Equal(t, errs.CodeNotFound, errs.Code(err))

	// In a direct room both members hold role member, so only the
	// sender may delete.
	err = svc.Messages.DeleteMessage(ctx, sent.ID, bob)
	require.Error(t, err)
	assert.Equal(t, errs.CodePermissionDenied, errs.Code(err))

	require.NoError(t, svc.Messages.DeleteMessage(ctx, sent.ID, alice))
	require.NoError(t, svc.Messages.DeleteMessage(ctx, sent.ID, alice), "repeat delete is a no-op")

	history, err := svc.Messages.GetRoomMessages(ctx, room.ID, 50, "", false)
	require.NoError(t, err)
	assert.Empty(t, history)

	withDeleted, err := svc.Messages.GetRoomMessages(ctx, room.ID, 50, "", true)
	require.NoError(t, err)
	require.Len(t, withDeleted, 1)
	assert.True(t, withDeleted[0].Deleted)
	assert.Empty(t, withDeleted[0].Content)
}
