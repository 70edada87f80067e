package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/db"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/permissions"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	handle, err := db.OpenWithConn(conn)
	require.NoError(t, err)
	return NewStore(handle.Gorm()), mock
}

func userColumns() []string {
	return []string{"id", "username", "email", "password_hash", "role", "company_id", "is_active", "is_system", "created_at", "updated_at"}
}

func TestGetByUsername(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE username = `).
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("u-1", "jdoe", "jdoe@example.com", "$2a$12$hash", "member", nil, true, false, now, now))

	user, err := store.GetByUsername(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, "member", user.Role)
	assert.Equal(t, "u-1", user.SubjectID())
	assert.Equal(t, "member", user.SubjectRole())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = `).
		WillReturnError(gorm.ErrRecordNotFound)

	_, err := store.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.Code(err))
}

func TestUpdateRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "users" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateRole(context.Background(), "u-1", "manager"))

	mock.ExpectExec(`UPDATE "users" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.UpdateRole(context.Background(), "missing", "manager")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.Code(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSystemUserExisting(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE username = `).
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("u-sys", "as400 sync", "", "!", permissions.RoleAdmin, nil, true, true, now, now))

	user, err := store.FindOrCreateSystemUser(context.Background(), "as400 sync")
	require.NoError(t, err)
	assert.True(t, user.IsSystem)
	assert.Equal(t, permissions.RoleAdmin, user.Role)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionsFor(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT "permission" FROM "user_grants" WHERE user_id = `).
		WillReturnRows(sqlmock.NewRows([]string{"permission"}).
			AddRow(permissions.PermSyncRun).
			AddRow(permissions.PermSyncCancel))

	perms, err := store.PermissionsFor(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{permissions.PermSyncRun, permissions.PermSyncCancel}, perms)
}

func TestRecentPasswordHashes(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT "hash" FROM "password_history" WHERE user_id = `).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).
			AddRow("newest").
			AddRow("older"))

	hashes, err := store.RecentPasswordHashes(context.Background(), "u-1", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "older"}, hashes)

	// Zero window asks nothing of the database.
	hashes, err = store.RecentPasswordHashes(context.Background(), "u-1", 0)
	require.NoError(t, err)
	assert.Nil(t, hashes)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPasswordHash(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO "password_history"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT "id" FROM "password_history" WHERE user_id = `).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	require.NoError(t, store.RecordPasswordHash(context.Background(), "u-1", "$2a$12$new", 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}
