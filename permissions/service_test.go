package permissions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/errs"
)

type recordingPublisher struct {
	mu    sync.Mutex
	names []string
	last  map[string]interface{}
}

func (p *recordingPublisher) Publish(_ context.Context, name string, payload map[string]interface{}, _ map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
	p.last = payload
	return nil
}

func newTestService(grants UserPermissions) (*Service, *cache.Service, *recordingPublisher) {
	c := cache.NewService(cache.NewMemoryBackend(), "test", time.Minute)
	pub := &recordingPublisher{}
	return NewService(grants, c, pub), c, pub
}

func TestHasPermissionCachesDecision(t *testing.T) {
	store := &grantStore{grants: map[string][]string{"u-1": {PermSyncRun}}}
	svc, c, _ := newTestService(store)
	ctx := context.Background()
	sub := testSubject{"u-1", RoleMember}

	allowed, err := svc.HasPermission(ctx, sub, PermSyncRun)
	require.NoError(t, err)
	assert.True(t, allowed)

	var cached bool
	hit, err := c.Get(ctx, CheckKey("u-1", PermSyncRun), &cached)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, cached)

	// Second call is served from the decision cache.
	before := store.calls
	allowed, err = svc.HasPermission(ctx, sub, PermSyncRun)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, before, store.calls)
}

func TestHasPermissionCachesDenials(t *testing.T) {
	svc, c, _ := newTestService(nil)
	ctx := context.Background()

	allowed, err := svc.HasPermission(ctx, testSubject{"u-2", RoleGuest}, PermSyncRun)
	require.NoError(t, err)
	assert.False(t, allowed)

	var cached bool
	hit, err := c.Get(ctx, CheckKey("u-2", PermSyncRun), &cached)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.False(t, cached)
}

func TestEnsurePermission(t *testing.T) {
	svc, _, pub := newTestService(nil)
	ctx := context.Background()

	assert.NoError(t, svc.EnsurePermission(ctx, testSubject{"u-1", RoleManager}, PermChatModerate))
	assert.Empty(t, pub.names)

	err := svc.EnsurePermission(ctx, testSubject{"u-2", RoleGuest}, PermChatModerate)
	require.Error(t, err)
	assert.Equal(t, errs.CodePermissionDenied, errs.Code(err))

	require.Equal(t, []string{"permission.denied"}, pub.names)
	assert.Equal(t, "u-2", pub.last["user_id"])
	assert.Equal(t, PermChatModerate, pub.last["permission"])
}

func TestEnsureObjectPermission(t *testing.T) {
	svc, _, pub := newTestService(nil)
	ctx := context.Background()

	// Owner passes without any role grant.
	doc := fieldDoc{UserID: "u-owner"}
	assert.NoError(t, svc.EnsureObjectPermission(ctx, testSubject{"u-owner", RoleGuest}, doc, PermCatalogWrite, "UserID"))

	err := svc.EnsureObjectPermission(ctx, testSubject{"u-other", RoleGuest}, doc, PermCatalogWrite, "UserID")
	require.Error(t, err)
	assert.Equal(t, errs.CodePermissionDenied, errs.Code(err))

	require.Equal(t, []string{"permission.object_denied"}, pub.names)
	assert.Equal(t, "UserID", pub.last["owner_field"])
}

func TestInvalidateUser(t *testing.T) {
	store := &grantStore{grants: map[string][]string{"u-1": {PermSyncRun}}}
	svc, c, _ := newTestService(store)
	ctx := context.Background()
	sub := testSubject{"u-1", RoleMember}

	_, err := svc.HasPermission(ctx, sub, PermSyncRun)
	require.NoError(t, err)

	require.NoError(t, svc.InvalidateUser(ctx, "u-1"))

	var cached bool
	hit, err := c.Get(ctx, CheckKey("u-1", PermSyncRun), &cached)
	require.NoError(t, err)
	assert.False(t, hit, "decision cache should be empty after invalidation")

	var grants []string
	hit, err = c.Get(ctx, UserKey("u-1"), &grants)
	require.NoError(t, err)
	assert.False(t, hit, "grant blob should be empty after invalidation")

	// Re-evaluation consults the store again.
	before := store.calls
	allowed, err := svc.HasPermission(ctx, sub, PermSyncRun)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Greater(t, store.calls, before)
}

func TestGrantBlobCaching(t *testing.T) {
	store := &grantStore{grants: map[string][]string{"u-1": {PermSyncRun, PermSyncCancel}}}
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	// Two different permission checks share one store lookup via the
	// cached grant blob.
	_, err := svc.HasPermission(ctx, testSubject{"u-1", RoleGuest}, PermSyncRun)
	require.NoError(t, err)
	_, err = svc.HasPermission(ctx, testSubject{"u-1", RoleGuest}, PermSyncCancel)
	require.NoError(t, err)

	assert.Equal(t, 1, store.calls)
}
