package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService records lifecycle calls into a shared journal so tests
// can assert ordering across services.
type fakeService struct {
	name    string
	journal *[]string

	initErr     error
	shutdownErr error
	healthErr   error
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Initialize(ctx context.Context) error {
	*f.journal = append(*f.journal, "init:"+f.name)
	return f.initErr
}

func (f *fakeService) Shutdown(ctx context.Context) error {
	*f.journal = append(*f.journal, "down:"+f.name)
	return f.shutdownErr
}

func (f *fakeService) HealthCheck(ctx context.Context) error {
	return f.healthErr
}

// bareService has no lifecycle hooks at all.
type bareService struct{ name string }

func (b *bareService) Name() string { return b.name }

func TestGetConstructsLazily(t *testing.T) {
	r := NewRegistry()

	constructed := 0
	r.RegisterFactory("widget", func(ctx context.Context) (Service, error) {
		constructed++
		return &bareService{name: "widget"}, nil
	})

	assert.Equal(t, 0, constructed, "factory must not run at registration")

	svc, err := r.Get(context.Background(), "widget")
	require.NoError(t, err)
	assert.Equal(t, "widget", svc.Name())
	assert.Equal(t, 1, constructed)

	// Singleton: same instance, no second construction.
	again, err := r.Get(context.Background(), "widget")
	require.NoError(t, err)
	assert.Same(t, svc, again)
	assert.Equal(t, 1, constructed)
}

func TestGetUnknownService(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestFactoryReplacementKeepsExistingInstance(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("svc", func(ctx context.Context) (Service, error) {
		return &bareService{name: "svc"}, nil
	})

	first, err := r.Get(context.Background(), "svc")
	require.NoError(t, err)

	r.RegisterFactory("svc", func(ctx context.Context) (Service, error) {
		return &bareService{name: "svc"}, nil
	})

	again, err := r.Get(context.Background(), "svc")
	require.NoError(t, err)
	assert.Same(t, first, again, "replacement must not evict the constructed singleton")
}

func TestLookupNeverConstructs(t *testing.T) {
	r := NewRegistry()
	constructed := false
	r.RegisterFactory("lazy", func(ctx context.Context) (Service, error) {
		constructed = true
		return &bareService{name: "lazy"}, nil
	})

	_, ok := r.Lookup("lazy")
	assert.False(t, ok)
	assert.False(t, constructed)

	_, err := r.Get(context.Background(), "lazy")
	require.NoError(t, err)
	_, ok = r.Lookup("lazy")
	assert.True(t, ok)
}

func TestInitializeAllRunsCoreFirst(t *testing.T) {
	r := NewRegistry()
	var journal []string

	// Registered in deliberately wrong order.
	r.RegisterService(&fakeService{name: "chat", journal: &journal})
	r.RegisterService(&fakeService{name: "security", journal: &journal})
	r.RegisterService(&fakeService{name: "cache", journal: &journal})
	r.RegisterService(&fakeService{name: "metrics", journal: &journal})
	r.RegisterService(&fakeService{name: "sync", journal: &journal})

	require.NoError(t, r.InitializeAll(context.Background()))

	assert.Equal(t, []string{
		"init:metrics", "init:cache", "init:security",
		"init:chat", "init:sync",
	}, journal, "core services first, then registration order")
}

func TestInitializeAllShortCircuitsOnFailure(t *testing.T) {
	r := NewRegistry()
	var journal []string

	r.RegisterService(&fakeService{name: "metrics", journal: &journal})
	r.RegisterService(&fakeService{name: "cache", journal: &journal, initErr: errors.New("redis down")})
	r.RegisterService(&fakeService{name: "chat", journal: &journal})

	err := r.InitializeAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache")
	assert.Equal(t, []string{"init:metrics", "init:cache"}, journal,
		"services after the failure must stay untouched")
}

func TestInitializeAllSkipsServicesWithoutHook(t *testing.T) {
	r := NewRegistry()
	r.RegisterService(&bareService{name: "plain"})
	assert.NoError(t, r.InitializeAll(context.Background()))
}

func TestShutdownAllReverseOrderAndSwallowsErrors(t *testing.T) {
	r := NewRegistry()
	var journal []string

	r.RegisterService(&fakeService{name: "a", journal: &journal})
	r.RegisterService(&fakeService{name: "b", journal: &journal, shutdownErr: errors.New("stuck")})
	r.RegisterService(&fakeService{name: "c", journal: &journal})

	r.ShutdownAll(context.Background())

	assert.Equal(t, []string{"down:c", "down:b", "down:a"}, journal,
		"reverse registration order, failures do not stop the walk")
}

func TestShutdownAllSkipsUnconstructed(t *testing.T) {
	r := NewRegistry()
	var journal []string

	r.RegisterService(&fakeService{name: "built", journal: &journal})
	r.RegisterFactory("never-built", func(ctx context.Context) (Service, error) {
		t.Fatal("factory must not run during shutdown")
		return nil, nil
	})

	r.ShutdownAll(context.Background())
	assert.Equal(t, []string{"down:built"}, journal)
}

func TestHealthCheckAll(t *testing.T) {
	r := NewRegistry()
	var journal []string

	r.RegisterService(&fakeService{name: "healthy", journal: &journal})
	r.RegisterService(&fakeService{name: "sick", journal: &journal, healthErr: errors.New("no pong")})
	r.RegisterService(&bareService{name: "no-probe"})

	failures := r.HealthCheckAll(context.Background())
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, "sick")
}
