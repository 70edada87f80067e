package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/errs"
)

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		bucket string
		key    string
		ok     bool
	}{
		{"simple", "s3://drops/products.csv", "drops", "products.csv", true},
		{"nested key", "s3://drops/2026/08/stock.json", "drops", "2026/08/stock.json", true},
		{"wrong scheme", "http://drops/file.csv", "", "", false},
		{"no key", "s3://drops", "", "", false},
		{"trailing slash", "s3://drops/", "", "", false},
		{"empty bucket", "s3:///file.csv", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseS3URL(tt.raw)
			if !tt.ok {
				require.Error(t, err)
				assert.Equal(t, errs.CodeValidation, errs.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestInitializeCreatesMissingBucket(t *testing.T) {
	mock := NewMockS3()
	store := NewObjectStoreWithClient(mock, "attachments")

	require.NoError(t, store.Initialize(context.Background()))
	assert.True(t, mock.Buckets["attachments"])

	// Second initialize finds the bucket and creates nothing new.
	require.NoError(t, store.Initialize(context.Background()))
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	mock := NewMockS3()
	mock.Buckets["attachments"] = true
	store := NewObjectStoreWithClient(mock, "attachments")
	ctx := context.Background()

	err := store.Put(ctx, "rooms/r-1/photo.jpg", strings.NewReader("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mock.LastType)

	body, err := store.Get(ctx, "rooms/r-1/photo.jpg")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	require.NoError(t, store.Delete(ctx, "rooms/r-1/photo.jpg"))
	_, err = store.Get(ctx, "rooms/r-1/photo.jpg")
	require.Error(t, err)
}

func TestListFiltersByPrefix(t *testing.T) {
	mock := NewMockS3()
	store := NewObjectStoreWithClient(mock, "attachments")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "rooms/r-1/a.jpg", strings.NewReader("a"), ""))
	require.NoError(t, store.Put(ctx, "rooms/r-1/b.jpg", strings.NewReader("b"), ""))
	require.NoError(t, store.Put(ctx, "rooms/r-2/c.jpg", strings.NewReader("c"), ""))

	keys, err := store.List(ctx, "rooms/r-1/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestFetchReadsForeignBucket(t *testing.T) {
	mock := NewMockS3()
	mock.Objects["drops/products.csv"] = []byte("PART_NO\nP-1\n")
	store := NewObjectStoreWithClient(mock, "attachments")

	body, err := store.Fetch(context.Background(), "drops", "products.csv")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "P-1")
}

func TestErrorsAreNetworkErrors(t *testing.T) {
	mock := NewMockS3()
	mock.Err = errors.New("connection reset")
	store := NewObjectStoreWithClient(mock, "attachments")
	ctx := context.Background()

	err := store.Put(ctx, "k", strings.NewReader("v"), "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNetwork, errs.Code(err))
	assert.True(t, errs.IsRetryable(err))

	_, err = store.Get(ctx, "k")
	assert.Equal(t, errs.CodeNetwork, errs.Code(err))
}
