package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/manifest.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://run/manifest.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("run/manifest.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
}

func TestBlobStoreOverwriteAndRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	_, err := store.PutObject(ctx, "a", "", bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "a", "", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "b", "", bytes.NewReader(nil))
	require.NoError(t, err)

	rc, err := store.GetObject(ctx, "a")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
	require.Equal(t, []string{"a", "b"}, store.Keys())

	_, err = store.GetObject(ctx, "missing")
	require.Error(t, err)
}
