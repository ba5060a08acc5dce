// Package blobstoretest provides a conformance suite run against every
// blobstore backend.
package blobstoretest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petermazzocco/garment-catalog/internal/blobstore"
)

// DefaultLargeBlobSize spans several chunks on every chunked backend and is
// past badger's 1 MiB single-value ceiling.
const DefaultLargeBlobSize = 3<<20 + 17

// Options tunes Run. LargeBlobSize 0 skips the large blob case, for backends
// configured with chunks too small to store it in reasonable time.
type Options struct {
	LargeBlobSize int
}

// Run exercises the Store contract against store.
func Run(t *testing.T, store blobstore.Store) {
	t.Helper()
	RunWith(t, store, Options{LargeBlobSize: DefaultLargeBlobSize})
}

// RunWith is Run with options.
func RunWith(t *testing.T, store blobstore.Store, opts Options) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		data := []byte("\x89PNG fake preview bytes")
		ref, err := store.Put(ctx, bytes.NewReader(data), int64(len(data)), "image/png", "red shirt.png")
		require.NoError(t, err)
		assert.NotEmpty(t, ref.Key)
		assert.NotContains(t, ref.Key, "/")
		assert.True(t, strings.HasSuffix(ref.Key, "red_shirt.png"), "key %q should keep the file name", ref.Key)

		obj, err := store.Get(ctx, ref.Key)
		require.NoError(t, err)
		defer obj.Body.Close()

		got, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.Equal(t, "image/png", obj.ContentType)
		assert.Equal(t, "red shirt.png", obj.Filename)
		if obj.Size >= 0 {
			assert.Equal(t, int64(len(data)), obj.Size)
		}
	})

	t.Run("UnknownSize", func(t *testing.T) {
		data := []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n")
		ref, err := store.Put(ctx, bytes.NewReader(data), -1, "application/octet-stream", "tri.obj")
		require.NoError(t, err)

		obj, err := store.Get(ctx, ref.Key)
		require.NoError(t, err)
		defer obj.Body.Close()

		got, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("LargeBlob", func(t *testing.T) {
		if opts.LargeBlobSize <= 0 {
			t.Skip("large blob case disabled")
		}
		data := make([]byte, opts.LargeBlobSize)
		for i := range data {
			data[i] = byte(i % 251)
		}
		ref, err := store.Put(ctx, bytes.NewReader(data), int64(len(data)), "application/octet-stream", "large.obj")
		require.NoError(t, err)

		obj, err := store.Get(ctx, ref.Key)
		require.NoError(t, err)
		defer obj.Body.Close()
		if obj.Size >= 0 {
			assert.Equal(t, int64(len(data)), obj.Size)
		}

		got, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		require.Len(t, got, len(data))
		assert.True(t, bytes.Equal(data, got), "large blob content differs")

		require.NoError(t, store.Delete(ctx, ref.Key))
		_, err = store.Get(ctx, ref.Key)
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("EmptyBlob", func(t *testing.T) {
		ref, err := store.Put(ctx, bytes.NewReader(nil), 0, "application/octet-stream", "empty.obj")
		require.NoError(t, err)

		obj, err := store.Get(ctx, ref.Key)
		require.NoError(t, err)
		defer obj.Body.Close()

		got, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("DistinctKeys", func(t *testing.T) {
		a, err := store.Put(ctx, strings.NewReader("a"), 1, "text/plain", "same.obj")
		require.NoError(t, err)
		b, err := store.Put(ctx, strings.NewReader("b"), 1, "text/plain", "same.obj")
		require.NoError(t, err)
		assert.NotEqual(t, a.Key, b.Key)
	})

	t.Run("Delete", func(t *testing.T) {
		ref, err := store.Put(ctx, strings.NewReader("delete me"), 9, "text/plain", "gone.obj")
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, ref.Key))

		_, err = store.Get(ctx, ref.Key)
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, blobstore.NewKey("never-stored.obj")))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, blobstore.NewKey("never-stored.png"))
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})
}
