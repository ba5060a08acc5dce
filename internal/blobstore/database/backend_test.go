package database

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/petermazzocco/garment-catalog/internal/blobstore"
	"github.com/petermazzocco/garment-catalog/internal/blobstore/blobstoretest"
	"github.com/petermazzocco/garment-catalog/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "blobs.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	return db
}

func newTestBackend(t *testing.T, chunkSize int) *Backend {
	t.Helper()
	store, err := blobstore.Open(context.Background(), blobstore.BackendDatabase, map[string]string{
		KeyChunkSize: strconv.Itoa(chunkSize),
	}, blobstore.Deps{DB: openTestDB(t)})
	require.NoError(t, err)
	return store.(*Backend)
}

func TestConformance(t *testing.T) {
	blobstoretest.Run(t, newTestBackend(t, DefaultChunkSize))
}

func TestConformanceTinyChunks(t *testing.T) {
	blobstoretest.RunWith(t, newTestBackend(t, 3), blobstoretest.Options{})
}

func TestLargeBlobIsChunked(t *testing.T) {
	b := newTestBackend(t, 1024)
	ctx := context.Background()

	data := bytes.Repeat([]byte("v 0.1 0.2 0.3\n"), 1000)
	ref, err := b.Put(ctx, bytes.NewReader(data), int64(len(data)), "application/octet-stream", "big.obj")
	require.NoError(t, err)

	var chunks int64
	require.NoError(t, b.db.Model(&models.BlobChunk{}).Where("file_key = ?", ref.Key).Count(&chunks).Error)
	assert.Equal(t, int64((len(data)+1023)/1024), chunks)

	obj, err := b.Get(ctx, ref.Key)
	require.NoError(t, err)
	defer obj.Body.Close()
	assert.Equal(t, int64(len(data)), obj.Size)

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, b.Delete(ctx, ref.Key))
	require.NoError(t, b.db.Model(&models.BlobChunk{}).Where("file_key = ?", ref.Key).Count(&chunks).Error)
	assert.Zero(t, chunks)
}

func TestReadAfterClose(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()

	ref, err := b.Put(ctx, bytes.NewReader([]byte("abcdefgh")), 8, "text/plain", "x.obj")
	require.NoError(t, err)

	obj, err := b.Get(ctx, ref.Key)
	require.NoError(t, err)
	require.NoError(t, obj.Body.Close())

	_, err = obj.Body.Read(make([]byte, 4))
	assert.ErrorIs(t, err, blobstore.ErrClosed)
}

func TestRequiresDB(t *testing.T) {
	_, err := NewFactory(context.Background(), Defaults(), blobstore.Deps{})
	var cerr *blobstore.ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestRejectsBadChunkSize(t *testing.T) {
	_, err := NewFactory(context.Background(), map[string]string{KeyChunkSize: "0"}, blobstore.Deps{DB: openTestDB(t)})
	assert.Error(t, err)
}
