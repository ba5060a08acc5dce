// Package database stores blobs inside the relational database, split into
// fixed-size chunks so that reads can stream one chunk at a time.
package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/petermazzocco/garment-catalog/internal/blobstore"
	"github.com/petermazzocco/garment-catalog/models"
)

const (
	KeyChunkSize   = "chunk_size"
	KeyAutoMigrate = "auto_migrate"
)

// DefaultChunkSize matches the GridFS default of 255 KiB.
const DefaultChunkSize = 255 * 1024

var log = logrus.WithField("logger", "blobstore_database")

func init() {
	blobstore.Register(blobstore.BackendDatabase, NewFactory, Defaults)
}

// Defaults returns the default configuration for the database backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyChunkSize:   fmt.Sprint(DefaultChunkSize),
		KeyAutoMigrate: "true",
	}
}

// NewFactory creates a database backend on deps.DB.
func NewFactory(_ context.Context, config map[string]string, deps blobstore.Deps) (blobstore.Store, error) {
	if deps.DB == nil {
		return nil, blobstore.NewConfigError("database", "", "requires a database handle")
	}

	chunkSize, err := blobstore.GetInt(config, KeyChunkSize, DefaultChunkSize)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("database", KeyChunkSize, "invalid value", err)
	}
	if chunkSize <= 0 {
		return nil, blobstore.NewConfigError("database", KeyChunkSize, "must be positive")
	}

	migrate, err := blobstore.GetBool(config, KeyAutoMigrate, true)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("database", KeyAutoMigrate, "invalid value", err)
	}
	if migrate {
		if err := deps.DB.AutoMigrate(&models.BlobFile{}, &models.BlobChunk{}); err != nil {
			return nil, blobstore.NewConfigErrorWithCause("database", "", "failed to migrate blob tables", err)
		}
	}

	log.WithField("chunk_size", chunkSize).Info("database blobstore initialized")
	return New(deps.DB, chunkSize), nil
}

// Backend is a gorm implementation of blobstore.Store.
type Backend struct {
	db        *gorm.DB
	chunkSize int
	closed    atomic.Bool
}

// New creates a backend over db. The blob tables must already exist.
func New(db *gorm.DB, chunkSize int) *Backend {
	return &Backend{db: db, chunkSize: chunkSize}
}

// Put splits body into chunks and writes them with the file header in one
// transaction, so a failed upload leaves nothing behind.
func (b *Backend) Put(ctx context.Context, body io.Reader, _ int64, contentType, filename string) (blobstore.Ref, error) {
	if b.closed.Load() {
		return blobstore.Ref{}, blobstore.ErrClosed
	}

	key := blobstore.NewKey(filename)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var (
			size int64
			n    int
		)
		buf := make([]byte, b.chunkSize)
		for {
			read, err := io.ReadFull(body, buf)
			if read > 0 {
				chunk := models.BlobChunk{FileKey: key, N: n, Data: append([]byte(nil), buf[:read]...)}
				if err := tx.Create(&chunk).Error; err != nil {
					return fmt.Errorf("write chunk %d: %w", n, err)
				}
				size += int64(read)
				n++
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
		}

		file := models.BlobFile{
			Key:         key,
			ContentType: contentType,
			Filename:    filename,
			Size:        size,
			ChunkSize:   b.chunkSize,
			Chunks:      n,
		}
		return tx.Create(&file).Error
	})
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("database put: %w", err)
	}
	return blobstore.Ref{Key: key}, nil
}

// Get returns a reader that loads chunks lazily.
func (b *Backend) Get(ctx context.Context, key string) (*blobstore.Object, error) {
	if b.closed.Load() {
		return nil, blobstore.ErrClosed
	}

	var file models.BlobFile
	err := b.db.WithContext(ctx).Where("blob_key = ?", key).First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database get: %w", err)
	}

	return &blobstore.Object{
		Body:        &chunkReader{ctx: ctx, db: b.db, key: key, total: file.Chunks},
		ContentType: file.ContentType,
		Filename:    file.Filename,
		Size:        file.Size,
	}, nil
}

// Delete removes the header and all chunks. Deleting a missing key succeeds.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("blob_key = ?", key).Delete(&models.BlobFile{}).Error; err != nil {
			return err
		}
		return tx.Where("file_key = ?", key).Delete(&models.BlobChunk{}).Error
	})
	if err != nil {
		return fmt.Errorf("database delete: %w", err)
	}
	return nil
}

// Close marks the backend closed. The database handle is owned by the caller.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// chunkReader holds at most one chunk in memory.
type chunkReader struct {
	ctx    context.Context
	db     *gorm.DB
	key    string
	total  int
	next   int
	buf    []byte
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, blobstore.ErrClosed
	}
	for len(r.buf) == 0 {
		if r.next >= r.total {
			return 0, io.EOF
		}
		var chunk models.BlobChunk
		err := r.db.WithContext(r.ctx).
			Where("file_key = ? AND n = ?", r.key, r.next).
			First(&chunk).Error
		if err != nil {
			return 0, fmt.Errorf("database read chunk %d of %s: %w", r.next, r.key, err)
		}
		r.buf = chunk.Data
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	r.buf = nil
	return nil
}
