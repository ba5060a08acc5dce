// Package badger provides a BadgerDB-backed blob storage backend for local
// disk deployments and in-memory tests.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/petermazzocco/garment-catalog/internal/blobstore"
)

// Chunks live under blob/<key>/<n>, metadata under meta/<key>. Storage keys
// never contain '/', so blob/<key>/ only matches one blob's chunks.
const (
	dataPrefix = "blob/"
	metaPrefix = "meta/"
)

const (
	KeyPath       = "path"
	KeySyncWrites = "sync_writes"
	KeyInMemory   = "in_memory"
	KeyChunkSize  = "chunk_size"
)

const (
	DefaultChunkSize = 256 << 10

	// MaxChunkSize stays below the 1 MiB value ceiling badger enforces in
	// in-memory mode.
	MaxChunkSize = 512 << 10
)

var log = logrus.WithField("logger", "blobstore_badger")

func init() {
	blobstore.Register(blobstore.BackendBadger, NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:       "./data/blobs",
		KeySyncWrites: "true",
		KeyInMemory:   "false",
		KeyChunkSize:  strconv.Itoa(DefaultChunkSize),
	}
}

// NewFactory creates a BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string, _ blobstore.Deps) (blobstore.Store, error) {
	chunkSize, err := blobstore.GetInt(config, KeyChunkSize, DefaultChunkSize)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("badger", KeyChunkSize, "invalid value", err)
	}
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return nil, blobstore.NewConfigError("badger", KeyChunkSize, fmt.Sprintf("must be between 1 and %d", MaxChunkSize))
	}

	inMemory, err := blobstore.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("badger", KeyInMemory, "invalid value", err)
	}
	if inMemory {
		b, err := NewInMemory()
		if err != nil {
			return nil, err
		}
		b.chunkSize = chunkSize
		return b, nil
	}

	path := blobstore.GetString(config, KeyPath, "")
	if path == "" {
		return nil, blobstore.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, blobstore.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := blobstore.GetBool(config, KeySyncWrites, true)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("badger", KeySyncWrites, "invalid value", err)
	}

	opts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(syncWrites)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	log.WithField("path", path).WithField("sync_writes", syncWrites).WithField("chunk_size", chunkSize).Info("badger blobstore initialized")
	b := NewWithDB(db)
	b.chunkSize = chunkSize
	return b, nil
}

// NewInMemory opens a backend that keeps everything in memory.
func NewInMemory() (*Backend, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
	}
	return NewWithDB(db), nil
}

type meta struct {
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Chunks      int    `json:"chunks"`
}

// Backend is a BadgerDB implementation of blobstore.Store.
type Backend struct {
	db        *badger.DB
	chunkSize int
	closed    atomic.Bool
}

// NewWithDB creates a backend over an existing BadgerDB instance using
// DefaultChunkSize.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db, chunkSize: DefaultChunkSize}
}

func chunkPrefix(key string) []byte {
	return []byte(dataPrefix + key + "/")
}

func chunkKey(key string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", dataPrefix, key, n))
}

// Put writes body in chunks, then the metadata. A blob is visible only once
// its metadata exists; chunks of a failed Put are removed.
func (b *Backend) Put(ctx context.Context, body io.Reader, _ int64, contentType, filename string) (blobstore.Ref, error) {
	if b.closed.Load() {
		return blobstore.Ref{}, blobstore.ErrClosed
	}

	key := blobstore.NewKey(filename)
	size, chunks, err := b.writeChunks(ctx, key, body)
	if err == nil {
		err = b.writeMeta(key, meta{ContentType: contentType, Filename: filename, Size: size, Chunks: chunks})
	}
	if err != nil {
		if cerr := b.deleteChunks(key); cerr != nil {
			log.WithField("key", key).WithError(cerr).Warn("failed to remove chunks of aborted put")
		}
		return blobstore.Ref{}, fmt.Errorf("badger put: %w", err)
	}
	return blobstore.Ref{Key: key}, nil
}

func (b *Backend) writeChunks(ctx context.Context, key string, body io.Reader) (int64, int, error) {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	var (
		size int64
		n    int
	)
	buf := make([]byte, b.chunkSize)
	for {
		read, err := io.ReadFull(body, buf)
		if read > 0 {
			// The batch keeps the slice until it commits.
			if err := wb.Set(chunkKey(key, n), append([]byte(nil), buf[:read]...)); err != nil {
				return 0, 0, fmt.Errorf("write chunk %d: %w", n, err)
			}
			size += int64(read)
			n++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("read body: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
	}

	if err := wb.Flush(); err != nil {
		return 0, 0, fmt.Errorf("flush chunks: %w", err)
	}
	return size, n, nil
}

func (b *Backend) writeMeta(key string, m meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaPrefix+key), data)
	})
}

// Get returns a reader that loads one chunk at a time.
func (b *Backend) Get(ctx context.Context, key string) (*blobstore.Object, error) {
	if b.closed.Load() {
		return nil, blobstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var m meta
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &m) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}

	return &blobstore.Object{
		Body:        &chunkReader{backend: b, key: key, total: m.Chunks},
		ContentType: m.ContentType,
		Filename:    m.Filename,
		Size:        m.Size,
	}, nil
}

// Delete removes the metadata first, so readers stop seeing the blob, then
// its chunks. Deleting a missing key succeeds.
func (b *Backend) Delete(_ context.Context, key string) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(metaPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	if err := b.deleteChunks(key); err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (b *Backend) deleteChunks(key string) error {
	prefix := chunkPrefix(key)
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// chunkReader holds at most one chunk in memory.
type chunkReader struct {
	backend *Backend
	key     string
	total   int
	next    int
	buf     []byte
	closed  bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed || r.backend.closed.Load() {
		return 0, blobstore.ErrClosed
	}
	for len(r.buf) == 0 {
		if r.next >= r.total {
			return 0, io.EOF
		}
		err := r.backend.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(chunkKey(r.key, r.next))
			if err != nil {
				return err
			}
			r.buf, err = item.ValueCopy(nil)
			return err
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			err = blobstore.ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("badger read chunk %d of %s: %w", r.next, r.key, err)
		}
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
