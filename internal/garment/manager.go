// Package garment implements upload validation, identifier assignment and
// the create/list/fetch/delete lifecycle of garment records and their blobs.
package garment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/petermazzocco/garment-catalog/internal/blobstore"
	"github.com/petermazzocco/garment-catalog/internal/catalog"
	"github.com/petermazzocco/garment-catalog/models"
)

var log = logrus.WithField("logger", "garment")

const (
	DefaultBlobTimeout     = 60 * time.Second
	DefaultPersistAttempts = 5
)

// Lifecycle states, used as the "state" log field.
const (
	stateValidating   = "validating"
	stateStoringBlobs = "storing_blobs"
	statePersisted    = "persisted"
	stateDeleted      = "deleted"
)

// Catalog is the record store the Manager persists to.
type Catalog interface {
	Exists(ctx context.Context, garmentID string) (bool, error)
	Create(ctx context.Context, g *models.Garment) error
	ListByOwner(ctx context.Context, owner uint) ([]models.Garment, error)
	FindOwned(ctx context.Context, owner uint, garmentID string) (*models.Garment, error)
	FindOwnedByAsset(ctx context.Context, owner uint, kind, key string) (*models.Garment, error)
	Delete(ctx context.Context, id uint) error
}

// InspectFunc inspects preview bytes and reports the detected content type and
// dimensions.
type InspectFunc func(data []byte) (contentType string, width, height int, err error)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Limits          Limits
	BlobTimeout     time.Duration
	IDAttempts      int
	PersistAttempts int
	// Inspect, when set, sniffs preview content before storage.
	Inspect InspectFunc
	Metrics *Metrics
}

// File is one uploaded file. Size is -1 when unknown.
type File struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// CreateInput is a create request from Owner.
type CreateInput struct {
	Owner       uint
	Name        string
	Description string
	Category    string
	Preview     *File
	Model       *File
}

// Asset is an open blob belonging to Garment. The caller must close Body.
type Asset struct {
	*blobstore.Object
	Kind    string
	Garment *models.Garment
}

// Manager orchestrates the garment lifecycle.
type Manager struct {
	catalog   Catalog
	blobs     blobstore.Store
	validator *Validator
	ids       *Generator
	inspect   InspectFunc
	metrics   *Metrics
	opts      Options
}

// NewManager returns a Manager persisting records to cat and blobs to store.
func NewManager(cat Catalog, store blobstore.Store, opts Options) *Manager {
	if opts.BlobTimeout <= 0 {
		opts.BlobTimeout = DefaultBlobTimeout
	}
	if opts.PersistAttempts <= 0 {
		opts.PersistAttempts = DefaultPersistAttempts
	}

	m := &Manager{
		catalog:   cat,
		blobs:     store,
		validator: NewValidator(opts.Limits),
		ids:       NewGenerator(cat.Exists, opts.IDAttempts),
		inspect:   opts.Inspect,
		metrics:   opts.Metrics,
		opts:      opts,
	}
	m.ids.collided = func() { m.metrics.collision("check") }
	return m
}

// Limits returns the effective upload limits.
func (m *Manager) Limits() Limits {
	return m.validator.Limits()
}

// Create validates both files, stores them concurrently and persists the
// record. On any failure after a blob was stored, the stored blobs are
// deleted before returning.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.Garment, error) {
	g, err := m.create(ctx, in)
	m.metrics.created(createResult(err))
	return g, err
}

func (m *Manager) create(ctx context.Context, in CreateInput) (*models.Garment, error) {
	logger := log.WithField("owner", in.Owner)
	logger.WithField("state", stateValidating).Debug("garment create")

	g, err := m.validate(&in)
	if err != nil {
		return nil, err
	}

	logger.WithField("state", stateStoringBlobs).Debug("garment create")
	previewRef, modelRef, err := m.storeBoth(ctx, in.Preview, in.Model)
	if err != nil {
		logger.WithError(err).Warn("garment assets not stored")
		return nil, err
	}
	g.Preview.Key, g.Preview.URL = previewRef.Key, previewRef.URL
	g.Model.Key, g.Model.URL = modelRef.Key, modelRef.URL

	if err := m.persist(ctx, g); err != nil {
		logger.WithError(err).Error("garment record not persisted, discarding assets")
		m.deleteBlobs(ctx, "create_aborted", previewRef.Key, modelRef.Key)
		return nil, err
	}

	logger.WithField("state", statePersisted).WithField("garment_id", g.GarmentID).Info("garment created")
	return g, nil
}

// validate checks the request and returns the record skeleton. It never
// touches the blob store.
func (m *Manager) validate(in *CreateInput) (*models.Garment, error) {
	if in.Preview == nil || in.Model == nil {
		return nil, &ValidationError{Message: ErrMissingFiles.Error(), Err: ErrMissingFiles}
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Message: "name is required"}
	}

	category := strings.ToLower(strings.TrimSpace(in.Category))
	if category == "" {
		category = models.CategoryShirt
	}
	if !slices.Contains(models.Categories, category) {
		return nil, &ValidationError{Message: fmt.Sprintf("category must be one of %s", strings.Join(models.Categories, ", "))}
	}

	if err := m.validator.Check(FieldPreview, in.Preview.ContentType, in.Preview.Filename, in.Preview.Size); err != nil {
		return nil, err
	}
	if err := m.validator.Check(FieldModel, in.Model.ContentType, in.Model.Filename, in.Model.Size); err != nil {
		return nil, err
	}

	limits := m.validator.Limits()
	preview := models.AssetRef{
		ContentType: normalizeType(in.Preview.ContentType),
		Filename:    in.Preview.Filename,
		Size:        in.Preview.Size,
	}

	if m.inspect != nil {
		data, err := readCapped(FieldPreview, in.Preview.Content, limits.MaxPreviewBytes)
		if err != nil {
			return nil, err
		}
		detected, width, height, err := m.inspect(data)
		if err != nil {
			return nil, &ValidationError{Field: FieldPreview, Message: "preview is not a readable image", Err: err}
		}
		if detected != preview.ContentType {
			return nil, &ValidationError{
				Field:   FieldPreview,
				Message: fmt.Sprintf("preview content is %s but was declared as %s", detected, preview.ContentType),
			}
		}
		in.Preview.Content = bytes.NewReader(data)
		in.Preview.Size = int64(len(data))
		preview.Size, preview.Width, preview.Height = in.Preview.Size, width, height
	} else if in.Preview.Size < 0 {
		in.Preview.Content = &capReader{field: FieldPreview, r: in.Preview.Content, remaining: limits.MaxPreviewBytes}
	}

	if in.Model.Size < 0 {
		in.Model.Content = &capReader{field: FieldModel, r: in.Model.Content, remaining: limits.MaxModelBytes}
	}

	return &models.Garment{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Category:    category,
		Preview:     preview,
		Model: models.AssetRef{
			ContentType: storedType(in.Model),
			Filename:    in.Model.Filename,
			Size:        in.Model.Size,
		},
		CreatedBy: in.Owner,
	}, nil
}

// storeBoth writes preview and model in parallel and waits for both. Each
// Put runs detached from ctx and from its sibling with its own timeout, so
// an upload that completes always reports its ref; whichever succeeded is
// deleted if the other failed.
func (m *Manager) storeBoth(ctx context.Context, preview, model *File) (blobstore.Ref, blobstore.Ref, error) {
	files := [2]*File{preview, model}
	fields := [2]string{FieldPreview, FieldModel}
	var refs [2]blobstore.Ref

	putCtx := context.WithoutCancel(ctx)
	var group errgroup.Group
	for i := range files {
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(putCtx, m.opts.BlobTimeout)
			defer cancel()

			f := files[i]
			ref, err := m.blobs.Put(callCtx, f.Content, f.Size, storedType(f), f.Filename)
			if err != nil {
				var verr *ValidationError
				if errors.As(err, &verr) {
					return verr
				}
				return &StorageError{Field: fields[i], Err: err}
			}
			refs[i] = ref
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		m.deleteBlobs(ctx, "create_aborted", refs[0].Key, refs[1].Key)
		return blobstore.Ref{}, blobstore.Ref{}, err
	}
	return refs[0], refs[1], nil
}

// persist assigns a garmentId and inserts g, retrying with a fresh id when
// the insert loses a race on the unique index.
func (m *Manager) persist(ctx context.Context, g *models.Garment) error {
	for attempt := 1; attempt <= m.opts.PersistAttempts; attempt++ {
		id, err := m.ids.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIdentifierExhausted) {
				return err
			}
			return &PersistError{Err: err}
		}

		g.GarmentID = id
		g.CreatedAt = time.Now().UTC()
		err = m.catalog.Create(ctx, g)
		if err == nil {
			return nil
		}
		if !errors.Is(err, catalog.ErrDuplicateGarmentID) {
			return &PersistError{Err: err}
		}
		m.metrics.collision("insert")
		log.WithField("garment_id", id).WithField("attempt", attempt).Warn("garment id taken at insert, retrying")
	}
	return ErrIdentifierExhausted
}

// List returns owner's records, newest first.
func (m *Manager) List(ctx context.Context, owner uint) ([]models.Garment, error) {
	return m.catalog.ListByOwner(ctx, owner)
}

// Get returns owner's record with garmentID.
func (m *Manager) Get(ctx context.Context, owner uint, garmentID string) (*models.Garment, error) {
	g, err := m.catalog.FindOwned(ctx, owner, garmentID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotFound
	}
	return g, err
}

// Delete removes both blobs, then the record. Blob deletion failures are
// logged and do not stop the record from being deleted. Once the record is
// found the sequence runs to completion even if ctx is cancelled.
func (m *Manager) Delete(ctx context.Context, owner uint, garmentID string) error {
	g, err := m.Get(ctx, owner, garmentID)
	if err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	m.deleteBlobs(ctx, "garment_deleted", g.Preview.Key, g.Model.Key)

	if err := m.catalog.Delete(ctx, g.ID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	m.metrics.deleted()
	log.WithField("owner", owner).WithField("garment_id", garmentID).WithField("state", stateDeleted).Info("garment deleted")
	return nil
}

// OpenAsset opens the kind ("preview" or "model") blob stored under key,
// provided owner's record references it.
func (m *Manager) OpenAsset(ctx context.Context, owner uint, kind, key string) (*Asset, error) {
	if kind != FieldPreview && kind != FieldModel {
		return nil, ErrNotFound
	}

	g, err := m.catalog.FindOwnedByAsset(ctx, owner, kind, key)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	obj, err := m.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		log.WithField("garment_id", g.GarmentID).WithField("key", key).Warn("record references a missing blob")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Field: kind, Err: err}
	}

	ref := g.Preview
	if kind == FieldModel {
		ref = g.Model
	}
	if obj.ContentType == "" {
		obj.ContentType = ref.ContentType
	}
	if obj.Filename == "" {
		obj.Filename = ref.Filename
	}
	return &Asset{Object: obj, Kind: kind, Garment: g}, nil
}

// deleteBlobs deletes every non-empty key concurrently and logs each
// failure. It waits for all outcomes and never returns an error.
func (m *Manager) deleteBlobs(ctx context.Context, reason string, keys ...string) {
	ctx = context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, key := range keys {
		if key == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, m.opts.BlobTimeout)
			defer cancel()
			errs[i] = m.blobs.Delete(callCtx, key)
		}()
	}
	wg.Wait()

	for i, key := range keys {
		if key == "" {
			continue
		}
		m.metrics.cleanup(reason, errs[i])
		if errs[i] != nil {
			log.WithField("key", key).WithField("reason", reason).WithError(errs[i]).Warn("blob delete failed")
		}
	}
}

// storedType is the content type recorded for f.
func storedType(f *File) string {
	if t := normalizeType(f.ContentType); t != "" {
		return t
	}
	return "application/octet-stream"
}

func createResult(err error) string {
	var (
		verr *ValidationError
		serr *StorageError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.As(err, &serr):
		return "storage_error"
	case errors.Is(err, ErrIdentifierExhausted):
		return "id_exhausted"
	default:
		return "persist_error"
	}
}

// readCapped reads r fully, failing with a ValidationError once more than
// limit bytes arrive.
func readCapped(field string, r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	if int64(len(data)) > limit {
		return nil, &ValidationError{Field: field, Message: fmt.Sprintf("file exceeds %d bytes", limit)}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Field: field, Message: "file is empty"}
	}
	return data, nil
}

// capReader fails with a ValidationError when its source exceeds remaining.
type capReader struct {
	field     string
	r         io.Reader
	remaining int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, &ValidationError{Field: c.field, Message: "file exceeds size limit"}
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, &ValidationError{Field: c.field, Message: "file exceeds size limit"}
	}
	return n, err
}
