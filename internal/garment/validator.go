package garment

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Upload slots.
const (
	FieldPreview = "preview"
	FieldModel   = "model"
)

const (
	DefaultMaxPreviewBytes = 10 << 20
	DefaultMaxModelBytes   = 200 << 20
)

// Limits configures the Validator.
type Limits struct {
	MaxPreviewBytes int64
	MaxModelBytes   int64
	// PreviewTypes is the allow-list of preview content types.
	PreviewTypes []string
	// ModelTypes are content types accepted for the model regardless of
	// file extension.
	ModelTypes []string
	// ModelExtensions are accepted for the model regardless of content type.
	ModelExtensions []string
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxPreviewBytes: DefaultMaxPreviewBytes,
		MaxModelBytes:   DefaultMaxModelBytes,
		PreviewTypes:    []string{"image/jpeg", "image/png"},
		ModelTypes:      []string{"application/octet-stream"},
		ModelExtensions: []string{".obj"},
	}
}

// Validator checks upload metadata before any bytes are persisted.
type Validator struct {
	limits Limits
}

// NewValidator returns a Validator. Zero-valued fields of limits fall back
// to DefaultLimits.
func NewValidator(limits Limits) *Validator {
	def := DefaultLimits()
	if limits.MaxPreviewBytes <= 0 {
		limits.MaxPreviewBytes = def.MaxPreviewBytes
	}
	if limits.MaxModelBytes <= 0 {
		limits.MaxModelBytes = def.MaxModelBytes
	}
	if len(limits.PreviewTypes) == 0 {
		limits.PreviewTypes = def.PreviewTypes
	}
	if len(limits.ModelTypes) == 0 {
		limits.ModelTypes = def.ModelTypes
	}
	if len(limits.ModelExtensions) == 0 {
		limits.ModelExtensions = def.ModelExtensions
	}
	return &Validator{limits: limits}
}

// Limits returns the effective limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Check accepts or rejects one file destined for field.
func (v *Validator) Check(field, contentType, filename string, size int64) error {
	mediaType := normalizeType(contentType)
	switch field {
	case FieldPreview:
		if !slices.Contains(v.limits.PreviewTypes, mediaType) {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("preview must be one of %s, got %q", strings.Join(v.limits.PreviewTypes, ", "), contentType),
			}
		}
		return checkSize(field, size, v.limits.MaxPreviewBytes)
	case FieldModel:
		ext := strings.ToLower(filepath.Ext(filename))
		if !slices.Contains(v.limits.ModelTypes, mediaType) && !slices.Contains(v.limits.ModelExtensions, ext) {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("model must be a %s file", strings.Join(v.limits.ModelExtensions, "/")),
			}
		}
		return checkSize(field, size, v.limits.MaxModelBytes)
	default:
		return &ValidationError{Message: fmt.Sprintf("unexpected file field %q", field)}
	}
}

// checkSize treats a negative size as unknown; the manager enforces the
// ceiling while reading in that case.
func checkSize(field string, size, limit int64) error {
	if size == 0 {
		return &ValidationError{Field: field, Message: "file is empty"}
	}
	if size > limit {
		return &ValidationError{Field: field, Message: fmt.Sprintf("file exceeds %d bytes", limit)}
	}
	return nil
}

// normalizeType strips parameters and lowercases a content type.
func normalizeType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
