// Package imaging inspects uploaded preview images with libvips.
package imaging

import (
	"errors"
	"fmt"

	"github.com/h2non/bimg"
)

// ErrUnsupported is returned for content bimg does not recognise.
var ErrUnsupported = errors.New("unsupported image format")

// Inspect sniffs data and returns its MIME type and pixel dimensions. The
// signature matches garment.InspectFunc.
func Inspect(data []byte) (string, int, int, error) {
	var contentType string
	switch bimg.DetermineImageType(data) {
	case bimg.JPEG:
		contentType = "image/jpeg"
	case bimg.PNG:
		contentType = "image/png"
	case bimg.WEBP:
		contentType = "image/webp"
	case bimg.GIF:
		contentType = "image/gif"
	default:
		return "", 0, 0, ErrUnsupported
	}

	size, err := bimg.NewImage(data).Size()
	if err != nil {
		return "", 0, 0, fmt.Errorf("read image size: %w", err)
	}
	return contentType, size.Width, size.Height, nil
}
