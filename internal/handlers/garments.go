package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/petermazzocco/garment-catalog/internal/auth"
	"github.com/petermazzocco/garment-catalog/internal/garment"
)

// Multipart parts up to this size are kept in memory; larger ones spill to
// temporary files.
const multipartMemory = 32 << 20

const previewCacheControl = "public, max-age=31536000, immutable"

// GarmentRoutes mounts the garment endpoints on r. bodyLimit caps the size
// of a create request body.
func GarmentRoutes(r chi.Router, m *garment.Manager, bodyLimit int64) {
	r.Post("/garments", func(w http.ResponseWriter, r *http.Request) {
		CreateGarmentHandler(w, r, m, bodyLimit)
	})
	r.Get("/garments", func(w http.ResponseWriter, r *http.Request) {
		ListGarmentsHandler(w, r, m)
	})
	r.Get("/garments/preview/{fileId}", func(w http.ResponseWriter, r *http.Request) {
		GarmentAssetHandler(w, r, m, garment.FieldPreview)
	})
	r.Get("/garments/model/{fileId}", func(w http.ResponseWriter, r *http.Request) {
		GarmentAssetHandler(w, r, m, garment.FieldModel)
	})
	r.Get("/garments/{garmentId}", func(w http.ResponseWriter, r *http.Request) {
		GetGarmentHandler(w, r, m)
	})
	r.Delete("/garments/{garmentId}", func(w http.ResponseWriter, r *http.Request) {
		DeleteGarmentHandler(w, r, m)
	})
}

func CreateGarmentHandler(w http.ResponseWriter, r *http.Request, m *garment.Manager, bodyLimit int64) {
	owner, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, &garment.ValidationError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), Err: err})
			return
		}
		writeError(w, r, &garment.ValidationError{Message: "expected a multipart/form-data body", Err: err})
		return
	}
	defer r.MultipartForm.RemoveAll()

	files, err := openUploads(r.MultipartForm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	in := garment.CreateInput{
		Owner:       owner,
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
	}
	if f, ok := files[garment.FieldPreview]; ok {
		in.Preview = f.file
	}
	if f, ok := files[garment.FieldModel]; ok {
		in.Model = f.file
	}

	g, err := m.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

type upload struct {
	file *garment.File
	src  multipart.File
}

func (u upload) Close() error {
	return u.src.Close()
}

// openUploads opens the preview and model parts. Any other file field, or a
// field carrying more than one file, is rejected.
func openUploads(form *multipart.Form) (map[string]upload, error) {
	for field, headers := range form.File {
		if field != garment.FieldPreview && field != garment.FieldModel {
			return nil, &garment.ValidationError{Message: fmt.Sprintf("unexpected file field %q", field)}
		}
		if len(headers) != 1 {
			return nil, &garment.ValidationError{Field: field, Message: "expected exactly one file"}
		}
	}

	files := make(map[string]upload, len(form.File))
	for field, headers := range form.File {
		h := headers[0]
		src, err := h.Open()
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return nil, fmt.Errorf("open %s upload: %w", field, err)
		}
		files[field] = upload{
			src: src,
			file: &garment.File{
				Filename:    h.Filename,
				ContentType: h.Header.Get("Content-Type"),
				Size:        h.Size,
				Content:     src,
			},
		}
	}
	return files, nil
}

func ListGarmentsHandler(w http.ResponseWriter, r *http.Request, m *garment.Manager) {
	owner, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	garments, err := m.List(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, garments)
}

func GetGarmentHandler(w http.ResponseWriter, r *http.Request, m *garment.Manager) {
	owner, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	g, err := m.Get(r.Context(), owner, chi.URLParam(r, "garmentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func DeleteGarmentHandler(w http.ResponseWriter, r *http.Request, m *garment.Manager) {
	owner, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	if err := m.Delete(r.Context(), owner, chi.URLParam(r, "garmentId")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Garment deleted successfully"})
}

// GarmentAssetHandler streams the kind blob named by the fileId URL param.
func GarmentAssetHandler(w http.ResponseWriter, r *http.Request, m *garment.Manager, kind string) {
	owner, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	asset, err := m.OpenAsset(r.Context(), owner, kind, chi.URLParam(r, "fileId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer asset.Body.Close()

	h := w.Header()
	h.Set("Content-Type", asset.ContentType)
	if asset.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	}
	switch kind {
	case garment.FieldPreview:
		h.Set("Cache-Control", previewCacheControl)
	case garment.FieldModel:
		h.Set("Content-Disposition", `attachment; filename="`+dispositionName(asset.Filename)+`"`)
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, asset.Body); err != nil {
		// Usually the client went away.
		log.WithError(err).WithField("garment_id", asset.Garment.GarmentID).Debug("asset stream interrupted")
	}
}

// dispositionName drops characters that would break a quoted header value.
func dispositionName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" {
		return "model.obj"
	}
	return name
}
