package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/petermazzocco/garment-catalog/internal/auth"
	"github.com/petermazzocco/garment-catalog/internal/blobstore"
	badgerstore "github.com/petermazzocco/garment-catalog/internal/blobstore/badger"
	"github.com/petermazzocco/garment-catalog/internal/catalog"
	"github.com/petermazzocco/garment-catalog/internal/garment"
	"github.com/petermazzocco/garment-catalog/models"
)

// countingStore counts Put calls on the wrapped store.
type countingStore struct {
	blobstore.Store
	puts atomic.Int32
}

func (c *countingStore) Put(ctx context.Context, body io.Reader, size int64, contentType, filename string) (blobstore.Ref, error) {
	c.puts.Add(1)
	return c.Store.Put(ctx, body, size, contentType, filename)
}

type testServer struct {
	db     *gorm.DB
	blobs  *countingStore
	router chi.Router
}

// testUser stands in for the session middleware.
func testUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.Header.Get("X-Test-User"))
		if err != nil || id <= 0 {
			http.Error(w, "Not Authorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), uint(id))))
	})
}

func newTestServer(t *testing.T, bodyLimit int64) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	cat := catalog.New(db)
	require.NoError(t, cat.Migrate())
	for _, u := range []models.User{{ID: 1, Name: "A", Email: "a@example.com"}, {ID: 2, Name: "B", Email: "b@example.com"}} {
		require.NoError(t, db.Create(&u).Error)
	}

	mem, err := badgerstore.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	blobs := &countingStore{Store: mem}

	m := garment.NewManager(cat, blobs, garment.Options{})

	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		StatusHandler(w, r, "test")
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(testUser)
		GarmentRoutes(r, m, bodyLimit)
		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			GetUserHandler(w, r, db)
		})
	})
	return &testServer{db: db, blobs: blobs, router: r}
}

func (s *testServer) do(t *testing.T, user uint, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if user != 0 {
		req.Header.Set("X-Test-User", strconv.Itoa(int(user)))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type filePart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...filePart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename))
		h.Set("Content-Type", f.contentType)
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

var (
	pngData = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 2040)...)
	objData = bytes.Repeat([]byte("v 0.0 0.0 0.0\n"), 500*1024/14)
)

func previewPart() filePart {
	return filePart{field: "preview", filename: "red.png", contentType: "image/png", data: pngData}
}

func modelPart() filePart {
	return filePart{field: "model", filename: "shirt.obj", contentType: "application/octet-stream", data: objData}
}

func (s *testServer) create(t *testing.T, user uint, name string) models.Garment {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{"name": name}, previewPart(), modelPart())
	rec := s.do(t, user, http.MethodPost, "/api/garments", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var g models.Garment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	return g
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestGarmentLifecycle(t *testing.T) {
	s := newTestServer(t, 16<<20)

	g := s.create(t, 1, "Red Shirt")
	assert.Regexp(t, `^GRM-[0-9A-Z]+-[0-9A-Z]+$`, g.GarmentID)
	assert.Equal(t, "Red Shirt", g.Name)
	assert.Equal(t, "shirt", g.Category)
	assert.NotEmpty(t, g.Preview.Key)
	assert.NotEmpty(t, g.Model.Key)
	assert.Equal(t, int64(len(objData)), g.Model.Size)

	rec := s.do(t, 1, http.MethodGet, "/api/garments", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Garment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.NotEmpty(t, list)
	assert.Equal(t, g.GarmentID, list[0].GarmentID)

	rec = s.do(t, 1, http.MethodGet, "/api/garments/"+g.GarmentID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, 1, http.MethodGet, "/api/garments/preview/"+g.Preview.Key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, previewCacheControl, rec.Header().Get("Cache-Control"))
	assert.Equal(t, pngData, rec.Body.Bytes())

	rec = s.do(t, 1, http.MethodGet, "/api/garments/model/"+g.Model.Key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="shirt.obj"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, strconv.Itoa(len(objData)), rec.Header().Get("Content-Length"))
	assert.Equal(t, len(objData), rec.Body.Len())

	rec = s.do(t, 1, http.MethodDelete, "/api/garments/"+g.GarmentID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Garment deleted successfully"}`, rec.Body.String())

	rec = s.do(t, 1, http.MethodGet, "/api/garments/"+g.GarmentID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, 1, http.MethodGet, "/api/garments/preview/"+g.Preview.Key, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, 1, http.MethodGet, "/api/garments", nil, "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateLargeModel(t *testing.T) {
	s := newTestServer(t, 16<<20)
	model := bytes.Repeat([]byte("v 0.0 0.0 0.0\n"), (5<<20)/14)
	body, ct := multipartBody(t, map[string]string{"name": "Heavy Coat"}, previewPart(),
		filePart{field: "model", filename: "coat.obj", contentType: "application/octet-stream", data: model})

	rec := s.do(t, 1, http.MethodPost, "/api/garments", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var g models.Garment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, int64(len(model)), g.Model.Size)

	rec = s.do(t, 1, http.MethodGet, "/api/garments/model/"+g.Model.Key, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Equal(model, rec.Body.Bytes()), "model bytes differ")
}

func TestListNewestFirst(t *testing.T) {
	s := newTestServer(t, 16<<20)
	first := s.create(t, 1, "First")
	second := s.create(t, 1, "Second")

	rec := s.do(t, 1, http.MethodGet, "/api/garments", nil, "")
	var list []models.Garment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, second.GarmentID, list[0].GarmentID)
	assert.Equal(t, first.GarmentID, list[1].GarmentID)
}

func TestOwnershipIsolation(t *testing.T) {
	s := newTestServer(t, 16<<20)
	g := s.create(t, 1, "Red Shirt")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/garments/" + g.GarmentID},
		{http.MethodDelete, "/api/garments/" + g.GarmentID},
		{http.MethodGet, "/api/garments/preview/" + g.Preview.Key},
		{http.MethodGet, "/api/garments/model/" + g.Model.Key},
	} {
		rec := s.do(t, 2, tc.method, tc.path, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}

	rec := s.do(t, 2, http.MethodGet, "/api/garments", nil, "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = s.do(t, 1, http.MethodGet, "/api/garments/"+g.GarmentID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "owner still sees the record")
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name      string
		fields    map[string]string
		files     []filePart
		wantField string
	}{
		{
			name:      "pdf preview",
			fields:    map[string]string{"name": "Red Shirt"},
			files:     []filePart{{field: "preview", filename: "p.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4")}, modelPart()},
			wantField: "preview",
		},
		{
			name:      "image model",
			fields:    map[string]string{"name": "Red Shirt"},
			files:     []filePart{previewPart(), {field: "model", filename: "m.png", contentType: "image/png", data: pngData}},
			wantField: "model",
		},
		{
			name:   "missing model",
			fields: map[string]string{"name": "Red Shirt"},
			files:  []filePart{previewPart()},
		},
		{
			name:   "missing name",
			fields: map[string]string{},
			files:  []filePart{previewPart(), modelPart()},
		},
		{
			name:   "unexpected file field",
			fields: map[string]string{"name": "Red Shirt"},
			files:  []filePart{previewPart(), modelPart(), {field: "texture", filename: "t.png", contentType: "image/png", data: pngData}},
		},
		{
			name:      "two previews",
			fields:    map[string]string{"name": "Red Shirt"},
			files:     []filePart{previewPart(), previewPart(), modelPart()},
			wantField: "preview",
		},
		{
			name:   "unknown category",
			fields: map[string]string{"name": "Red Shirt", "category": "hat"},
			files:  []filePart{previewPart(), modelPart()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, 16<<20)
			body, ct := multipartBody(t, tt.fields, tt.files...)

			rec := s.do(t, 1, http.MethodPost, "/api/garments", body, ct)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.wantField, resp.InvalidField)
			assert.Zero(t, s.blobs.puts.Load(), "no storage writes on validation failure")
		})
	}
}

func TestCreateBodyTooLarge(t *testing.T) {
	s := newTestServer(t, 64<<10)
	body, ct := multipartBody(t, map[string]string{"name": "Red Shirt"}, previewPart(), modelPart())

	rec := s.do(t, 1, http.MethodPost, "/api/garments", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, s.blobs.puts.Load())
}

func TestCreateNotMultipart(t *testing.T) {
	s := newTestServer(t, 16<<20)
	rec := s.do(t, 1, http.MethodPost, "/api/garments", bytes.NewBufferString(`{"name":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnauthorized(t *testing.T) {
	s := newTestServer(t, 16<<20)
	rec := s.do(t, 0, http.MethodGet, "/api/garments", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, 16<<20)
	rec := s.do(t, 0, http.MethodGet, "/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test", resp["version"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestGetUser(t *testing.T) {
	s := newTestServer(t, 16<<20)
	g := s.create(t, 1, "Red Shirt")

	rec := s.do(t, 1, http.MethodGet, "/api/me", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var user models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, "a@example.com", user.Email)
	require.Len(t, user.Garments, 1)
	assert.Equal(t, g.GarmentID, user.Garments[0].GarmentID)
}
