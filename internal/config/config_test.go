package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DSN", "postgres://localhost/garments")
	t.Setenv("S3_BUCKET", "garments")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)
	assert.Equal(t, "s3", cfg.BlobBackend)
	assert.Equal(t, 60*time.Second, cfg.BlobTimeout)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Equal(t, int64(10<<20), cfg.MaxPreviewBytes)
	assert.Equal(t, int64(200<<20), cfg.MaxModelBytes)
	assert.Equal(t, 20, cfg.RateLimitPerMinute)
	assert.Equal(t, 2592000, cfg.SessionMaxAge)
	assert.Equal(t, "dev", cfg.Version)
	assert.Equal(t, int64(210<<20+1<<20), cfg.RequestLimit())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DSN=postgres://file/db\nBLOB_BACKEND=badger\nBADGER_PATH=/var/blobs\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DSN")
		os.Unsetenv("BLOB_BACKEND")
		os.Unsetenv("BADGER_PATH")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", cfg.DSN)
	assert.Equal(t, map[string]string{"path": "/var/blobs"}, cfg.BlobConfig())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DSN", "postgres://localhost/garments")
	t.Setenv("BLOB_BACKEND", "database")
	t.Setenv("DB_BLOB_CHUNK_SIZE", "1024")
	t.Setenv("BLOB_TIMEOUT", "5s")
	t.Setenv("MAX_MODEL_BYTES", "1000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.BlobTimeout)
	assert.Equal(t, int64(1000), cfg.MaxModelBytes)
	assert.Equal(t, map[string]string{"chunk_size": "1024"}, cfg.BlobConfig())
}

func TestS3BlobConfig(t *testing.T) {
	t.Setenv("DSN", "postgres://localhost/garments")
	t.Setenv("S3_BUCKET", "garments")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("S3_FORCE_PATH_STYLE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	blob := cfg.BlobConfig()
	assert.Equal(t, "garments", blob["bucket"])
	assert.Equal(t, "http://localhost:9000", blob["endpoint"])
	assert.Equal(t, "true", blob["force_path_style"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing dsn", map[string]string{}, "DSN is required"},
		{"unknown backend", map[string]string{"DSN": "x", "BLOB_BACKEND": "ftp"}, "BLOB_BACKEND"},
		{"s3 without bucket", map[string]string{"DSN": "x"}, "S3_BUCKET"},
		{"metrics on api listener", map[string]string{"DSN": "x", "BLOB_BACKEND": "badger", "ADDR": ":8080", "METRICS_ADDR": ":8080"}, "METRICS_ADDR"},
		{"zero preview limit", map[string]string{"DSN": "x", "BLOB_BACKEND": "badger", "MAX_PREVIEW_BYTES": "0"}, "MAX_PREVIEW_BYTES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DSN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
