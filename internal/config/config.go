// Package config loads service settings from an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/petermazzocco/garment-catalog/internal/blobstore"
)

// Config holds every setting the API server reads at startup.
type Config struct {
	Addr    string
	DSN     string
	Version string

	// MetricsAddr is the listener serving /metrics, kept off the public
	// router.
	MetricsAddr string

	BlobBackend string
	BlobTimeout time.Duration

	S3        S3Config
	BadgerDir string
	ChunkSize int

	MaxPreviewBytes int64
	MaxModelBytes   int64

	RateLimitPerMinute int

	SessionSecret string
	SessionMaxAge int
	SessionSecure bool

	GoogleKey         string
	GoogleSecret      string
	GoogleCallbackURL string

	LogLevel  string
	LogFormat string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

var defaults = map[string]any{
	"addr":                  ":3000",
	"metrics_addr":          "127.0.0.1:9090",
	"version":               "dev",
	"blob_backend":          blobstore.BackendS3,
	"blob_timeout":          "60s",
	"s3_region":             "us-east-1",
	"badger_path":           "./data/blobs",
	"db_blob_chunk_size":    255 * 1024,
	"max_preview_bytes":     10 << 20,
	"max_model_bytes":       200 << 20,
	"rate_limit_per_minute": 20,
	"session_max_age":       86400 * 30,
	"google_callback_url":   "http://localhost:3000/auth/google/callback",
	"log_level":             "info",
	"log_format":            "text",
}

// Load reads envFile into the environment when it exists, then builds the
// Config from environment variables. An empty envFile skips the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &Config{
		Addr:        v.GetString("addr"),
		DSN:         v.GetString("dsn"),
		Version:     v.GetString("version"),
		MetricsAddr: v.GetString("metrics_addr"),
		BlobBackend: v.GetString("blob_backend"),
		BlobTimeout: v.GetDuration("blob_timeout"),
		S3: S3Config{
			Bucket:          v.GetString("s3_bucket"),
			Region:          v.GetString("s3_region"),
			Endpoint:        v.GetString("s3_endpoint"),
			Prefix:          v.GetString("s3_prefix"),
			ForcePathStyle:  v.GetBool("s3_force_path_style"),
			AccessKeyID:     v.GetString("s3_access_key_id"),
			SecretAccessKey: v.GetString("s3_secret_access_key"),
			PublicURL:       v.GetString("s3_public_url"),
		},
		BadgerDir:          v.GetString("badger_path"),
		ChunkSize:          v.GetInt("db_blob_chunk_size"),
		MaxPreviewBytes:    v.GetInt64("max_preview_bytes"),
		MaxModelBytes:      v.GetInt64("max_model_bytes"),
		RateLimitPerMinute: v.GetInt("rate_limit_per_minute"),
		SessionSecret:      v.GetString("session_secret"),
		SessionMaxAge:      v.GetInt("session_max_age"),
		SessionSecure:      v.GetBool("session_secure"),
		GoogleKey:          v.GetString("google_key"),
		GoogleSecret:       v.GetString("google_secret"),
		GoogleCallbackURL:  v.GetString("google_callback_url"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return errors.New("DSN is required")
	}
	if !knownBackend(c.BlobBackend) {
		return fmt.Errorf("BLOB_BACKEND %q is not one of %s, %s, %s",
			c.BlobBackend, blobstore.BackendS3, blobstore.BackendDatabase, blobstore.BackendBadger)
	}
	if c.BlobBackend == blobstore.BackendS3 && c.S3.Bucket == "" {
		return errors.New("S3_BUCKET is required for the s3 blob backend")
	}
	if c.MaxPreviewBytes <= 0 || c.MaxModelBytes <= 0 {
		return errors.New("MAX_PREVIEW_BYTES and MAX_MODEL_BYTES must be positive")
	}
	if c.BlobTimeout <= 0 {
		return errors.New("BLOB_TIMEOUT must be positive")
	}
	if c.MetricsAddr == "" || c.MetricsAddr == c.Addr {
		return errors.New("METRICS_ADDR must be set and differ from ADDR")
	}
	if c.RateLimitPerMinute <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}

func knownBackend(name string) bool {
	switch name {
	case blobstore.BackendS3, blobstore.BackendDatabase, blobstore.BackendBadger:
		return true
	}
	return false
}

// BlobConfig returns the string map handed to blobstore.Open for the
// configured backend.
func (c *Config) BlobConfig() map[string]string {
	switch c.BlobBackend {
	case blobstore.BackendS3:
		return map[string]string{
			"bucket":            c.S3.Bucket,
			"region":            c.S3.Region,
			"endpoint":          c.S3.Endpoint,
			"prefix":            c.S3.Prefix,
			"force_path_style":  strconv.FormatBool(c.S3.ForcePathStyle),
			"access_key_id":     c.S3.AccessKeyID,
			"secret_access_key": c.S3.SecretAccessKey,
			"public_url":        c.S3.PublicURL,
		}
	case blobstore.BackendDatabase:
		return map[string]string{
			"chunk_size": strconv.Itoa(c.ChunkSize),
		}
	case blobstore.BackendBadger:
		return map[string]string{
			"path": c.BadgerDir,
		}
	}
	return map[string]string{}
}

// RequestLimit is the ceiling on a create request body.
func (c *Config) RequestLimit() int64 {
	return c.MaxPreviewBytes + c.MaxModelBytes + 1<<20
}
