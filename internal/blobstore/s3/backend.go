// Package s3 provides an S3-compatible object storage backend (AWS S3,
// Cloudflare R2, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/petermazzocco/garment-catalog/internal/blobstore"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
	KeyPublicURL       = "public_url"
)

// metaOriginalName is the user metadata entry holding the upload's file name.
const metaOriginalName = "original-name"

var log = logrus.WithField("logger", "blobstore_s3")

func init() {
	blobstore.Register(blobstore.BackendS3, NewFactory, Defaults)
}

// Defaults returns the default configuration for the S3 backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:         "us-east-1",
		KeyForcePathStyle: "false",
	}
}

// NewFactory creates an S3 backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string, deps blobstore.Deps) (blobstore.Store, error) {
	bucket := blobstore.GetString(config, KeyBucket, "")
	if bucket == "" {
		return nil, blobstore.NewConfigError("s3", KeyBucket, "cannot be empty")
	}

	region := blobstore.GetString(config, KeyRegion, "us-east-1")
	endpoint := blobstore.GetString(config, KeyEndpoint, "")
	accessKeyID := blobstore.GetString(config, KeyAccessKeyID, "")
	secretAccessKey := blobstore.GetString(config, KeySecretAccessKey, "")

	forcePathStyle, err := blobstore.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("s3", KeyForcePathStyle, "invalid value", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if deps.HTTPClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(deps.HTTPClient))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, blobstore.NewConfigErrorWithCause("s3", "", "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
	})

	// Fail fast on a bad bucket or credentials.
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, blobstore.NewConfigErrorWithCause("s3", KeyBucket, "bucket not accessible", err)
	}

	log.WithField("bucket", bucket).WithField("region", region).Info("s3 blobstore initialized")

	return New(client, bucket, blobstore.GetString(config, KeyPrefix, ""), blobstore.GetString(config, KeyPublicURL, "")), nil
}

// Backend stores blobs as objects in a single bucket.
type Backend struct {
	client    *s3.Client
	bucket    string
	prefix    string
	publicURL string
	closed    atomic.Bool
}

// New wraps an existing client. publicURL, when set, is the base URL under
// which objects are publicly readable.
func New(client *s3.Client, bucket, prefix, publicURL string) *Backend {
	return &Backend{
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

func (b *Backend) objectKey(key string) string {
	return b.prefix + key
}

// Put uploads body as a new object.
func (b *Backend) Put(ctx context.Context, body io.Reader, size int64, contentType, filename string) (blobstore.Ref, error) {
	if b.closed.Load() {
		return blobstore.Ref{}, blobstore.ErrClosed
	}

	key := blobstore.NewKey(filename)
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{metaOriginalName: url.QueryEscape(filename)},
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}

	obj, err := b.client.PutObject(ctx, in)
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("s3 put: %w", err)
	}
	log.WithField("key", key).WithField("etag", aws.ToString(obj.ETag)).Debug("object uploaded")

	return blobstore.Ref{Key: key, URL: b.url(key)}, nil
}

func (b *Backend) url(key string) string {
	if b.publicURL == "" {
		return ""
	}
	segments := strings.Split(b.objectKey(key), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return b.publicURL + "/" + strings.Join(segments, "/")
}

// Get opens the object for streaming. The returned body is the SDK's
// response body; closing it releases the connection.
func (b *Backend) Get(ctx context.Context, key string) (*blobstore.Object, error) {
	if b.closed.Load() {
		return nil, blobstore.ErrClosed
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}

	filename := out.Metadata[metaOriginalName]
	if unescaped, err := url.QueryUnescape(filename); err == nil {
		filename = unescaped
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}

	return &blobstore.Object{
		Body:        out.Body,
		ContentType: aws.ToString(out.ContentType),
		Filename:    filename,
		Size:        size,
	}, nil
}

// Delete removes the object. S3 delete is already idempotent.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return blobstore.ErrClosed
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete: %w", err)
	}
	return nil
}

// Close is a no-op; the S3 SDK client needs no cleanup.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
