// Package source fetches evidence files from remote object stores so they can
// be streamed like local files.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Sentinel errors.
var (
	ErrInvalidURI     = errors.New("invalid object uri")
	ErrObjectNotFound = errors.New("object not found")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectGetter is the part of the S3 API used by S3Fetcher.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds configuration for the S3 client.
type S3Config struct {
	// Region is the AWS region of the bucket.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack, ...).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
}

// S3Fetcher downloads objects addressed as s3://bucket/key.
type S3Fetcher struct {
	client ObjectGetter
	logger *slog.Logger
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewS3Fetcher creates a fetcher using the default AWS credential chain.
func NewS3Fetcher(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Fetcher, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3FetcherWithClient(client, logger), nil
}

// NewS3FetcherWithClient creates a fetcher around an existing client.
func NewS3FetcherWithClient(client ObjectGetter, logger *slog.Logger) *S3Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Fetcher{client: client, logger: logger}
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %q: scheme must be s3", ErrInvalidURI, uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("%w: %q: want s3://bucket/key", ErrInvalidURI, uri)
	}
	return u.Host, key, nil
}

// Fetch downloads the object at uri into a new subdirectory of dir and
// returns the local path. The local file keeps the object's base name so its
// extension selects the importer.
func (f *S3Fetcher) Fetch(ctx context.Context, uri, dir string) (string, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return "", err
	}

	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, uri)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrDownloadFailed, uri, err)
	}
	defer resp.Body.Close()

	objDir, err := os.MkdirTemp(dir, "obj-")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	local := filepath.Join(objDir, path.Base(key))
	file, err := os.Create(local)
	if err != nil {
		_ = os.RemoveAll(objDir)
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	n, err := io.Copy(file, resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.RemoveAll(objDir)
		return "", fmt.Errorf("%w: %s: %w", ErrDownloadFailed, uri, err)
	}

	f.logger.Info("object downloaded", "uri", uri, "path", local, "bytes", n)
	return local, nil
}
