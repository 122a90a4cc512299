// Package scanner discovers date-partitioned source data in object storage
// and normalizes raw listing keys into typed partition identifiers.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// ErrSourceUnavailable indicates the storage listing call itself failed.
var ErrSourceUnavailable = errors.New("source listing unavailable")

// ScanError reports a failure of the listing call. Individual malformed
// entries never produce a ScanError; they are skipped with a warning.
type ScanError struct {
	Source string
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Source, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Is lets callers classify any ScanError with errors.Is against
// ErrSourceUnavailable without unwrapping driver-specific causes.
func (e *ScanError) Is(target error) bool { return target == ErrSourceUnavailable }

// Scanner lists available partitions for a table. Scans are restartable:
// each call reflects the current storage state.
type Scanner interface {
	Scan(ctx context.Context, table string) ([]partition.Partition, error)
	Close() error
}

// Config configures the source store backing the scanner.
type Config struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string
	S3Region   string

	// Common key prefix within the bucket or directory.
	Prefix string
}

// New creates a scanner backed by the configured object store.
func New(cfg Config) (Scanner, error) {
	ctx := context.Background()

	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		bucket, err := blob.OpenBucket(ctx, "file://"+cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("open local dir %s: %w", cfg.LocalDir, err)
		}
		return newBlobScanner(bucket, cfg.Prefix, cfg.LocalDir), nil

	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", cfg.GCSBucket))
		if err != nil {
			return nil, fmt.Errorf("open GCS bucket %s: %w", cfg.GCSBucket, err)
		}
		return newBlobScanner(bucket, cfg.Prefix, "gs://"+cfg.GCSBucket), nil

	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		bucketURL := fmt.Sprintf("s3://%s", cfg.S3Bucket)
		params := url.Values{}
		if cfg.S3Region != "" {
			params.Set("region", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			params.Set("endpoint", cfg.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL = bucketURL + "?" + params.Encode()
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("open S3 bucket %s: %w", cfg.S3Bucket, err)
		}
		return newBlobScanner(bucket, cfg.Prefix, "s3://"+cfg.S3Bucket), nil

	default:
		return nil, fmt.Errorf("unknown source backend: %s", cfg.Backend)
	}
}
