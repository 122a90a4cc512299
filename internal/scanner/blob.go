package scanner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"gocloud.dev/blob"

	"github.com/openlakehouse/mart-dispatcher/internal/metrics"
	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// blobScanner lists partitions from any gocloud.dev blob bucket.
type blobScanner struct {
	bucket *blob.Bucket
	prefix string
	source string // location descriptor for errors and partition refs
	log    *slog.Logger
}

func newBlobScanner(bucket *blob.Bucket, prefix, source string) *blobScanner {
	return &blobScanner{
		bucket: bucket,
		prefix: prefix,
		source: source,
		log:    slog.With("component", "scanner"),
	}
}

// Scan lists all objects under {prefix}{table}/ and normalizes them into
// partitions. Malformed keys are skipped with a warning; keys differing
// only in casing collapse to one partition (first location wins).
func (s *blobScanner) Scan(ctx context.Context, table string) ([]partition.Partition, error) {
	listPrefix := s.prefix + table + "/"

	iter := s.bucket.List(&blob.ListOptions{Prefix: listPrefix})

	seen := make(map[string]bool)
	var parts []partition.Partition
	malformed := 0

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ScanError{Source: s.source + "/" + listPrefix, Err: err}
		}
		if obj.IsDir {
			continue
		}

		// Parse relative to the configured prefix so the table segment
		// is the first path element.
		key := strings.TrimPrefix(obj.Key, s.prefix)
		keyTable, date, ok := partition.ParseKey(key)
		if !ok {
			malformed++
			s.log.Warn("skipping malformed object key", "key", obj.Key, "table", table)
			continue
		}
		if !strings.EqualFold(keyTable, table) {
			// Prefix listing can surface sibling tables sharing the
			// prefix string (e.g. "orders_eu" under "orders").
			continue
		}

		p := partition.Partition{
			Table:        table,
			Date:         date,
			Location:     s.source + "/" + obj.Key,
			DiscoveredAt: time.Now().UTC(),
		}
		if seen[p.Key()] {
			continue
		}
		seen[p.Key()] = true
		parts = append(parts, p)
	}

	if malformed > 0 {
		if m := metrics.Get(); m != nil {
			m.AddPartitionsSkippedMalformed(table, float64(malformed))
		}
	}

	partition.SortByDate(parts)
	s.log.Debug("scan complete", "table", table, "partitions", len(parts), "malformed", malformed)
	return parts, nil
}

// Close releases the underlying bucket.
func (s *blobScanner) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
