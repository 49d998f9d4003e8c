package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local directories
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory buckets
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// BlobSink batches records and writes each batch as one object.
type BlobSink struct {
	bucket *blob.Bucket
	format string
	batch  int

	mu   sync.Mutex
	rows []RoundRecord
}

// OpenBlobSink opens the bucket at url, e.g. file:///var/lib/miner/history,
// s3://bucket?region=eu-west-1 or gs://bucket.
func OpenBlobSink(ctx context.Context, url, format string, batch int) (*BlobSink, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open history bucket %s: %w", url, err)
	}
	return NewBlobSink(bucket, format, batch), nil
}

// NewBlobSink writes to an open bucket and takes ownership of it.
func NewBlobSink(bucket *blob.Bucket, format string, batch int) *BlobSink {
	if format == "" {
		format = FormatParquet
	}
	if batch <= 0 {
		batch = 1
	}
	return &BlobSink{bucket: bucket, format: format, batch: batch}
}

// Record buffers rec and writes the batch once it is full.
func (s *BlobSink) Record(ctx context.Context, rec RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	if len(s.rows) < s.batch {
		return nil
	}
	return s.flushLocked(ctx)
}

// Close writes buffered records and releases the bucket.
func (s *BlobSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(ctx); err != nil {
		s.bucket.Close()
		return err
	}
	return s.bucket.Close()
}

func (s *BlobSink) flushLocked(ctx context.Context) error {
	if len(s.rows) == 0 {
		return nil
	}

	data, err := encode(s.format, s.rows)
	if err != nil {
		return err
	}

	first, last := s.rows[0], s.rows[len(s.rows)-1]
	key := fmt.Sprintf("rounds/height=%d-%d/part-%s.%s", first.Height, last.Height, uuid.NewString(), s.format)

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write history to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	s.rows = s.rows[:0]
	return nil
}

func encode(format string, rows []RoundRecord) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatParquet:
		if err := parquet.Write(&buf, rows); err != nil {
			return nil, fmt.Errorf("encode parquet: %w", err)
		}
	case FormatJSONLZst:
		if err := writeJSONL(&buf, rows); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown history format %q", format)
	}
	return buf.Bytes(), nil
}

// writeJSONL writes rows as one zstd frame of JSON lines.
func writeJSONL(buf *bytes.Buffer, rows []RoundRecord) error {
	zw, err := zstd.NewWriter(buf)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	enc := json.NewEncoder(zw)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			zw.Close()
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd encoder: %w", err)
	}
	return nil
}

// DecodeParquet reads records written by a parquet BlobSink.
func DecodeParquet(data []byte) ([]RoundRecord, error) {
	return parquet.Read[RoundRecord](bytes.NewReader(data), int64(len(data)))
}
