// Package history records finished mining rounds to blob storage, a local
// journal or PostgreSQL.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Formats of blob history files.
const (
	FormatParquet  = "parquet"
	FormatJSONLZst = "jsonl.zst"
)

// RoundRecord summarizes one mining round.
type RoundRecord struct {
	Height       uint64    `parquet:"height" json:"height"`
	Block        uint64    `parquet:"block" json:"block"`
	Gensig       string    `parquet:"gensig" json:"gensig"`
	BaseTarget   uint64    `parquet:"base_target" json:"base_target"`
	Scoop        uint32    `parquet:"scoop" json:"scoop"`
	StartedAt    time.Time `parquet:"started_at,timestamp(millisecond)" json:"started_at"`
	DurationMs   int64     `parquet:"duration_ms" json:"duration_ms"`
	Nonces       uint64    `parquet:"nonces" json:"nonces"`
	SpeedMiBs    float64   `parquet:"speed_mib_s" json:"speed_mib_s"`
	BestAccount  uint64    `parquet:"best_account" json:"best_account"`
	BestNonce    uint64    `parquet:"best_nonce" json:"best_nonce"`
	BestDeadline uint64    `parquet:"best_deadline" json:"best_deadline"`
	Submitted    int       `parquet:"submitted" json:"submitted"`
}

// Sink stores round records.
type Sink interface {
	Record(ctx context.Context, rec RoundRecord) error
	Close(ctx context.Context) error
}

// Config selects the sinks.
type Config struct {
	URL         string
	Format      string
	Batch       int
	JournalPath string
	PostgresDSN string
}

// New opens every sink enabled in cfg. Without any sink it returns a no-op.
func New(ctx context.Context, cfg Config) (Sink, error) {
	var sinks Multi

	if cfg.URL != "" {
		s, err := OpenBlobSink(ctx, cfg.URL, cfg.Format, cfg.Batch)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.JournalPath != "" {
		s, err := OpenJournal(cfg.JournalPath)
		if err != nil {
			sinks.Close(ctx)
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.PostgresDSN != "" {
		s, err := NewPostgresSink(ctx, cfg.PostgresDSN)
		if err != nil {
			sinks.Close(ctx)
			return nil, fmt.Errorf("open postgres history: %w", err)
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return Noop{}, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// Multi fans records out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, rec RoundRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards records.
type Noop struct{}

func (Noop) Record(context.Context, RoundRecord) error { return nil }
func (Noop) Close(context.Context) error               { return nil }
