package history

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresSink stores one row per round in the mining_rounds table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and creates the table if needed.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 2
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to PostgreSQL history", "component", "history")
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Record(ctx context.Context, rec RoundRecord) error {
	query := `
		INSERT INTO mining_rounds (
			height, block, gensig, base_target, scoop, started_at, duration_ms,
			nonces, speed_mib_s, best_account, best_nonce, best_deadline, submitted
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (height, gensig)
		DO UPDATE SET
			duration_ms = EXCLUDED.duration_ms,
			speed_mib_s = EXCLUDED.speed_mib_s,
			best_account = EXCLUDED.best_account,
			best_nonce = EXCLUDED.best_nonce,
			best_deadline = EXCLUDED.best_deadline,
			submitted = EXCLUDED.submitted,
			recorded_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query,
		int64(rec.Height),
		int64(rec.Block),
		rec.Gensig,
		int64(rec.BaseTarget),
		int32(rec.Scoop),
		rec.StartedAt,
		rec.DurationMs,
		int64(rec.Nonces),
		rec.SpeedMiBs,
		numeric(rec.BestAccount, rec.BestDeadline != math.MaxUint64),
		numeric(rec.BestNonce, rec.BestDeadline != math.MaxUint64),
		numeric(rec.BestDeadline, rec.BestDeadline != math.MaxUint64),
		int32(rec.Submitted),
	)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", rec.Height, err)
	}
	return nil
}

func (s *PostgresSink) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// numeric stores unsigned values beyond the int64 range. Invalid values are NULL.
func numeric(v uint64, valid bool) pgtype.Numeric {
	if !valid {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}
