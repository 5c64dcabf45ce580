// Package archive persists completed-round summaries to Postgres. The room
// store itself stays ephemeral; this is the only durable record a round
// leaves behind.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS round_archive (
    id          BIGSERIAL PRIMARY KEY,
    room_id     TEXT        NOT NULL,
    round       BIGINT      NOT NULL,
    votes       INT         NOT NULL,
    average     DOUBLE PRECISION,
    duration_ms BIGINT      NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (room_id, round)
);
CREATE INDEX IF NOT EXISTS idx_round_archive_room ON round_archive (room_id, ended_at DESC);
`

const insertRound = `
INSERT INTO round_archive (room_id, round, votes, average, duration_ms, ended_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (room_id, round) DO NOTHING
`

// Archive writes round summaries through a pgx pool.
type Archive struct {
	pool *pgxpool.Pool
}

var _ ledger.RoundSink = (*Archive)(nil)

// Connect opens a pool against dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse archive DSN: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open archive pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}
	log.Info().Msg("round archive connected")
	return &Archive{pool: pool}, nil
}

// CreateSchema provisions the archive table. Safe to run on every start.
func (a *Archive) CreateSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// ArchiveRound records one completed round. Re-archiving the same round is a
// no-op, so retries after partial failures stay safe.
func (a *Archive) ArchiveRound(ctx context.Context, s ledger.RoundSummary) error {
	_, err := a.pool.Exec(ctx, insertRound,
		s.RoomID, s.Round, s.Votes, s.Average, s.Duration.Milliseconds(), s.EndedAt)
	if err != nil {
		return fmt.Errorf("insert round summary: %w", err)
	}
	log.Debug().
		Str("room_id", s.RoomID).
		Int64("round", s.Round).
		Int("votes", s.Votes).
		Msg("round archived")
	return nil
}

// RoomHistory returns the most recent archived rounds for a room.
func (a *Archive) RoomHistory(ctx context.Context, roomID string, limit int) ([]ledger.RoundSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.pool.Query(ctx, `
SELECT room_id, round, votes, average, duration_ms, ended_at
FROM round_archive
WHERE room_id = $1
ORDER BY ended_at DESC
LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query room history: %w", err)
	}
	defer rows.Close()

	var out []ledger.RoundSummary
	for rows.Next() {
		var s ledger.RoundSummary
		var durationMs int64
		if err := rows.Scan(&s.RoomID, &s.Round, &s.Votes, &s.Average, &durationMs, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("scan round summary: %w", err)
		}
		s.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (a *Archive) Close() {
	a.pool.Close()
}
