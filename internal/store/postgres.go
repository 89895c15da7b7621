package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/triage"
)

const schema = `
CREATE TABLE IF NOT EXISTS triage_sessions (
	id         UUID PRIMARY KEY,
	target     TEXT NOT NULL,
	cursor_pos INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS triage_findings (
	session_id  UUID NOT NULL REFERENCES triage_sessions(id) ON DELETE CASCADE,
	id          UUID NOT NULL,
	position    INTEGER NOT NULL,
	signature   TEXT NOT NULL,
	category    TEXT NOT NULL,
	status      TEXT NOT NULL,
	retry_count INTEGER NOT NULL,
	bytes       BIGINT NOT NULL,
	blocks      BIGINT NOT NULL,
	location    TEXT NOT NULL,
	data        JSONB NOT NULL,
	PRIMARY KEY (session_id, id)
);`

// PGStore keeps sessions in Postgres. Each finding is a row carrying its
// queryable columns plus the full finding as JSON.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPG(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

// Save replaces the stored session in a single transaction.
func (s *PGStore) Save(ctx context.Context, snap triage.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO triage_sessions (id, target, cursor_pos, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			target = $2,
			cursor_pos = $3,
			updated_at = $5`,
		snap.ID, snap.Target, snap.Cursor, snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM triage_findings WHERE session_id = $1`, snap.ID); err != nil {
		return fmt.Errorf("clear findings: %w", err)
	}

	for i, f := range snap.Findings {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal finding %s: %w", f.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO triage_findings (session_id, id, position, signature, category, status, retry_count, bytes, blocks, location, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			snap.ID, f.ID, i, f.Signature.Key(), f.Category.String(), f.Status.String(),
			f.RetryCount, f.Bytes, f.Blocks, f.Location(), data,
		)
		if err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context, id uuid.UUID) (triage.Snapshot, error) {
	snap := triage.Snapshot{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT target, cursor_pos, created_at, updated_at
		FROM triage_sessions WHERE id = $1`, id,
	).Scan(&snap.Target, &snap.Cursor, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return triage.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return triage.Snapshot{}, fmt.Errorf("load session: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT data FROM triage_findings
		WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return triage.Snapshot{}, fmt.Errorf("load findings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return triage.Snapshot{}, fmt.Errorf("scan finding: %w", err)
		}
		var f finding.Finding
		if err := json.Unmarshal(data, &f); err != nil {
			return triage.Snapshot{}, fmt.Errorf("unmarshal finding: %w", err)
		}
		snap.Findings = append(snap.Findings, &f)
	}
	if err := rows.Err(); err != nil {
		return triage.Snapshot{}, fmt.Errorf("load findings: %w", err)
	}
	return snap, nil
}

func (s *PGStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.target, s.updated_at,
			COUNT(f.id),
			COUNT(f.id) FILTER (WHERE f.status = $1),
			COUNT(f.id) FILTER (WHERE f.status = $2)
		FROM triage_sessions s
		LEFT JOIN triage_findings f ON f.session_id = s.id
		GROUP BY s.id, s.target, s.updated_at
		ORDER BY s.updated_at DESC`,
		finding.StatusUnresolved.String(), finding.StatusVerified.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sums []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Target, &sum.UpdatedAt, &sum.Findings, &sum.Unresolved, &sum.Verified); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}
