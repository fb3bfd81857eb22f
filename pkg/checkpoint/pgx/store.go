// Package pgx stores checkpoints in PostgreSQL, one JSONB row per case
// round, upserted on (case_id, round_index).
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veska-bio/loom/pkg/checkpoint"
)

// dbConn is the subset of pgx the store needs. Satisfied by *pgxpool.Pool
// and *pgx.Conn.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const saveSQL = `
INSERT INTO research_checkpoints (case_id, round_index, terminal, payload, saved_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (case_id, round_index)
DO UPDATE SET
    terminal = EXCLUDED.terminal,
    payload = EXCLUDED.payload,
    saved_at = EXCLUDED.saved_at
`

const latestSQL = `
SELECT payload
FROM research_checkpoints
WHERE case_id = $1
ORDER BY round_index DESC
LIMIT 1
`

type Store struct {
	conn dbConn
}

var _ checkpoint.Store = (*Store)(nil)

func NewStore(conn dbConn) (*Store, error) {
	if conn == nil {
		return nil, errors.New("no database connection provided")
	}
	return &Store{conn: conn}, nil
}

func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.CaseID == "" {
		return errors.New("no case id provided")
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	_, err = s.conn.Exec(ctx, saveSQL, cp.CaseID, cp.RoundIndex, cp.Terminal, payload, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, caseID string) (checkpoint.Checkpoint, error) {
	if caseID == "" {
		return checkpoint.Checkpoint{}, errors.New("no case id provided")
	}

	var payload []byte
	err := s.conn.QueryRow(ctx, latestSQL, caseID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}
