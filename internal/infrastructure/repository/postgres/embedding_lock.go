package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EmbeddingLockRepository implements the per-paper embedding job lock on the
// embedding_locks table.
type EmbeddingLockRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewEmbeddingLockRepository(db *sql.DB) *EmbeddingLockRepository {
	return &EmbeddingLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire takes the lock for owner. A lock held by someone else is only taken
// over when it is older than staleAfter.
func (r *EmbeddingLockRepository) Acquire(ctx context.Context, documentID, owner string, staleAfter time.Duration) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO embedding_locks (paper_id, owner, locked_at)
VALUES ($1, $2, $3)
ON CONFLICT (paper_id) DO UPDATE
SET owner = EXCLUDED.owner, locked_at = EXCLUDED.locked_at
WHERE embedding_locks.locked_at < $4 OR embedding_locks.owner = EXCLUDED.owner
`, documentID, owner, now, now.Add(-staleAfter))
	if err != nil {
		return false, fmt.Errorf("acquire embedding lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire embedding lock rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *EmbeddingLockRepository) Release(ctx context.Context, documentID, owner string) error {
	_, err := r.db.ExecContext(ctx, `
DELETE FROM embedding_locks
WHERE paper_id = $1 AND owner = $2
`, documentID, owner)
	if err != nil {
		return fmt.Errorf("release embedding lock: %w", err)
	}
	return nil
}
