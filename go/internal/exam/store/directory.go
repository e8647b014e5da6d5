package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory answers session-existence checks against the scheduling
// subsystem's records. Sessions are created by the scheduler, never by the
// coordinator; the coordinator only validates that a joined session exists
// within the caller's academy.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// Exists reports whether the session is known to the scheduling records,
// scoped by academy.
func (d *Directory) Exists(ctx context.Context, sessionID, academyID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM exam_sessions
			WHERE id = $1 AND academy_id = $2
		)`

	var exists bool
	if err := d.pool.QueryRow(ctx, q, sessionID, academyID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return exists, nil
}
