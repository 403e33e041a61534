package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// LogRepo appends to activity_logs.  The table is an event stream: rows
// are never updated or deleted, so the repository offers no such methods.
type LogRepo struct {
	db *sql.DB
}

func NewLogRepo(db *sql.DB) *LogRepo { return &LogRepo{db: db} }

// AppendTx writes e in the caller's transaction and sets its id.
func (r *LogRepo) AppendTx(ctx context.Context, tx *sql.Tx, e *model.LogEntry) error {
	meta := e.Metadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO activity_logs (occurred_at, actor_id, actor_role, action, entity_type, entity_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OccurredAt, e.ActorID, e.ActorRole, e.Action, e.EntityType, e.EntityID, string(meta))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = uint64(id)
	}
	return nil
}

// ListByEntity returns the history of one entity, oldest first.
func (r *LogRepo) ListByEntity(ctx context.Context, entityType string, entityID uint64) ([]model.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, occurred_at, actor_id, actor_role, action, entity_type, entity_id, metadata
		FROM activity_logs WHERE entity_type = ? AND entity_id = ? ORDER BY id`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	out := []model.LogEntry{}
	for rows.Next() {
		var (
			e    model.LogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.ActorRole, &e.Action,
			&e.EntityType, &e.EntityID, &meta); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Metadata = meta
		out = append(out, e)
	}
	return out, rows.Err()
}
