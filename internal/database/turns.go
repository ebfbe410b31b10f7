package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

// turnRepo implements TurnRepository.
type turnRepo struct {
	db *DB
}

// NewTurnRepository creates a new TurnRepository.
func NewTurnRepository(db *DB) TurnRepository {
	return &turnRepo{db: db}
}

// Append inserts a turn, ignoring duplicates of the same call and sequence.
func (r *turnRepo) Append(ctx context.Context, t *models.Turn) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (call_sid, seq, role, text, item_id, interrupted, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_sid, seq) DO NOTHING`,
		t.CallSID, t.Seq, t.Role, t.Text, t.ItemID, t.Interrupted, t.StartedAt.UTC(), t.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting turn %d for %s: %w", t.Seq, t.CallSID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// ListByCall returns the turns of a call in order.
func (r *turnRepo) ListByCall(ctx context.Context, callSID string) ([]models.Turn, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_sid, seq, role, text, item_id, interrupted, started_at, ended_at
		 FROM conversation_turns WHERE call_sid = ? ORDER BY seq`, callSID)
	if err != nil {
		return nil, fmt.Errorf("listing turns for %s: %w", callSID, err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.CallSID, &t.Seq, &t.Role, &t.Text, &t.ItemID,
			&t.Interrupted, &t.StartedAt, &t.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
