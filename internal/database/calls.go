package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

const callColumns = `id, call_sid, stream_sid, direction, from_number, to_number,
	 lead_id, business_id, goal, phase, phase_reached, end_reason, fatal_error, transcript,
	 transcript_source, captured, carrier_recording, recording_file, frames,
	 accounting_ok, calibration, barge_ins, started_at, ended_at, duration,
	 created_at, updated_at`

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// Upsert inserts a call record, replacing an existing one with the same call SID.
func (r *callRepo) Upsert(ctx context.Context, c *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (id, call_sid, stream_sid, direction, from_number, to_number,
		 lead_id, business_id, goal, phase, phase_reached, end_reason, fatal_error, transcript,
		 transcript_source, captured, carrier_recording, recording_file, frames,
		 accounting_ok, calibration, barge_ins, started_at, ended_at, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_sid) DO UPDATE SET
		 id = excluded.id, stream_sid = excluded.stream_sid, direction = excluded.direction,
		 from_number = excluded.from_number, to_number = excluded.to_number,
		 lead_id = excluded.lead_id, business_id = excluded.business_id, goal = excluded.goal,
		 phase = excluded.phase, phase_reached = excluded.phase_reached, end_reason = excluded.end_reason, fatal_error = excluded.fatal_error,
		 transcript = excluded.transcript, transcript_source = excluded.transcript_source,
		 captured = excluded.captured, carrier_recording = excluded.carrier_recording,
		 recording_file = excluded.recording_file, frames = excluded.frames,
		 accounting_ok = excluded.accounting_ok, calibration = excluded.calibration,
		 barge_ins = excluded.barge_ins, started_at = excluded.started_at,
		 ended_at = excluded.ended_at, duration = excluded.duration,
		 updated_at = datetime('now')`,
		c.ID, c.CallSID, c.StreamSID, c.Direction, c.FromNumber, c.ToNumber,
		c.LeadID, c.BusinessID, c.Goal, c.Phase, c.PhaseReached, c.EndReason, c.FatalError, c.Transcript,
		c.TranscriptSource, c.Captured, c.CarrierRecording, c.RecordingFile, c.Frames,
		c.AccountingOK, c.Calibration, c.BargeIns, c.StartedAt.UTC(), c.EndedAt.UTC(), c.Duration,
	)
	if err != nil {
		return fmt.Errorf("upserting call %s: %w", c.CallSID, err)
	}
	return nil
}

// GetByCallSID returns a call by carrier call SID.
func (r *callRepo) GetByCallSID(ctx context.Context, callSID string) (*models.Call, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_sid = ?`, callSID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call %s: %w", callSID, err)
	}
	return c, nil
}

// List returns calls matching the filter, newest first, along with the total count.
func (r *callRepo) List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.LeadID != "" {
		where += " AND lead_id = ?"
		args = append(args, filter.LeadID)
	}
	if filter.Source != "" {
		where += " AND transcript_source = ?"
		args = append(args, filter.Source)
	}
	if filter.StartDate != "" {
		where += " AND started_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND started_at <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + callColumns + ` FROM calls WHERE ` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, total, nil
}

// UpdateTranscript replaces the transcript of a finalized call.
func (r *callRepo) UpdateTranscript(ctx context.Context, callSID, transcript, source string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET transcript = ?, transcript_source = ?, updated_at = datetime('now')
		 WHERE call_sid = ?`,
		transcript, source, callSID,
	)
	if err != nil {
		return fmt.Errorf("updating transcript for %s: %w", callSID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBySource returns call counts grouped by transcript source.
func (r *callRepo) CountBySource(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT transcript_source, COUNT(*) FROM calls GROUP BY transcript_source`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scanning source count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// DeleteExpiredRecordings clears recording_file on calls older than maxDays
// and returns the file paths so the caller can remove them from disk.
func (r *callRepo) DeleteExpiredRecordings(ctx context.Context, maxDays int) ([]string, error) {
	cutoff := fmt.Sprintf("-%d days", maxDays)

	rows, err := r.db.QueryContext(ctx,
		`SELECT recording_file FROM calls
		 WHERE recording_file != '' AND started_at < datetime('now', ?)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying expired recordings: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired recording: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired recordings: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE calls SET recording_file = '', updated_at = datetime('now')
		 WHERE recording_file != '' AND started_at < datetime('now', ?)`, cutoff); err != nil {
		return nil, fmt.Errorf("clearing expired recordings: %w", err)
	}
	return paths, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*models.Call, error) {
	var c models.Call
	err := row.Scan(&c.ID, &c.CallSID, &c.StreamSID, &c.Direction, &c.FromNumber, &c.ToNumber,
		&c.LeadID, &c.BusinessID, &c.Goal, &c.Phase, &c.PhaseReached, &c.EndReason, &c.FatalError, &c.Transcript,
		&c.TranscriptSource, &c.Captured, &c.CarrierRecording, &c.RecordingFile, &c.Frames,
		&c.AccountingOK, &c.Calibration, &c.BargeIns, &c.StartedAt, &c.EndedAt, &c.Duration,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
