// Package pgstore implements the persistence repositories on PostgreSQL
// for deployments that share call records across bridge instances.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const callColumns = `id, call_sid, stream_sid, direction, from_number, to_number,
	 lead_id, business_id, goal, phase, phase_reached, end_reason, fatal_error, transcript,
	 transcript_source, captured::text, carrier_recording, recording_file, frames::text,
	 accounting_ok, calibration, barge_ins, started_at, ended_at, duration,
	 created_at, updated_at`

// Store implements database.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Calls returns the call repository.
func (s *Store) Calls() database.CallRepository {
	return &callRepo{db: s.db}
}

// Turns returns the turn repository.
func (s *Store) Turns() database.TurnRepository {
	return &turnRepo{db: s.db}
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

type callRepo struct {
	db *sql.DB
}

func (r *callRepo) Upsert(ctx context.Context, c *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (id, call_sid, stream_sid, direction, from_number, to_number,
		 lead_id, business_id, goal, phase, phase_reached, end_reason, fatal_error, transcript,
		 transcript_source, captured, carrier_recording, recording_file, frames,
		 accounting_ok, calibration, barge_ins, started_at, ended_at, duration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		 $15, $16::jsonb, $17, $18, $19::jsonb, $20, $21, $22, $23, $24, $25)
		 ON CONFLICT (call_sid) DO UPDATE SET
		 id = EXCLUDED.id, stream_sid = EXCLUDED.stream_sid, direction = EXCLUDED.direction,
		 from_number = EXCLUDED.from_number, to_number = EXCLUDED.to_number,
		 lead_id = EXCLUDED.lead_id, business_id = EXCLUDED.business_id, goal = EXCLUDED.goal,
		 phase = EXCLUDED.phase, phase_reached = EXCLUDED.phase_reached, end_reason = EXCLUDED.end_reason, fatal_error = EXCLUDED.fatal_error,
		 transcript = EXCLUDED.transcript, transcript_source = EXCLUDED.transcript_source,
		 captured = EXCLUDED.captured, carrier_recording = EXCLUDED.carrier_recording,
		 recording_file = EXCLUDED.recording_file, frames = EXCLUDED.frames,
		 accounting_ok = EXCLUDED.accounting_ok, calibration = EXCLUDED.calibration,
		 barge_ins = EXCLUDED.barge_ins, started_at = EXCLUDED.started_at,
		 ended_at = EXCLUDED.ended_at, duration = EXCLUDED.duration, updated_at = NOW()`,
		c.ID, c.CallSID, c.StreamSID, c.Direction, c.FromNumber, c.ToNumber,
		c.LeadID, c.BusinessID, c.Goal, c.Phase, c.PhaseReached, c.EndReason, c.FatalError, c.Transcript,
		c.TranscriptSource, jsonText(c.Captured), c.CarrierRecording, c.RecordingFile, jsonText(c.Frames),
		c.AccountingOK, c.Calibration, c.BargeIns, c.StartedAt, c.EndedAt, c.Duration,
	)
	if err != nil {
		return fmt.Errorf("upserting call %s: %w", c.CallSID, err)
	}
	return nil
}

func (r *callRepo) GetByCallSID(ctx context.Context, callSID string) (*models.Call, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_sid = $1`, callSID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call %s: %w", callSID, err)
	}
	return c, nil
}

func (r *callRepo) List(ctx context.Context, filter database.CallListFilter) ([]models.Call, int, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Direction != "" {
		add("direction = $%d", filter.Direction)
	}
	if filter.LeadID != "" {
		add("lead_id = $%d", filter.LeadID)
	}
	if filter.Source != "" {
		add("transcript_source = $%d", filter.Source)
	}
	if filter.StartDate != "" {
		add("started_at >= $%d::timestamptz", filter.StartDate)
	}
	if filter.EndDate != "" {
		add("started_at <= $%d::timestamptz", filter.EndDate)
	}

	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM calls WHERE %s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		callColumns, where, len(args)+1, len(args)+2)
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

func (r *callRepo) UpdateTranscript(ctx context.Context, callSID, transcript, source string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET transcript = $1, transcript_source = $2, updated_at = NOW()
		 WHERE call_sid = $3`,
		transcript, source, callSID,
	)
	if err != nil {
		return fmt.Errorf("updating transcript for %s: %w", callSID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return database.ErrNotFound
	}
	return nil
}

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

func (r *callRepo) DeleteExpiredRecordings(ctx context.Context, maxDays int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH expired AS (
		   SELECT id, recording_file FROM calls
		   WHERE recording_file <> '' AND started_at < NOW() - make_interval(days => $1)
		   FOR UPDATE
		 )
		 UPDATE calls c SET recording_file = '', updated_at = NOW()
		 FROM expired e WHERE c.id = e.id
		 RETURNING e.recording_file`, maxDays)
	if err != nil {
		return nil, fmt.Errorf("clearing expired recordings: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning expired recording: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

type turnRepo struct {
	db *sql.DB
}

func (r *turnRepo) Append(ctx context.Context, t *models.Turn) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO conversation_turns (call_sid, seq, role, text, item_id, interrupted, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (call_sid, seq) DO NOTHING
		 RETURNING id`,
		t.CallSID, t.Seq, t.Role, t.Text, t.ItemID, t.Interrupted, t.StartedAt, t.EndedAt,
	).Scan(&t.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting turn %d for %s: %w", t.Seq, t.CallSID, err)
	}
	return nil
}

func (r *turnRepo) ListByCall(ctx context.Context, callSID string) ([]models.Turn, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_sid, seq, role, text, item_id, interrupted, started_at, ended_at
		 FROM conversation_turns WHERE call_sid = $1 ORDER BY seq`, callSID)
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

func scanCall(row interface{ Scan(...any) error }) (*models.Call, error) {
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

// jsonText substitutes an empty JSON object for an empty column value.
func jsonText(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}
