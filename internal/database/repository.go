package database

import (
	"context"
	"errors"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// CallListFilter specifies filtering and pagination for call list queries.
type CallListFilter struct {
	Limit     int
	Offset    int
	Direction string // "inbound", "outbound", or "" for all
	LeadID    string
	Source    string // transcript source, or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CallRepository manages finalized call records.
type CallRepository interface {
	// Upsert inserts a call or replaces the record with the same call SID.
	Upsert(ctx context.Context, call *models.Call) error
	GetByCallSID(ctx context.Context, callSID string) (*models.Call, error)
	List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error)
	UpdateTranscript(ctx context.Context, callSID, transcript, source string) error
	CountBySource(ctx context.Context) (map[string]int64, error)
	// DeleteExpiredRecordings clears the local recording path of calls older
	// than maxDays and returns the paths that were cleared.
	DeleteExpiredRecordings(ctx context.Context, maxDays int) ([]string, error)
}

// TurnRepository manages conversation turns.
type TurnRepository interface {
	// Append stores a turn. Re-appending the same call SID and sequence
	// number is a no-op.
	Append(ctx context.Context, turn *models.Turn) error
	ListByCall(ctx context.Context, callSID string) ([]models.Turn, error)
}

// Store is a persistence backend.
type Store interface {
	Calls() CallRepository
	Turns() TurnRepository
	Close() error
}
