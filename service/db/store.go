package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/freshwallet/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// ErrScanNotFound is returned when no scan record matches the requested ID.
var ErrScanNotFound = errors.New("scan not found")

// Scan statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
	StatusFailed    = "failed"
)

// Store provides database operations for scan records.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no query metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// EnsureSchema creates the scans table and its indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Scan is a persisted scan record. Filter, sources, detections and skipped
// entries are stored as JSON documents.
type Scan struct {
	ID           uuid.UUID  `json:"id"`
	WorkflowID   string     `json:"workflow_id,omitempty"`
	Status       string     `json:"status"`
	Mode         string     `json:"mode"`
	WindowHours  int        `json:"window_hours"`
	Filter       []byte     `json:"-"`
	Sources      []byte     `json:"-"`
	Detections   []byte     `json:"-"`
	Skipped      []byte     `json:"-"`
	ResultCount  int        `json:"result_count"`
	SkippedCount int        `json:"skipped_count"`
	APICalls     int64      `json:"api_calls"`
	CacheHits    int        `json:"cache_hits"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ListScansParams contains pagination parameters.
type ListScansParams struct {
	Limit  int32
	Offset int32
}

const scanColumns = `id, workflow_id, status, mode, window_hours, filter, sources, detections, skipped,
	result_count, skipped_count, api_calls, cache_hits, started_at, finished_at, created_at`

// SaveScan inserts a scan record, or replaces the mutable fields of an
// existing record with the same ID.
func (s *Store) SaveScan(ctx context.Context, scan *Scan) (*Scan, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
INSERT INTO scans (id, workflow_id, status, mode, window_hours, filter, sources, detections, skipped,
	result_count, skipped_count, api_calls, cache_hits, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	detections = EXCLUDED.detections,
	skipped = EXCLUDED.skipped,
	result_count = EXCLUDED.result_count,
	skipped_count = EXCLUDED.skipped_count,
	api_calls = EXCLUDED.api_calls,
	cache_hits = EXCLUDED.cache_hits,
	finished_at = EXCLUDED.finished_at
RETURNING `+scanColumns,
		pgUUID(scan.ID),
		scan.WorkflowID,
		scan.Status,
		scan.Mode,
		scan.WindowHours,
		jsonOr(scan.Filter, "{}"),
		jsonOr(scan.Sources, "[]"),
		jsonOr(scan.Detections, "[]"),
		jsonOr(scan.Skipped, "[]"),
		scan.ResultCount,
		scan.SkippedCount,
		scan.APICalls,
		scan.CacheHits,
		scan.StartedAt,
		pgTimestamptzFromPtr(scan.FinishedAt),
	)
	saved, err := scanRow(row)
	s.record("save", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to save scan %s: %w", scan.ID, err)
	}
	return saved, nil
}

// GetScan retrieves a scan record by ID.
func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (*Scan, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, pgUUID(id))
	scan, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("get", start, nil)
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	s.record("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan %s: %w", id, err)
	}
	return scan, nil
}

// ListScans retrieves scan records, most recently started first.
func (s *Store) ListScans(ctx context.Context, params ListScansParams) ([]*Scan, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `SELECT `+scanColumns+` FROM scans
ORDER BY started_at DESC, id
LIMIT $1 OFFSET $2`, params.Limit, params.Offset)
	if err != nil {
		s.record("list", start, err)
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	scans := []*Scan{}
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			s.record("list", start, err)
			return nil, fmt.Errorf("failed to read scan row: %w", err)
		}
		scans = append(scans, scan)
	}
	err = rows.Err()
	s.record("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	return scans, nil
}

// DeleteScansOlderThan removes scan records started before the given time and
// returns how many were deleted.
func (s *Store) DeleteScansOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM scans WHERE started_at < $1`, before)
	s.record("delete", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete scans: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, "scans", time.Since(start).Seconds(), err)
	}
}

func scanRow(row pgx.Row) (*Scan, error) {
	var (
		scan       Scan
		id         pgtype.UUID
		finishedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&id,
		&scan.WorkflowID,
		&scan.Status,
		&scan.Mode,
		&scan.WindowHours,
		&scan.Filter,
		&scan.Sources,
		&scan.Detections,
		&scan.Skipped,
		&scan.ResultCount,
		&scan.SkippedCount,
		&scan.APICalls,
		&scan.CacheHits,
		&scan.StartedAt,
		&finishedAt,
		&scan.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	scan.ID = uuid.UUID(id.Bytes)
	scan.FinishedAt = timePtrFromPgTimestamptz(finishedAt)
	return &scan, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgTimestamptzFromPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// jsonOr returns b, or the fallback document when b is empty.
func jsonOr(b []byte, fallback string) []byte {
	if len(b) == 0 {
		return []byte(fallback)
	}
	return b
}
