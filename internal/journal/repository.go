// Package journal keeps a SQLite history of Tor runs and their state changes.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("journal: run not found")

// Run is one supervisor handle as persisted.
type Run struct {
	ID               string     `json:"id"`
	Binary           string     `json:"binary"`
	DataDirectory    string     `json:"data_directory"`
	SocksAddress     string     `json:"socks_address"`
	PID              int        `json:"pid,omitempty"`
	State            string     `json:"state"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	Error            string     `json:"error,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	BootstrapPercent int        `json:"bootstrap_percent"`
	StartedAt        time.Time  `json:"started_at"`
	ReadyAt          *time.Time `json:"ready_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// Duration is how long the run lasted, or has lasted so far.
func (r Run) Duration(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Transition is one persisted state change.
type Transition struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter controls which runs ListRuns returns.
type Filter struct {
	State string // optional: only runs in this state
	Limit int    // default 20, max 500
	Since time.Time
}

// Repository defines the journal operations.
type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter Filter) ([]Run, error)
	AddTransition(ctx context.Context, t *Transition) error
	ListTransitions(ctx context.Context, runID string) ([]Transition, error)
}

// SQLiteRepository stores the journal in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an already-migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateRun inserts a new run. StartedAt defaults to now.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return errors.New("journal: run ID is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, binary, data_directory, socks_address, pid, state,
		                   error_kind, error, exit_code, bootstrap_percent,
		                   started_at, ready_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Binary, run.DataDirectory, run.SocksAddress,
		nullableInt(run.PID), run.State,
		nullableString(run.ErrorKind), nullableString(run.Error),
		run.ExitCode, run.BootstrapPercent,
		formatTime(run.StartedAt), formatTimePtr(run.ReadyAt), formatTimePtr(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable columns of an existing run.
func (r *SQLiteRepository) UpdateRun(ctx context.Context, run *Run) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET pid = ?, state = ?, error_kind = ?, error = ?, exit_code = ?,
		                 bootstrap_percent = ?, ready_at = ?, ended_at = ?
		 WHERE id = ?`,
		nullableInt(run.PID), run.State,
		nullableString(run.ErrorKind), nullableString(run.Error),
		run.ExitCode, run.BootstrapPercent,
		formatTimePtr(run.ReadyAt), formatTimePtr(run.EndedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

const runColumns = `id, binary, data_directory, socks_address, pid, state, error_kind, error,
	exit_code, bootstrap_percent, started_at, ready_at, ended_at`

// GetRun returns a single run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs matching the filter, most recent first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, filter Filter) ([]Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 500 { //nolint:mnd // max page size
		filter.Limit = 500
	}

	var conditions []string
	var args []any
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.Limit)

	rows, err := r.db.QueryContext(ctx, //nolint:gosec // WHERE built from parameterised conditions
		"SELECT "+runColumns+" FROM runs"+where+" ORDER BY started_at DESC, rowid DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// AddTransition appends a state change to a run.
func (r *SQLiteRepository) AddTransition(ctx context.Context, t *Transition) error {
	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO transitions (run_id, from_state, to_state, error, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.RunID, t.From, t.To, nullableString(t.Error), formatTime(t.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// ListTransitions returns a run's transitions in the order they happened.
func (r *SQLiteRepository) ListTransitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, run_id, from_state, to_state, error, occurred_at
		 FROM transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	transitions := []Transition{}
	for rows.Next() {
		var t Transition
		var errText sql.NullString
		var occurredAt string
		if err := rows.Scan(&t.ID, &t.RunID, &t.From, &t.To, &errText, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.Error = errText.String
		if t.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return transitions, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var run Run
	var pid, exitCode sql.NullInt64
	var errorKind, errText, readyAt, endedAt sql.NullString
	var startedAt string

	err := s.Scan(&run.ID, &run.Binary, &run.DataDirectory, &run.SocksAddress,
		&pid, &run.State, &errorKind, &errText, &exitCode, &run.BootstrapPercent,
		&startedAt, &readyAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	run.PID = int(pid.Int64)
	run.ErrorKind = errorKind.String
	run.Error = errText.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.ReadyAt, err = parseTimePtr(readyAt); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

// nullableString returns nil for empty strings so TEXT columns store NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt returns nil for zero so INTEGER columns store NULL.
func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
