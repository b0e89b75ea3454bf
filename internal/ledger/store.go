// SPDX-License-Identifier: MPL-2.0

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/buildenv/buildenv/internal/provision"
)

const (
	// MemoryPath opens a private in-memory ledger.
	MemoryPath = ":memory:"

	// timeLayout has fixed-width fractional seconds so stored timestamps sort
	// lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Compile-time interface check
var _ provision.Recorder = (*Store)(nil)

type (
	// Store is a SQLite-backed run ledger.
	Store struct {
		db    *sql.DB
		path  string
		clock provision.Clock
	}

	// Option configures a Store.
	Option func(*Store)

	// Run is one recorded provisioning run.
	Run struct {
		ID             string
		Label          string
		DefinitionHash string
		// State is the current state: a terminal state once the run finished.
		State provision.State
		// LastState is the last state reached before a failure, or State.
		LastState   provision.State
		Image       string
		Digest      string
		Error       string
		StartedAt   time.Time
		FinishedAt  *time.Time
		Transitions []Transition
	}

	// Transition is one state change of a run.
	Transition struct {
		State provision.State
		At    time.Time
	}

	// ListOptions filters ListRuns.
	ListOptions struct {
		// Limit caps the number of runs returned; 0 means no limit.
		Limit int
		// Label restricts the result to runs of one label.
		Label string
	}

	systemClock struct{}
)

func (systemClock) Now() time.Time { return time.Now() }

// WithClock sets the clock used for run timestamps.
func WithClock(c provision.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// Open opens (creating if needed) the ledger at path and migrates it to the
// current schema. Use MemoryPath for a throwaway ledger.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	} else {
		dsn += "?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and a
	// single writer avoids SQLITE_BUSY between concurrent recorders.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &Store{db: db, path: path, clock: systemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StartRun records a new pending run and returns its ID.
func (s *Store) StartRun(ctx context.Context, label, definitionHash string) (string, error) {
	id := uuid.New().String()
	pending := provision.StatePending.String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, definition_hash, state, last_state, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, label, definitionHash, pending, pending, s.now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// RecordState appends a state transition to the run.
func (s *Store) RecordState(ctx context.Context, runID string, state provision.State) error {
	if err := state.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// The last state only moves forward on success transitions.
	query := `UPDATE runs SET state = ?, last_state = ? WHERE id = ?`
	args := []any{state.String(), state.String(), runID}
	if state == provision.StateFailed {
		query = `UPDATE runs SET state = ? WHERE id = ?`
		args = []any{state.String(), runID}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_transitions (run_id, seq, state, at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_transitions WHERE run_id = ?), ?, ?)`,
		runID, runID, state.String(), s.now(),
	); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return tx.Commit()
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, outcome provision.Outcome) error {
	state := provision.StateLabeled
	var errMsg *string
	if outcome.Err != nil {
		state = provision.StateFailed
		msg := outcome.Err.Error()
		errMsg = &msg
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, last_state = ?, image = ?, digest = ?, error = ?, finished_at = ? WHERE id = ?`,
		state.String(), outcome.LastState.String(), nullIfEmpty(outcome.Image), nullIfEmpty(outcome.Digest), errMsg, s.now(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns the run with its transitions. An ID prefix is accepted when
// it matches exactly one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty ID", ErrRunNotFound)
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` WHERE id LIKE ? ESCAPE '\' ORDER BY started_at DESC LIMIT 2`, escapeLike(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case len(runs) > 1:
		return nil, fmt.Errorf("run ID prefix %q is ambiguous", id)
	}
	run := runs[0]

	run.Transitions, err = s.transitions(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	query := selectRuns
	var args []any
	if opts.Label != "" {
		query += ` WHERE label = ?`
		args = append(args, opts.Label)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return scanRuns(rows)
}

const selectRuns = `SELECT id, label, definition_hash, state, last_state, image, digest, error, started_at, finished_at FROM runs`

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                     Run
			state, lastState      string
			image, digest, errMsg sql.NullString
			startedAt             string
			finishedAt            sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Label, &r.DefinitionHash, &state, &lastState, &image, &digest, &errMsg, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		var err error
		if r.State, err = provision.ParseState(state); err != nil {
			return nil, err
		}
		if r.LastState, err = provision.ParseState(lastState); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, err
			}
			r.FinishedAt = &t
		}
		r.Image, r.Digest, r.Error = image.String, digest.String, errMsg.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, at FROM run_transitions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var state, at string
		if err := rows.Scan(&state, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		st, err := provision.ParseState(state)
		if err != nil {
			return nil, err
		}
		t, err := parseTime(at)
		if err != nil {
			return nil, err
		}
		out = append(out, Transition{State: st, At: t})
	}
	return out, rows.Err()
}

// Succeeded reports whether the run ended labeled.
func (r *Run) Succeeded() bool { return r.State == provision.StateLabeled }

// Duration returns how long the run took, or 0 while it is unfinished.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ShortID returns the first eight characters of the run ID.
func (r *Run) ShortID() string {
	if len(r.ID) <= 8 {
		return r.ID
	}
	return r.ID[:8]
}

// now returns the clock time as a sortable UTC string.
func (s *Store) now() string {
	return s.clock.Now().UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q in ledger: %w", v, err)
	}
	return t, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
