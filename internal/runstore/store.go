// Package runstore provides SQLite-backed run persistence: a latest-state
// snapshot per run plus an append-only node event log.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/featureflow/featureflow/internal/domain"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// Event is one append-only entry in a run's node event log.
type Event struct {
	ID           int64            `json:"id"`
	RunID        string           `json:"run_id"`
	Node         string           `json:"node"`
	StatusBefore domain.RunStatus `json:"status_before"`
	StatusAfter  domain.RunStatus `json:"status_after"`
	OK           bool             `json:"ok"`
	Message      string           `json:"message,omitempty"`
	DurationSec  float64          `json:"duration_sec"`
	CreatedAt    time.Time        `json:"created_at"`
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run snapshot. The run_id must be unused.
func (s *Store) CreateRun(run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.RunID, string(run.Status), string(data), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun retrieves a run by id, or domain.ErrRunNotFound.
func (s *Store) GetRun(runID string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT data FROM runs WHERE run_id = ?`, runID)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, err
	}

	var run domain.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	return &run, nil
}

// SaveRun overwrites the run snapshot, refreshing updated_at.
func (s *Store) SaveRun(run *domain.Run) error {
	run.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, data = ?, updated_at = ? WHERE run_id = ?
	`, string(run.Status), string(data), run.UpdatedAt, run.RunID)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.RunID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, run.RunID)
	}
	return nil
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
}

// ListRuns returns run snapshots matching the given options, oldest first.
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at, run_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run domain.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// AppendEvent adds an entry to the run's append-only event log.
func (s *Store) AppendEvent(event *Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO run_events (run_id, node, status_before, status_after, ok, message, duration_sec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.RunID,
		event.Node,
		string(event.StatusBefore),
		string(event.StatusAfter),
		event.OK,
		event.Message,
		event.DurationSec,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending event for %s: %w", event.RunID, err)
	}
	event.ID, _ = res.LastInsertId()
	return nil
}

// ListEvents returns a run's event log in append order.
func (s *Store) ListEvents(runID string) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, node, status_before, status_after, ok, message, duration_sec, created_at
		FROM run_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var before, after string
		var message sql.NullString
		if err := rows.Scan(&event.ID, &event.RunID, &event.Node, &before, &after, &event.OK, &message, &event.DurationSec, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.StatusBefore = domain.RunStatus(before)
		event.StatusAfter = domain.RunStatus(after)
		if message.Valid {
			event.Message = message.String
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
