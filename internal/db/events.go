package db

import (
	"database/sql"
	"fmt"
)

// Event is one row of the append-only run event log.
type Event struct {
	ID        int
	RunID     string
	Node      string
	Event     string
	Detail    string
	CreatedAt string
}

// LogEvent appends an event to the run's audit trail.
func (d *DB) LogEvent(runID, node, event, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO events (run_id, node, event, detail) VALUES (?, ?, ?, ?)`,
		runID, node, event, detail)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// EventsForRun returns a run's events in insertion order.
func (d *DB) EventsForRun(runID string) ([]Event, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, node, event, detail, created_at
		 FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Node, &e.Event, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
