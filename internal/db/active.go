package db

import (
	"database/sql"
	"fmt"
)

// AcquireActive claims the single active-run slot for runID with
// compare-and-swap semantics: the insert succeeds only when the slot is
// free. Re-acquiring by the current holder is a no-op. A slot held by a
// different run yields ErrRunActive naming the holder.
func (d *DB) AcquireActive(runID string) error {
	res, err := d.conn.Exec(
		`INSERT INTO active_run (id, run_id) VALUES (1, ?)
		 ON CONFLICT(id) DO NOTHING`, runID)
	if err != nil {
		return fmt.Errorf("acquire active slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	holder, err := d.ActiveRun()
	if err != nil {
		return err
	}
	if holder == runID {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRunActive, holder)
}

// ReleaseActive frees the slot, but only when runID holds it.
func (d *DB) ReleaseActive(runID string) error {
	res, err := d.conn.Exec(`DELETE FROM active_run WHERE id = 1 AND run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("release active slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	holder, err := d.ActiveRun()
	if err != nil {
		return err
	}
	if holder == "" {
		return nil
	}
	return fmt.Errorf("release active slot: held by %q, not %q", holder, runID)
}

// ActiveRun returns the run id holding the slot, or "" when free.
func (d *DB) ActiveRun() (string, error) {
	var runID string
	err := d.conn.QueryRow(`SELECT run_id FROM active_run WHERE id = 1`).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active slot: %w", err)
	}
	return runID, nil
}
