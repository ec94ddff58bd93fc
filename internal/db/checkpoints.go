package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Checkpoint kinds. A "run" row snapshots one build-review-decide cycle;
// a "sequence" row snapshots a decomposed multi-subtask execution.
const (
	KindRun      = "run"
	KindSequence = "sequence"
)

// Checkpoint is the latest persisted snapshot for one run id: the
// marshalled state plus the engine position and, when suspended, the
// marker describing what the run waits for.
type Checkpoint struct {
	RunID     string
	Kind      string
	Version   int
	State     []byte
	Status    string
	NextNode  string
	WaitRole  string
	WaitActor string
	InboxPath string
	Pending   bool
	CreatedAt string
	UpdatedAt string
}

// SaveCheckpoint durably records the snapshot, overwriting any prior
// checkpoint for the same run id.
func (d *DB) SaveCheckpoint(cp *Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("save checkpoint: empty run id")
	}
	_, err := d.conn.Exec(
		`INSERT INTO checkpoints (run_id, kind, version, state, status, next_node, wait_role, wait_actor, inbox_path, pending)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		     kind = excluded.kind,
		     version = excluded.version,
		     state = excluded.state,
		     status = excluded.status,
		     next_node = excluded.next_node,
		     wait_role = excluded.wait_role,
		     wait_actor = excluded.wait_actor,
		     inbox_path = excluded.inbox_path,
		     pending = excluded.pending,
		     updated_at = datetime('now')`,
		cp.RunID, cp.Kind, cp.Version, string(cp.State), cp.Status,
		cp.NextNode, cp.WaitRole, cp.WaitActor, cp.InboxPath, cp.Pending,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

// LoadCheckpoint returns the latest checkpoint for the run id.
// A missing row yields ErrNotFound; a row whose state is not valid JSON
// yields ErrCorruptState.
func (d *DB) LoadCheckpoint(runID string) (*Checkpoint, error) {
	row := d.conn.QueryRow(
		`SELECT run_id, kind, version, state, status, next_node, wait_role, wait_actor, inbox_path, pending, created_at, updated_at
		 FROM checkpoints WHERE run_id = ?`, runID)

	var cp Checkpoint
	var stateRaw string
	err := row.Scan(&cp.RunID, &cp.Kind, &cp.Version, &stateRaw, &cp.Status,
		&cp.NextNode, &cp.WaitRole, &cp.WaitActor, &cp.InboxPath, &cp.Pending,
		&cp.CreatedAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	cp.State = []byte(stateRaw)
	if !json.Valid(cp.State) {
		return nil, fmt.Errorf("checkpoint %s: %w", runID, ErrCorruptState)
	}
	return &cp, nil
}

// HasPending reports whether the run's last recorded position is a
// suspension rather than a terminal node. Unknown run ids report false.
func (d *DB) HasPending(runID string) (bool, error) {
	var pending bool
	var status string
	err := d.conn.QueryRow(
		`SELECT pending, status FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&pending, &status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check pending %s: %w", runID, err)
	}
	return pending && status == "", nil
}

// ListCheckpoints returns up to limit checkpoints, newest first.
func (d *DB) ListCheckpoints(limit int) ([]Checkpoint, error) {
	rows, err := d.conn.Query(
		`SELECT run_id, kind, version, state, status, next_node, wait_role, wait_actor, inbox_path, pending, created_at, updated_at
		 FROM checkpoints ORDER BY updated_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var stateRaw string
		if err := rows.Scan(&cp.RunID, &cp.Kind, &cp.Version, &stateRaw, &cp.Status,
			&cp.NextNode, &cp.WaitRole, &cp.WaitActor, &cp.InboxPath, &cp.Pending,
			&cp.CreatedAt, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.State = []byte(stateRaw)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// DeleteCheckpoint removes a run's checkpoint. Used by tests and by
// explicit cleanup; normal flows keep terminal checkpoints as history.
func (d *DB) DeleteCheckpoint(runID string) error {
	res, err := d.conn.Exec(`DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("checkpoint %s: %w", runID, ErrNotFound)
	}
	return nil
}
