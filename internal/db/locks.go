package db

import (
	"fmt"
	"strings"
)

// Lock is one row of the advisory-lock table. TTL zero means the lock
// never expires on its own.
type Lock struct {
	Key        string
	Owner      string
	TTLSec     int
	AcquiredAt string
	Expired    bool
}

const lockExpiredExpr = `ttl_sec > 0 AND datetime(acquired_at, '+' || ttl_sec || ' seconds') <= datetime('now')`

// AcquireLock claims an advisory lock. The current owner may re-acquire
// to refresh the TTL; an expired lock is stolen. A live lock held by
// someone else yields ErrLockHeld naming the owner.
func (d *DB) AcquireLock(key, owner string, ttlSec int) error {
	if key == "" || owner == "" {
		return fmt.Errorf("acquire lock: key and owner are required")
	}
	res, err := d.conn.Exec(
		`INSERT INTO locks (key, owner, ttl_sec) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     owner = excluded.owner,
		     ttl_sec = excluded.ttl_sec,
		     acquired_at = datetime('now')
		 WHERE locks.owner = excluded.owner OR (`+lockExpiredExpr+`)`,
		key, owner, ttlSec)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var holder string
	if err := d.conn.QueryRow(`SELECT owner FROM locks WHERE key = ?`, key).Scan(&holder); err != nil {
		return fmt.Errorf("read lock %s: %w", key, err)
	}
	return fmt.Errorf("%w: %s owned by %s", ErrLockHeld, key, holder)
}

// ReleaseLock frees a lock, but only for its owner.
func (d *DB) ReleaseLock(key, owner string) error {
	res, err := d.conn.Exec(`DELETE FROM locks WHERE key = ? AND owner = ?`, key, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock %q not held by %q", key, owner)
	}
	return nil
}

// ListLocks returns all locks ordered by key, flagging expired ones.
func (d *DB) ListLocks() ([]Lock, error) {
	rows, err := d.conn.Query(
		`SELECT key, owner, ttl_sec, acquired_at,
		        CASE WHEN ` + lockExpiredExpr + ` THEN 1 ELSE 0 END
		 FROM locks ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.Key, &l.Owner, &l.TTLSec, &l.AcquiredAt, &l.Expired); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// CleanLocks removes expired locks, returning the count deleted.
func (d *DB) CleanLocks() (int, error) {
	res, err := d.conn.Exec(`DELETE FROM locks WHERE ` + lockExpiredExpr)
	if err != nil {
		return 0, fmt.Errorf("clean locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// LockOwners summarizes current holders as "key=owner" pairs, for
// status output.
func (d *DB) LockOwners() (string, error) {
	locks, err := d.ListLocks()
	if err != nil {
		return "", err
	}
	var parts []string
	for _, l := range locks {
		if !l.Expired {
			parts = append(parts, l.Key+"="+l.Owner)
		}
	}
	return strings.Join(parts, ", "), nil
}
