// Package namestore maintains the stable mapping between a device's
// routable NDN identity and the small integer id ChronoShare uses
// internally, plus the per-device local sequence counter (§2, §4.1).
package namestore

import (
	"database/sql"
	"fmt"

	"chronoshare/internal/core"
)

// Store maps DeviceNames to small integer ids and tracks the local
// device's next sequence number. It shares the ActionLog's *sql.DB
// (the `device` table lives in the actionlog schema) since both are
// only ever touched from the single executor goroutine (§5).
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated actionlog database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Resolve returns the small integer id for name, allocating one and
// inserting a row if name has never been seen before.
func (s *Store) Resolve(name core.DeviceName) (int64, error) {
	row := s.db.QueryRow(`SELECT rowid FROM device WHERE device_name = ?`, name.String())
	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("resolving device id for %q: %w", name.String(), err)
	}

	res, err := s.db.Exec(`INSERT INTO device (device_name, local, next_seq) VALUES (?, 0, 0)`, name.String())
	if err != nil {
		return 0, fmt.Errorf("registering device %q: %w", name.String(), err)
	}
	return res.LastInsertId()
}

// RegisterLocal marks name as this replica's own device identity. It is
// idempotent; a second call with a different name is an error, since a
// running replica never changes identity.
func (s *Store) RegisterLocal(name core.DeviceName) error {
	existing, err := s.LocalDevice()
	if err == nil {
		if existing != name {
			return fmt.Errorf("namestore: local device already registered as %q, cannot re-register as %q", existing, name)
		}
		return nil
	}
	if err != core.ErrNotFound {
		return err
	}

	if _, err := s.Resolve(name); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE device SET local = 1 WHERE device_name = ?`, name.String()); err != nil {
		return fmt.Errorf("marking device %q local: %w", name.String(), err)
	}
	return nil
}

// LocalDevice returns this replica's own device identity.
func (s *Store) LocalDevice() (core.DeviceName, error) {
	row := s.db.QueryRow(`SELECT device_name FROM device WHERE local = 1`)
	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return core.DeviceName{}, core.ErrNotFound
		}
		return core.DeviceName{}, fmt.Errorf("looking up local device: %w", err)
	}
	return core.NewDeviceName(name), nil
}

// NextLocalSeq atomically increments and returns the local device's
// next sequence number (§4.1's "getNextLocalSeqNo"). A device's first
// action is always seq 0.
func (s *Store) NextLocalSeq() (core.Sequence, error) {
	local, err := s.LocalDevice()
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning sequence allocation transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT next_seq FROM device WHERE device_name = ?`, local.String())
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("reading next sequence: %w", err)
	}

	if _, err := tx.Exec(`UPDATE device SET next_seq = ? WHERE device_name = ?`, next+1, local.String()); err != nil {
		return 0, fmt.Errorf("advancing next sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing sequence allocation: %w", err)
	}

	return core.Sequence(next), nil
}

// Devices returns every device this replica has ever recorded.
func (s *Store) Devices() ([]core.DeviceName, error) {
	rows, err := s.db.Query(`SELECT device_name FROM device ORDER BY device_name`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []core.DeviceName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		out = append(out, core.NewDeviceName(name))
	}
	return out, rows.Err()
}
