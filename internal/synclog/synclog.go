// Package synclog implements the SyncState vector and its DigestTree
// (§3, §4.3): the per-device latest-sequence vector this replica
// believes is true, a canonical hash of that vector, and a recent-state
// log used to answer recovery requests from stale peers.
package synclog

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"chronoshare/internal/core"
)

// DeviceStatus records whether a device's latest known action was an
// UPDATE or a DELETE, mirroring the action kind. It is stored and sent
// with each entry but is not an input to Digest.
type DeviceStatus int

const (
	StatusUpdate DeviceStatus = iota
	StatusDelete
)

// StateEntry is one device's row in the SyncState vector.
type StateEntry struct {
	Device core.DeviceName
	Seq    core.Sequence
	Status DeviceStatus
}

// State is the full SyncState vector at some point in time.
type State struct {
	Entries []StateEntry
}

// Digest computes the canonical root hash of state: the SHA-256 over
// the concatenation, in ascending device order, of
// H(device_bytes ∥ seq_le64) for each entry (§4.3).
func (s State) Digest() core.Hash {
	entries := append([]StateEntry(nil), s.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Device.Less(entries[j].Device) })

	root := sha256.New()
	for _, e := range entries {
		leaf := sha256.New()
		leaf.Write([]byte(e.Device.String()))
		var seqBytes [8]byte
		binary.LittleEndian.PutUint64(seqBytes[:], uint64(e.Seq))
		leaf.Write(seqBytes[:])
		root.Write(leaf.Sum(nil))
	}
	var out core.Hash
	copy(out[:], root.Sum(nil))
	return out
}

// Log persists the current SyncState and a recent-history StateLog for
// recovery.
type Log struct {
	db *sql.DB
}

// New wraps an already-migrated synclog database connection.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// CurrentState returns the full SyncState vector.
func (l *Log) CurrentState() (State, error) {
	rows, err := l.db.Query(`SELECT device, seq, status FROM sync_state ORDER BY device`)
	if err != nil {
		return State{}, fmt.Errorf("reading sync state: %w", err)
	}
	defer rows.Close()

	var st State
	for rows.Next() {
		var device string
		var seq int64
		var status int
		if err := rows.Scan(&device, &seq, &status); err != nil {
			return State{}, fmt.Errorf("scanning sync state row: %w", err)
		}
		st.Entries = append(st.Entries, StateEntry{Device: core.NewDeviceName(device), Seq: core.Sequence(seq), Status: DeviceStatus(status)})
	}
	return st, rows.Err()
}

// RootDigest returns Digest() of the current persisted state.
func (l *Log) RootDigest() (core.Hash, error) {
	st, err := l.CurrentState()
	if err != nil {
		return core.Hash{}, err
	}
	return st.Digest(), nil
}

// UpdateDeviceSeq upserts device's latest known sequence, recomputes
// the root digest, and appends a StateLog entry recording the
// transition (§4.3). It returns the new root digest.
func (l *Log) UpdateDeviceSeq(device core.DeviceName, seq core.Sequence, status DeviceStatus) (core.Hash, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return core.Hash{}, fmt.Errorf("%w: beginning transaction: %v", core.ErrPersistence, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO sync_state (device, seq, status) VALUES (?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET seq = excluded.seq, status = excluded.status`, device.String(), seq, int(status)); err != nil {
		return core.Hash{}, fmt.Errorf("%w: upserting sync state: %v", core.ErrPersistence, err)
	}

	rows, err := tx.Query(`SELECT device, seq, status FROM sync_state ORDER BY device`)
	if err != nil {
		return core.Hash{}, fmt.Errorf("%w: reading updated sync state: %v", core.ErrPersistence, err)
	}
	var st State
	for rows.Next() {
		var d string
		var s int64
		var stat int
		if err := rows.Scan(&d, &s, &stat); err != nil {
			rows.Close()
			return core.Hash{}, fmt.Errorf("%w: scanning sync state: %v", core.ErrPersistence, err)
		}
		st.Entries = append(st.Entries, StateEntry{Device: core.NewDeviceName(d), Seq: core.Sequence(s), Status: DeviceStatus(stat)})
	}
	rows.Close()

	digest := st.Digest()

	blob, err := json.Marshal(st)
	if err != nil {
		return core.Hash{}, fmt.Errorf("encoding state log entry: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO state_log (digest, created_at, state_json) VALUES (?, ?, ?)
		ON CONFLICT(digest) DO NOTHING`, digest.String(), time.Now().UTC().Unix(), blob); err != nil {
		return core.Hash{}, fmt.Errorf("%w: appending state log: %v", core.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return core.Hash{}, fmt.Errorf("%w: committing sync state update: %v", core.ErrPersistence, err)
	}

	return digest, nil
}

// FindStateDiff returns the full current state, whether or not
// oldDigest is recognized (§4.3); found reports whether oldDigest was
// recorded in the state log. The zero digest is never recognized. The
// returned state is not narrowed to the devices that changed since
// oldDigest: the receiver derives the per-device gaps by comparing it
// against its own last-known state.
func (l *Log) FindStateDiff(oldDigest core.Hash) (State, bool, error) {
	if oldDigest.IsZero() {
		st, err := l.CurrentState()
		return st, false, err
	}

	row := l.db.QueryRow(`SELECT state_json FROM state_log WHERE digest = ?`, oldDigest.String())
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			st, err := l.CurrentState()
			return st, false, err
		}
		return State{}, false, fmt.Errorf("%w: looking up state log entry: %v", core.ErrPersistence, err)
	}

	current, err := l.CurrentState()
	if err != nil {
		return State{}, false, err
	}
	return current, true, nil
}
