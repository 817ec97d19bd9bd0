// Package actionlog implements ChronoShare's append-only action log and
// the derived FileState winner view (§3, §4.1).
//
// The original design computes the winner via a SQL INSERT trigger
// calling a registered host function. mattn/go-sqlite3's function
// registration hook (sqlite3_create_function) requires the *driver*
// connection, which is awkward to reach through the stock
// database/sql pool used everywhere else in this codebase. Instead the
// same two-phase subquery the trigger would run — no row with greater
// version, no row with equal version and greater device — runs as Go
// code inside the same *sql.Tx as the insert, which preserves the
// invariant (FileState always consistent with ActionLog after commit)
// without a driver-specific escape hatch.
package actionlog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chronoshare/internal/core"
	"chronoshare/internal/namestore"
)

// Log is the append-only action journal for one shared folder.
type Log struct {
	db     *sql.DB
	names  *namestore.Store
	clock  core.Clock
	signer *core.Signer
	logger *slog.Logger

	appName      string
	sharedFolder string

	onUpdate func(filename string, entry core.FileStateEntry)
	onRemove func(filename string)
}

// Config carries the fixed parameters a Log needs at construction.
type Config struct {
	DB           *sql.DB
	Names        *namestore.Store
	Clock        core.Clock
	Signer       *core.Signer
	Logger       *slog.Logger
	AppName      string
	SharedFolder string
	OnUpdate     func(filename string, entry core.FileStateEntry)
	OnRemove     func(filename string)
}

// New builds a Log from cfg. Names, DB and Signer are required.
func New(cfg Config) *Log {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		db:           cfg.DB,
		names:        cfg.Names,
		clock:        cfg.Clock,
		signer:       cfg.Signer,
		logger:       logger,
		appName:      cfg.AppName,
		sharedFolder: cfg.SharedFolder,
		onUpdate:     cfg.OnUpdate,
		onRemove:     cfg.OnRemove,
	}
}

// AddLocalUpdate records a local UPDATE action for filename and returns
// the newly created, signed action (§4.1).
func (l *Log) AddLocalUpdate(filename string, fileHash core.Hash, mtime time.Time, mode uint32, segNum uint64) (*core.Action, error) {
	local, err := l.names.LocalDevice()
	if err != nil {
		return nil, fmt.Errorf("addLocalUpdate: %w", err)
	}
	seq, err := l.names.NextLocalSeq()
	if err != nil {
		return nil, fmt.Errorf("addLocalUpdate: allocating sequence: %w", err)
	}

	action := &core.Action{
		Device:     local,
		Seq:        seq,
		Kind:       core.ActionUpdate,
		Filename:   filename,
		Timestamp:  l.clock.Now().UTC(),
		FileHash:   fileHash,
		FileMtime:  mtime,
		FileMode:   mode,
		FileSegNum: segNum,
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", core.ErrPersistence, err)
	}
	defer tx.Rollback()

	prior, err := latestActionForFilename(tx, filename)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: looking up prior action: %v", core.ErrPersistence, err)
	}
	if err == nil && prior.Kind == core.ActionUpdate {
		ref := prior.Ref()
		action.Parent = &ref
		action.Version = prior.Version + 1
	} else {
		action.Version = 0
	}

	action.Name = actionName(l.appName, local, l.sharedFolder, seq)
	body := encodeAction(action)
	signed := core.Wrap(l.signer, action.Name, body, nil)
	action.Blob = encodeSignedObject(signed)

	if err := insertAction(tx, action); err != nil {
		return nil, fmt.Errorf("%w: inserting action: %v", core.ErrPersistence, err)
	}
	if err := l.applyWinnerPredicate(tx, action); err != nil {
		return nil, fmt.Errorf("%w: applying winner predicate: %v", core.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing action: %v", core.ErrPersistence, err)
	}

	l.logger.Debug("recorded local update", "filename", filename, "seq", seq, "version", action.Version)
	return action, nil
}

// AddLocalDelete records a local DELETE action for filename. It is a
// no-op (returns nil, nil) if there is no prior UPDATE to supersede.
func (l *Log) AddLocalDelete(filename string) (*core.Action, error) {
	local, err := l.names.LocalDevice()
	if err != nil {
		return nil, fmt.Errorf("addLocalDelete: %w", err)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", core.ErrPersistence, err)
	}
	defer tx.Rollback()

	prior, err := latestActionForFilename(tx, filename)
	if errors.Is(err, core.ErrNotFound) || (err == nil && prior.Kind == core.ActionDelete) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: looking up prior action: %v", core.ErrPersistence, err)
	}

	seq, err := l.names.NextLocalSeq()
	if err != nil {
		return nil, fmt.Errorf("addLocalDelete: allocating sequence: %w", err)
	}

	parentRef := prior.Ref()
	action := &core.Action{
		Device:    local,
		Seq:       seq,
		Kind:      core.ActionDelete,
		Filename:  filename,
		Version:   prior.Version + 1,
		Timestamp: l.clock.Now().UTC(),
		Parent:    &parentRef,
	}
	action.Name = actionName(l.appName, local, l.sharedFolder, seq)
	body := encodeAction(action)
	signed := core.Wrap(l.signer, action.Name, body, nil)
	action.Blob = encodeSignedObject(signed)

	if err := insertAction(tx, action); err != nil {
		return nil, fmt.Errorf("%w: inserting action: %v", core.ErrPersistence, err)
	}
	if err := l.applyWinnerPredicate(tx, action); err != nil {
		return nil, fmt.Errorf("%w: applying winner predicate: %v", core.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing action: %v", core.ErrPersistence, err)
	}

	l.logger.Debug("recorded local delete", "filename", filename, "seq", seq, "version", action.Version)
	return action, nil
}

// AddRemoteAction inserts an action received from a peer. Re-insertion
// of an already-known (device, seq) is treated as an idempotent no-op
// (returns core.ErrDuplicateAction).
func (l *Log) AddRemoteAction(action *core.Action) error {
	if _, err := l.names.Resolve(action.Device); err != nil {
		return fmt.Errorf("addRemoteAction: resolving device: %w", err)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", core.ErrPersistence, err)
	}
	defer tx.Rollback()

	if _, err := byDeviceSeq(tx, action.Device, action.Seq); err == nil {
		return core.ErrDuplicateAction
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%w: checking for duplicate: %v", core.ErrPersistence, err)
	}

	if action.Kind == core.ActionDelete && action.Parent == nil {
		return fmt.Errorf("%w: DELETE action for %q has no parent reference", core.ErrProtocol, action.Filename)
	}

	if err := insertAction(tx, action); err != nil {
		return fmt.Errorf("%w: inserting remote action: %v", core.ErrPersistence, err)
	}
	if err := l.applyWinnerPredicate(tx, action); err != nil {
		return fmt.Errorf("%w: applying winner predicate: %v", core.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing remote action: %v", core.ErrPersistence, err)
	}

	l.logger.Debug("recorded remote action", "device", action.Device.String(), "seq", action.Seq, "kind", action.Kind.String())
	return nil
}

// applyWinnerPredicate implements §4.1's FileState trigger: the new
// action becomes the winner for its filename iff no other row has a
// strictly greater version, and no other row has an equal version with
// a strictly greater device id.
func (l *Log) applyWinnerPredicate(tx *sql.Tx, action *core.Action) error {
	var greaterVersion int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM action WHERE filename = ? AND version > ?`,
		action.Filename, action.Version,
	).Scan(&greaterVersion); err != nil {
		return err
	}
	if greaterVersion > 0 {
		return nil
	}

	var tiedGreaterDevice int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM action WHERE filename = ? AND version = ? AND device > ?`,
		action.Filename, action.Version, action.Device.String(),
	).Scan(&tiedGreaterDevice); err != nil {
		return err
	}
	if tiedGreaterDevice > 0 {
		return nil
	}

	if action.Kind == core.ActionDelete {
		if _, err := tx.Exec(`DELETE FROM file_state WHERE filename = ?`, action.Filename); err != nil {
			return err
		}
		if l.onRemove != nil {
			l.onRemove(action.Filename)
		}
		return nil
	}

	_, err := tx.Exec(`
		INSERT INTO file_state (filename, device, seq, file_hash, file_mtime, file_mode, file_seg_num, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			device = excluded.device, seq = excluded.seq, file_hash = excluded.file_hash,
			file_mtime = excluded.file_mtime, file_mode = excluded.file_mode,
			file_seg_num = excluded.file_seg_num, version = excluded.version`,
		action.Filename, action.Device.String(), action.Seq,
		action.FileHash[:], action.FileMtime.UTC().Unix(), action.FileMode, action.FileSegNum, action.Version)
	if err != nil {
		return err
	}

	if l.onUpdate != nil {
		l.onUpdate(action.Filename, core.FileStateEntry{
			Filename: action.Filename, Device: action.Device, Seq: action.Seq,
			FileHash: action.FileHash, FileMtime: action.FileMtime,
			FileMode: action.FileMode, FileSegNum: action.FileSegNum, Version: action.Version,
		})
	}
	return nil
}

// LookupActionBlob returns the raw signed blob for a published action
// name, satisfying transport.ActionSource for the content server.
func (l *Log) LookupActionBlob(name string) ([]byte, bool) {
	a, err := l.ByName(name)
	if err != nil {
		return nil, false
	}
	return a.Blob, true
}

// ByDeviceSeq looks up a single action by its primary key.
func (l *Log) ByDeviceSeq(device core.DeviceName, seq core.Sequence) (*core.Action, error) {
	return byDeviceSeq(l.db, device, seq)
}

// ByName looks up an action by its published NDN name.
func (l *Log) ByName(name string) (*core.Action, error) {
	return scanOneAction(l.db.QueryRow(selectActionColumns+` WHERE action_name = ?`, name))
}

// ByFilenameVersionHash finds the action that produced a specific
// (filename, version, file_hash) tuple, used for point-in-time restore.
func (l *Log) ByFilenameVersionHash(filename string, version uint64, hash core.Hash) (*core.Action, error) {
	return scanOneAction(l.db.QueryRow(
		selectActionColumns+` WHERE filename = ? AND version = ? AND file_hash = ?`,
		filename, version, hash[:]))
}

// Recent returns the most recently timestamped actions, newest first.
func (l *Log) Recent(limit int) ([]*core.Action, error) {
	rows, err := l.db.Query(selectActionColumns+` ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// InFolder returns actions whose filename falls under folder (recursive
// prefix match).
func (l *Log) InFolder(folder string) ([]*core.Action, error) {
	prefix := strings.TrimSuffix(folder, "/") + "/"
	rows, err := l.db.Query(
		selectActionColumns+` WHERE filename = ? OR substr(filename, 1, ?) = ? ORDER BY filename, version`,
		folder, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing actions in folder %q: %w", folder, err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// ForFile returns every action ever recorded for filename, oldest first.
func (l *Log) ForFile(filename string) ([]*core.Action, error) {
	rows, err := l.db.Query(selectActionColumns+` WHERE filename = ? ORDER BY version`, filename)
	if err != nil {
		return nil, fmt.Errorf("listing actions for %q: %w", filename, err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// FileState returns the current winner row for filename, or
// core.ErrNotFound if the file has no current UPDATE winner (deleted or
// never seen).
func (l *Log) FileState(filename string) (core.FileStateEntry, error) {
	return fileState(l.db, filename)
}

func fileState(q queryer, filename string) (core.FileStateEntry, error) {
	row := q.QueryRow(`SELECT filename, device, seq, file_hash, file_mtime, file_mode, file_seg_num, version
		FROM file_state WHERE filename = ?`, filename)

	var entry core.FileStateEntry
	var device string
	var hashBytes []byte
	var mtimeUnix int64
	if err := row.Scan(&entry.Filename, &device, &entry.Seq, &hashBytes, &mtimeUnix, &entry.FileMode, &entry.FileSegNum, &entry.Version); err != nil {
		if err == sql.ErrNoRows {
			return core.FileStateEntry{}, core.ErrNotFound
		}
		return core.FileStateEntry{}, fmt.Errorf("reading file state for %q: %w", filename, err)
	}
	entry.Device = core.NewDeviceName(device)
	entry.FileMtime = time.Unix(mtimeUnix, 0).UTC()
	copy(entry.FileHash[:], hashBytes)
	return entry, nil
}

func actionName(app string, device core.DeviceName, sharedFolder string, seq core.Sequence) string {
	return fmt.Sprintf("%s/%d", ActionBaseName(app, device, sharedFolder), seq)
}

// ActionBaseName returns the NDN name prefix actions from device are
// published under, without the trailing sequence number — the base
// name a Fetcher expresses numbered interests against to retrieve a
// contiguous range of a peer's actions (§4.5).
func ActionBaseName(app string, device core.DeviceName, sharedFolder string) string {
	return fmt.Sprintf("%s/%s/action/%s", device.String(), app, sharedFolder)
}
