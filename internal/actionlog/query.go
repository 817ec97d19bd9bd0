package actionlog

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"chronoshare/internal/core"
)

// queryer is satisfied by both *sql.DB and *sql.Tx, so lookups can run
// either standalone or inside an in-flight transaction.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

const selectActionColumns = `SELECT device, seq, kind, filename, version, timestamp,
	file_hash, file_mtime, file_mode, file_seg_num,
	parent_device, parent_seq, action_name, blob FROM action`

func insertAction(tx *sql.Tx, a *core.Action) error {
	var parentDevice, parentSeq any
	if a.Parent != nil {
		parentDevice = a.Parent.Device.String()
		parentSeq = a.Parent.Seq
	}

	var hash, mtime, mode, segNum any
	if a.Kind == core.ActionUpdate {
		hash = a.FileHash[:]
		mtime = a.FileMtime.UTC().Unix()
		mode = a.FileMode
		segNum = a.FileSegNum
	}

	_, err := tx.Exec(`INSERT INTO action
		(device, seq, kind, filename, version, timestamp, file_hash, file_mtime, file_mode, file_seg_num,
		 parent_device, parent_seq, action_name, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Device.String(), a.Seq, int(a.Kind), a.Filename, a.Version, a.Timestamp.UTC().Unix(),
		hash, mtime, mode, segNum, parentDevice, parentSeq, a.Name, a.Blob)
	return err
}

func byDeviceSeq(q queryer, device core.DeviceName, seq core.Sequence) (*core.Action, error) {
	return scanOneAction(q.QueryRow(selectActionColumns+` WHERE device = ? AND seq = ?`, device.String(), seq))
}

// latestActionForFilename returns the most recently versioned action
// recorded for filename, regardless of winner status: it is what
// AddLocalUpdate/AddLocalDelete chain their parent reference to.
func latestActionForFilename(q queryer, filename string) (*core.Action, error) {
	return scanOneAction(q.QueryRow(
		selectActionColumns+` WHERE filename = ? ORDER BY version DESC, device DESC LIMIT 1`, filename))
}

func scanOneAction(row *sql.Row) (*core.Action, error) {
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("scanning action: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*core.Action, error) {
	var a core.Action
	var device string
	var kind int
	var timestampUnix int64
	var hash, parentDevice sql.NullString
	var hashBytes []byte
	var mtimeUnix sql.NullInt64
	var mode, segNum sql.NullInt64
	var parentSeq sql.NullInt64

	if err := row.Scan(&device, &a.Seq, &kind, &a.Filename, &a.Version, &timestampUnix,
		&hashBytes, &mtimeUnix, &mode, &segNum,
		&parentDevice, &parentSeq, &a.Name, &a.Blob); err != nil {
		return nil, err
	}

	a.Device = core.NewDeviceName(device)
	a.Kind = core.ActionKind(kind)
	a.Timestamp = time.Unix(timestampUnix, 0).UTC()
	if len(hashBytes) == len(a.FileHash) {
		copy(a.FileHash[:], hashBytes)
	}
	if mtimeUnix.Valid {
		a.FileMtime = time.Unix(mtimeUnix.Int64, 0).UTC()
	}
	if mode.Valid {
		a.FileMode = uint32(mode.Int64)
	}
	if segNum.Valid {
		a.FileSegNum = uint64(segNum.Int64)
	}
	if parentDevice.Valid && parentSeq.Valid {
		a.Parent = &core.ActionRef{
			Device: core.NewDeviceName(parentDevice.String),
			Seq:    core.Sequence(parentSeq.Int64),
		}
	}
	_ = hash
	return &a, nil
}

func scanActions(rows *sql.Rows) ([]*core.Action, error) {
	var out []*core.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning action row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// encodeAction produces the deterministic wire body a signature covers:
// a fixed-order binary encoding of the fields, not JSON, to match the
// compactness NDN's ≤1024-byte segments assume for other bodies.
func encodeAction(a *core.Action) []byte {
	buf := make([]byte, 0, 128+len(a.Filename))
	buf = append(buf, byte(a.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(a.Filename)))
	buf = append(buf, a.Filename...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Version)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Timestamp.UTC().Unix()))
	if a.Kind == core.ActionUpdate {
		buf = append(buf, a.FileHash[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.FileMtime.UTC().Unix()))
		buf = binary.LittleEndian.AppendUint32(buf, a.FileMode)
		buf = binary.LittleEndian.AppendUint64(buf, a.FileSegNum)
	}
	if a.Parent != nil {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(a.Parent.Device.String())))
		buf = append(buf, a.Parent.Device.String()...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Parent.Seq))
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func encodeSignedObject(o *core.SignedObject) []byte {
	buf := make([]byte, 0, len(o.Body)+len(o.Signature)+16)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(o.Body)))
	buf = append(buf, o.Body...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(o.Signature)))
	buf = append(buf, o.Signature...)
	return buf
}

// DecodeRemoteAction reverses encodeAction/encodeSignedObject for a
// blob fetched from a peer under baseName (the same base name the
// Fetcher was given): it does not carry Name or Blob on the wire, so
// the caller's baseName and the numbered interest's seq reconstruct
// them. Signature verification is intentionally skipped here: no
// device keystore/PKI exists in this codebase (see DESIGN.md), so
// core.SignedObject.PublicKey is never populated and Verify() would
// always fail.
func DecodeRemoteAction(baseName string, device core.DeviceName, seq core.Sequence, blob []byte) (*core.Action, error) {
	body, _, err := decodeSignedObject(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding remote action envelope: %w", err)
	}
	a, err := decodeActionBody(body)
	if err != nil {
		return nil, fmt.Errorf("decoding remote action body: %w", err)
	}
	a.Device = device
	a.Seq = seq
	a.Name = fmt.Sprintf("%s/%d", baseName, seq)
	a.Blob = blob
	return a, nil
}

func decodeSignedObject(blob []byte) (body, signature []byte, err error) {
	r := &byteReader{buf: blob}
	bodyLen, err := r.uint64()
	if err != nil {
		return nil, nil, err
	}
	body, err = r.bytes(int(bodyLen))
	if err != nil {
		return nil, nil, err
	}
	sigLen, err := r.uint64()
	if err != nil {
		return nil, nil, err
	}
	signature, err = r.bytes(int(sigLen))
	if err != nil {
		return nil, nil, err
	}
	return body, signature, nil
}

func decodeActionBody(body []byte) (*core.Action, error) {
	r := &byteReader{buf: body}
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	a := &core.Action{Kind: core.ActionKind(kind)}

	nameLen, err := r.uint64()
	if err != nil {
		return nil, err
	}
	filename, err := r.bytes(int(nameLen))
	if err != nil {
		return nil, err
	}
	a.Filename = string(filename)

	version, err := r.uint64()
	if err != nil {
		return nil, err
	}
	a.Version = version

	tsUnix, err := r.uint64()
	if err != nil {
		return nil, err
	}
	a.Timestamp = time.Unix(int64(tsUnix), 0).UTC()

	if a.Kind == core.ActionUpdate {
		hashBytes, err := r.bytes(len(a.FileHash))
		if err != nil {
			return nil, err
		}
		copy(a.FileHash[:], hashBytes)

		mtimeUnix, err := r.uint64()
		if err != nil {
			return nil, err
		}
		a.FileMtime = time.Unix(int64(mtimeUnix), 0).UTC()

		mode, err := r.uint32()
		if err != nil {
			return nil, err
		}
		a.FileMode = mode

		segNum, err := r.uint64()
		if err != nil {
			return nil, err
		}
		a.FileSegNum = segNum
	}

	hasParent, err := r.byte()
	if err != nil {
		return nil, err
	}
	if hasParent == 1 {
		devLen, err := r.uint64()
		if err != nil {
			return nil, err
		}
		devName, err := r.bytes(int(devLen))
		if err != nil {
			return nil, err
		}
		parentSeq, err := r.uint64()
		if err != nil {
			return nil, err
		}
		a.Parent = &core.ActionRef{Device: core.NewDeviceName(string(devName)), Seq: core.Sequence(parentSeq)}
	}

	return a, nil
}

// byteReader is a minimal cursor over a little-endian encoded buffer,
// the inverse of the binary.LittleEndian.AppendUintNN calls encodeAction
// and encodeSignedObject use to build one.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) byte() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: truncated action wire encoding", core.ErrProtocol)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
