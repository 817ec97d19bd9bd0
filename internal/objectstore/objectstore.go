// Package objectstore implements ChronoShare's segmented,
// content-hash-addressed store of file bodies (§3, §4.2). Each distinct
// file hash gets its own SQLite sub-store, sharded on disk by the first
// two hex nibbles of the hash to bound directory width, matching the
// original object-db/object-manager layout.
package objectstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chronoshare/internal/core"
	"chronoshare/internal/database"
	"chronoshare/internal/database/migrations"
	"chronoshare/internal/fs"
	"chronoshare/internal/objectstore/s3mirror"
)

// MaxSegmentSize is the largest content payload a single segment may
// carry (§4.2).
const MaxSegmentSize = 1024

// Store manages the on-disk collection of per-hash sub-stores plus the
// DbCache that keeps a bounded number of them open.
type Store struct {
	root      string
	appName   string
	device    core.DeviceName
	signer    *core.Signer
	logger    *slog.Logger
	cache     *DbCache
	encryptor SegmentEncryptor
	mirror    *s3mirror.Mirror
	files     fs.Manager
}

// Config carries the fixed parameters a Store needs at construction.
type Config struct {
	Root      string
	AppName   string
	Device    core.DeviceName
	Signer    *core.Signer
	Logger    *slog.Logger
	Clock     core.Clock
	Encryptor SegmentEncryptor
	Mirror    *s3mirror.Mirror
	// Files resolves and reads local paths during segmentation. Defaults
	// to the real filesystem; tests substitute a fake to exercise
	// symlink/device rejection without touching disk.
	Files fs.Manager
}

// New builds a Store rooted at cfg.Root, creating the objects/ directory
// if needed.
func New(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	objectsDir := filepath.Join(cfg.Root, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}

	files := cfg.Files
	if files == nil {
		files = fs.NewOSManager()
	}

	s := &Store{
		root:      cfg.Root,
		appName:   cfg.AppName,
		device:    cfg.Device,
		signer:    cfg.Signer,
		logger:    logger,
		encryptor: cfg.Encryptor,
		mirror:    cfg.Mirror,
		files:     files,
	}
	s.cache = NewDbCache(s.openSubStore, cfg.Clock)
	return s, nil
}

// Close releases every open sub-store connection.
func (s *Store) Close() error { return s.cache.CloseAll() }

// EvictStaleSubStores closes sub-stores idle for more than
// cacheEvictionAge. Intended to be run periodically by the Scheduler.
func (s *Store) EvictStaleSubStores() { s.cache.EvictStale() }

// SegmentLocalFile streams the file at path in ≤1024-byte chunks,
// computing its content hash, persisting one row per segment in the
// hash's sub-store, and returns the hash and segment count. Empty files
// still produce exactly one (empty) segment.
func (s *Store) SegmentLocalFile(path string) (core.Hash, uint64, error) {
	resolved, err := s.files.Resolve(path)
	if err != nil {
		return core.Hash{}, 0, fmt.Errorf("resolving %q: %w", path, err)
	}

	hash, err := hashFile(s.files, resolved)
	if err != nil {
		return core.Hash{}, 0, err
	}

	f, err := s.files.Open(resolved)
	if err != nil {
		return core.Hash{}, 0, fmt.Errorf("opening %q for segmentation: %w", path, err)
	}
	defer f.Close()

	sub, err := s.cache.Get(hash)
	if err != nil {
		return core.Hash{}, 0, err
	}

	buf := make([]byte, MaxSegmentSize)
	var segNum uint64
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			name := segmentName(s.device, s.appName, hash, segNum)
			signed := core.Wrap(s.signer, name, buf[:n], nil)
			if err := s.storeSegment(sub, hash, s.device, segNum, encodeSegmentBlob(signed)); err != nil {
				return core.Hash{}, 0, err
			}
			segNum++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return core.Hash{}, 0, fmt.Errorf("reading %q: %w", path, readErr)
		}
		if n < MaxSegmentSize {
			break
		}
	}

	if segNum == 0 {
		name := segmentName(s.device, s.appName, hash, 0)
		signed := core.Wrap(s.signer, name, nil, nil)
		if err := s.storeSegment(sub, hash, s.device, 0, encodeSegmentBlob(signed)); err != nil {
			return core.Hash{}, 0, err
		}
		segNum = 1
	}

	return hash, segNum, nil
}

// AssembleLocalFile writes every contiguous segment for (device, hash)
// starting at 0 into outPath, stopping at the first missing segment. It
// reports false if the assembly is incomplete.
func (s *Store) AssembleLocalFile(device core.DeviceName, hash core.Hash, outPath string) (bool, error) {
	sub, err := s.cache.Get(hash)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return false, fmt.Errorf("creating destination directory: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return false, fmt.Errorf("creating %q: %w", outPath, err)
	}
	defer out.Close()

	for segNum := uint64(0); ; segNum++ {
		blob, err := s.loadSegment(sub, hash, device, segNum)
		if errors.Is(err, core.ErrNotFound) {
			return segNum > 0, nil
		}
		if err != nil {
			return false, err
		}
		body, err := decodeSegmentBody(blob)
		if err != nil {
			return false, err
		}
		if _, err := out.Write(body); err != nil {
			return false, fmt.Errorf("writing assembled segment %d: %w", segNum, err)
		}
	}
}

// DoesComplete reports whether the sub-store for (device, hash) holds
// every segment with no gaps.
func (s *Store) DoesComplete(device core.DeviceName, hash core.Hash) (bool, error) {
	sub, err := s.cache.Get(hash)
	if err != nil {
		return false, err
	}
	return sub.IsComplete(device)
}

// FetchSegment returns the raw signed segment blob for (device, segment)
// under hash's sub-store.
func (s *Store) FetchSegment(hash core.Hash, device core.DeviceName, segment uint64) ([]byte, error) {
	sub, err := s.cache.Get(hash)
	if err != nil {
		return nil, err
	}
	return s.loadSegment(sub, hash, device, segment)
}

// LookupSegmentBlob resolves a segment by its string-encoded hash,
// device and segment number, satisfying transport.SegmentSource for
// the content server.
func (s *Store) LookupSegmentBlob(hashHex string, device string, segmentStr string) ([]byte, bool) {
	hash, err := core.HashFromHex(hashHex)
	if err != nil {
		return nil, false
	}
	var segment uint64
	if _, err := fmt.Sscanf(segmentStr, "%d", &segment); err != nil {
		return nil, false
	}
	blob, err := s.FetchSegment(hash, core.NewDeviceName(device), segment)
	if err != nil {
		return nil, false
	}
	return blob, true
}

// PutRemoteSegment stores a segment received from a peer without
// re-signing it, exactly the way a locally segmented one is stored.
func (s *Store) PutRemoteSegment(hash core.Hash, device core.DeviceName, segment uint64, blob []byte) error {
	sub, err := s.cache.Get(hash)
	if err != nil {
		return err
	}
	return s.storeSegment(sub, hash, device, segment, blob)
}

// storeSegment persists blob locally (encrypting it first when an
// encryptor is configured) and, when a cold mirror is configured, best
// effort mirrors it to S3. A mirror failure is logged, not fatal: the
// mirror is a backup of the local sub-store, not its source of truth.
func (s *Store) storeSegment(sub *subStore, hash core.Hash, device core.DeviceName, segment uint64, blob []byte) error {
	toStore := blob
	if s.encryptor != nil {
		encrypted, err := s.encryptor.Encrypt(blob)
		if err != nil {
			return fmt.Errorf("encrypting segment %d: %w", segment, err)
		}
		toStore = encrypted
	}
	if err := sub.PutSegment(device, segment, toStore); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.Put(context.Background(), hash, device, segment, toStore); err != nil {
			s.logger.Warn("mirroring segment to cold storage", "hash", hash.String(), "segment", segment, "error", err)
		}
	}
	return nil
}

// loadSegment reads a segment from the local sub-store, falling back to
// the cold mirror if configured and the segment isn't present locally,
// then decrypts it when an encryptor is configured.
func (s *Store) loadSegment(sub *subStore, hash core.Hash, device core.DeviceName, segment uint64) ([]byte, error) {
	blob, err := sub.GetSegment(device, segment)
	if errors.Is(err, core.ErrNotFound) && s.mirror != nil {
		mirrored, mErr := s.mirror.Get(context.Background(), hash, device, segment)
		if mErr == nil {
			blob, err = mirrored, nil
			// Repopulate the local sub-store so future reads skip the mirror.
			if putErr := sub.PutSegment(device, segment, blob); putErr != nil {
				s.logger.Warn("repopulating local segment from mirror", "hash", hash.String(), "segment", segment, "error", putErr)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if s.encryptor != nil {
		decrypted, err := s.encryptor.Decrypt(blob)
		if err != nil {
			return nil, fmt.Errorf("decrypting segment %d: %w", segment, err)
		}
		return decrypted, nil
	}
	return blob, nil
}

func (s *Store) openSubStore(hash core.Hash) (*subStore, error) {
	hexHash := hash.String()
	dir := filepath.Join(s.root, "objects", hexHash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sub-store shard directory: %w", err)
	}

	path := filepath.Join(dir, hexHash[2:]+".db")
	db, err := database.OpenConnection(path)
	if err != nil {
		return nil, fmt.Errorf("opening sub-store for hash %s: %w", hexHash, err)
	}
	if err := migrations.Up(db, migrations.ObjectStore); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sub-store for hash %s: %w", hexHash, err)
	}

	return &subStore{db: db, hash: hash}, nil
}

func hashFile(files fs.Manager, path *fs.ResolvedPath) (core.Hash, error) {
	f, err := files.Open(path)
	if err != nil {
		return core.Hash{}, fmt.Errorf("opening %q for hashing: %w", path.String(), err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return core.Hash{}, fmt.Errorf("hashing %q: %w", path.String(), err)
	}
	var out core.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

func segmentName(device core.DeviceName, app string, hash core.Hash, segment uint64) string {
	return fmt.Sprintf("%s/%d", SegmentBaseName(device, app, hash), segment)
}

// SegmentBaseName returns the NDN name prefix segments of hash
// published by device are found under, without the trailing segment
// number — the base name a Fetcher expresses numbered interests
// against to retrieve every segment of a file in one pipelined run.
func SegmentBaseName(device core.DeviceName, app string, hash core.Hash) string {
	return fmt.Sprintf("%s/%s/file/%s", device.String(), app, hash.String())
}

// subStore wraps one sub-store's SQLite connection.
type subStore struct {
	db       *sql.DB
	hash     core.Hash
	lastUsed time.Time
}

func (s *subStore) PutSegment(device core.DeviceName, segment uint64, blob []byte) error {
	_, err := s.db.Exec(`INSERT INTO segment (device_name, segment, content_object) VALUES (?, ?, ?)
		ON CONFLICT(device_name, segment) DO UPDATE SET content_object = excluded.content_object`,
		device.String(), segment, blob)
	if err != nil {
		return fmt.Errorf("%w: storing segment %d: %v", core.ErrPersistence, segment, err)
	}
	return nil
}

func (s *subStore) GetSegment(device core.DeviceName, segment uint64) ([]byte, error) {
	row := s.db.QueryRow(`SELECT content_object FROM segment WHERE device_name = ? AND segment = ?`,
		device.String(), segment)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading segment %d: %v", core.ErrPersistence, segment, err)
	}
	return blob, nil
}

func (s *subStore) IsComplete(device core.DeviceName) (bool, error) {
	var count, maxSeg int64
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(MAX(segment), -1) FROM segment WHERE device_name = ?`, device.String())
	if err := row.Scan(&count, &maxSeg); err != nil {
		return false, fmt.Errorf("%w: checking completeness: %v", core.ErrPersistence, err)
	}
	return count > 0 && count == maxSeg+1, nil
}

func (s *subStore) Close() error { return s.db.Close() }
