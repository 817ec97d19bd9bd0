package objectstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"chronoshare/internal/core"
	"chronoshare/internal/fs"
	"chronoshare/internal/testutil"
)

func newTestStore(t *testing.T, device core.DeviceName) *Store {
	t.Helper()
	_, priv, err := core.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating key pair: %v", err)
	}
	store, err := New(Config{
		Root:    t.TempDir(),
		AppName: "chronoshare",
		Device:  device,
		Signer:  core.NewSigner(priv),
		Clock:   testutil.FixedClock(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestSegmentAndAssembleRoundTrip_SingleSegment(t *testing.T) {
	device := core.NewDeviceName("/device/a")
	store := newTestStore(t, device)

	content := []byte("hello, chronoshare")
	path := writeTempFile(t, content)

	hash, segCount, err := store.SegmentLocalFile(path)
	if err != nil {
		t.Fatalf("SegmentLocalFile: %v", err)
	}
	if segCount != 1 {
		t.Fatalf("expected 1 segment for small file, got %d", segCount)
	}

	complete, err := store.DoesComplete(device, hash)
	if err != nil {
		t.Fatalf("DoesComplete: %v", err)
	}
	if !complete {
		t.Fatal("expected the sub-store to be complete after segmenting")
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	ok, err := store.AssembleLocalFile(device, hash, outPath)
	if err != nil {
		t.Fatalf("AssembleLocalFile: %v", err)
	}
	if !ok {
		t.Fatal("expected assembly to report complete")
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("assembled content mismatch: got %q, want %q", got, content)
	}
}

func TestSegmentAndAssembleRoundTrip_MultiSegment(t *testing.T) {
	device := core.NewDeviceName("/device/a")
	store := newTestStore(t, device)

	content := bytes.Repeat([]byte("x"), MaxSegmentSize*3+17)
	path := writeTempFile(t, content)

	hash, segCount, err := store.SegmentLocalFile(path)
	if err != nil {
		t.Fatalf("SegmentLocalFile: %v", err)
	}
	if segCount != 4 {
		t.Fatalf("expected 4 segments (3 full + 1 partial), got %d", segCount)
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	ok, err := store.AssembleLocalFile(device, hash, outPath)
	if err != nil {
		t.Fatalf("AssembleLocalFile: %v", err)
	}
	if !ok {
		t.Fatal("expected assembly to report complete")
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("assembled content length mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestSegmentEmptyFileProducesOneSegment(t *testing.T) {
	device := core.NewDeviceName("/device/a")
	store := newTestStore(t, device)

	path := writeTempFile(t, nil)
	hash, segCount, err := store.SegmentLocalFile(path)
	if err != nil {
		t.Fatalf("SegmentLocalFile: %v", err)
	}
	if segCount != 1 {
		t.Fatalf("expected exactly 1 segment for an empty file, got %d", segCount)
	}
	if hash.IsZero() {
		t.Error("expected a non-zero hash even for empty content")
	}
}

func TestAssembleLocalFile_IncompleteReportsFalse(t *testing.T) {
	device := core.NewDeviceName("/device/a")
	store := newTestStore(t, device)

	content := bytes.Repeat([]byte("y"), MaxSegmentSize*2+1)
	path := writeTempFile(t, content)
	hash, segCount, err := store.SegmentLocalFile(path)
	if err != nil {
		t.Fatalf("SegmentLocalFile: %v", err)
	}
	if segCount < 2 {
		t.Fatalf("expected at least 2 segments, got %d", segCount)
	}

	sub, err := store.cache.Get(hash)
	if err != nil {
		t.Fatalf("Get sub-store: %v", err)
	}
	if _, err := sub.db.Exec(`DELETE FROM segment WHERE device_name = ? AND segment = ?`, device.String(), segCount-1); err != nil {
		t.Fatalf("deleting last segment: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	ok, err := store.AssembleLocalFile(device, hash, outPath)
	if err != nil {
		t.Fatalf("AssembleLocalFile: %v", err)
	}
	if ok {
		t.Error("expected assembly to report incomplete after removing a segment")
	}

	complete, err := store.DoesComplete(device, hash)
	if err != nil {
		t.Fatalf("DoesComplete: %v", err)
	}
	if complete {
		t.Error("expected DoesComplete to report false with a missing segment")
	}
}

func TestFetchSegment_MissingReturnsNotFound(t *testing.T) {
	device := core.NewDeviceName("/device/a")
	store := newTestStore(t, device)

	content := []byte("some bytes")
	path := writeTempFile(t, content)
	hash, _, err := store.SegmentLocalFile(path)
	if err != nil {
		t.Fatalf("SegmentLocalFile: %v", err)
	}

	if _, err := store.FetchSegment(hash, device, 99); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an out-of-range segment, got %v", err)
	}
}

func TestPutRemoteSegment_ThenFetch(t *testing.T) {
	local := core.NewDeviceName("/device/a")
	remote := core.NewDeviceName("/device/b")
	store := newTestStore(t, local)

	hash := testutil.Hash([]byte("remote content"))
	blob := []byte("opaque signed blob bytes")
	if err := store.PutRemoteSegment(hash, remote, 0, blob); err != nil {
		t.Fatalf("PutRemoteSegment: %v", err)
	}

	got, err := store.FetchSegment(hash, remote, 0)
	if err != nil {
		t.Fatalf("FetchSegment: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("fetched blob mismatch: got %q, want %q", got, blob)
	}
}

func TestLookupSegmentBlob(t *testing.T) {
	device := core.NewDeviceName("/device/a")
	store := newTestStore(t, device)

	content := []byte("lookup me")
	path := writeTempFile(t, content)
	hash, _, err := store.SegmentLocalFile(path)
	if err != nil {
		t.Fatalf("SegmentLocalFile: %v", err)
	}

	blob, ok := store.LookupSegmentBlob(hash.String(), device.String(), "0")
	if !ok {
		t.Fatal("expected LookupSegmentBlob to find segment 0")
	}
	body, err := decodeSegmentBody(blob)
	if err != nil {
		t.Fatalf("decodeSegmentBody: %v", err)
	}
	if !bytes.Equal(body, content) {
		t.Errorf("decoded body mismatch: got %q, want %q", body, content)
	}

	if _, ok := store.LookupSegmentBlob("not-a-hash", device.String(), "0"); ok {
		t.Error("expected LookupSegmentBlob to fail on an unparseable hash")
	}
	if _, ok := store.LookupSegmentBlob(hash.String(), device.String(), "not-a-number"); ok {
		t.Error("expected LookupSegmentBlob to fail on an unparseable segment number")
	}
}

// rejectingFS is an fs.Manager whose Resolve always errors, standing in
// for a symlinked or special-file path that OSManager would reject; it
// is used by TestSegmentLocalFile_PropagatesResolveError.
type rejectingFS struct{}

func (rejectingFS) Resolve(rawPath string) (*fs.ResolvedPath, error) {
	return nil, errors.New("symlinks not supported")
}
func (rejectingFS) Open(path *fs.ResolvedPath) (io.ReadCloser, error) { panic("not reached") }
func (rejectingFS) Stat(path *fs.ResolvedPath) (os.FileInfo, error)  { panic("not reached") }
func (rejectingFS) FindFiles(path *fs.ResolvedPath, recursive bool) ([]*fs.ResolvedPath, error) {
	panic("not reached")
}

func TestSegmentLocalFile_PropagatesResolveError(t *testing.T) {
	_, priv, err := core.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating key pair: %v", err)
	}
	store, err := New(Config{
		Root: t.TempDir(), AppName: "chronoshare", Device: core.NewDeviceName("/device/a"),
		Signer: core.NewSigner(priv), Clock: testutil.FixedClock(), Files: rejectingFS{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	if _, _, err := store.SegmentLocalFile("/some/symlink"); err == nil {
		t.Error("expected SegmentLocalFile to propagate a Resolve error")
	}
}

func TestAgeSegmentEncryptor_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "public.key")
	privPath := filepath.Join(dir, "private.key")

	if err := SetupAgeKeys(pubPath, privPath, "correct horse battery staple"); err != nil {
		t.Fatalf("SetupAgeKeys: %v", err)
	}

	enc, err := NewAgeSegmentEncryptor(pubPath, privPath, "correct horse battery staple")
	if err != nil {
		t.Fatalf("NewAgeSegmentEncryptor: %v", err)
	}

	plaintext := []byte("segment payload")
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("expected ciphertext to differ from plaintext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted mismatch: got %q, want %q", decrypted, plaintext)
	}

	if _, err := NewAgeSegmentEncryptor(pubPath, privPath, "wrong passphrase"); err == nil {
		t.Error("expected wrong passphrase to fail decrypting the private key")
	}
}

func TestStore_SegmentsAreEncryptedAtRestWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "public.key")
	privPath := filepath.Join(dir, "private.key")
	if err := SetupAgeKeys(pubPath, privPath, "passphrase"); err != nil {
		t.Fatalf("SetupAgeKeys: %v", err)
	}
	enc, err := NewAgeSegmentEncryptor(pubPath, privPath, "passphrase")
	if err != nil {
		t.Fatalf("NewAgeSegmentEncryptor: %v", err)
	}

	device := core.NewDeviceName("/device/a")
	_, priv, err := core.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating key pair: %v", err)
	}
	store, err := New(Config{
		Root: t.TempDir(), AppName: "chronoshare", Device: device,
		Signer: core.NewSigner(priv), Clock: testutil.FixedClock(), Encryptor: enc,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	content := []byte("secret payload")
	path := writeTempFile(t, content)
	hash, _, err := store.SegmentLocalFile(path)
	if err != nil {
		t.Fatalf("SegmentLocalFile: %v", err)
	}

	sub, err := store.cache.Get(hash)
	if err != nil {
		t.Fatalf("Get sub-store: %v", err)
	}
	raw, err := sub.GetSegment(device, 0)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if bytes.Contains(raw, content) {
		t.Error("expected the on-disk blob to not contain the plaintext content")
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	ok, err := store.AssembleLocalFile(device, hash, outPath)
	if err != nil {
		t.Fatalf("AssembleLocalFile: %v", err)
	}
	if !ok {
		t.Fatal("expected assembly to succeed after decrypting each segment")
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("assembled content mismatch after decryption: got %q, want %q", got, content)
	}
}
