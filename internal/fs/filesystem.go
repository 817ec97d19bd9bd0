// Package fs resolves and reads local files for segmentation. ChronoShare
// never watches the filesystem itself (see internal/watcherapi) but it does
// need to turn a path handed to it by `chronoshare add` or a future watcher
// into segment-ready file content, rejecting anything that isn't a plain
// file or directory of plain files.
package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ResolvedPath is a validated filesystem path with cached metadata,
// produced by Manager.Resolve. Passing a ResolvedPath instead of a bare
// string to Open/Stat means the manager never has to re-validate a path
// out from under itself between the check and the use.
type ResolvedPath struct {
	absPath string
	isDir   bool
	info    fs.FileInfo
}

// NewResolvedPath builds a ResolvedPath from its components. Exposed for
// tests that need to construct one without touching the real filesystem.
func NewResolvedPath(absPath string, isDir bool, info fs.FileInfo) *ResolvedPath {
	return &ResolvedPath{absPath: absPath, isDir: isDir, info: info}
}

// String returns the absolute path.
func (p *ResolvedPath) String() string {
	return p.absPath
}

// IsDir reports whether the path is a directory.
func (p *ResolvedPath) IsDir() bool {
	return p.isDir
}

// Info returns the file info captured when the path was resolved.
func (p *ResolvedPath) Info() fs.FileInfo {
	return p.info
}

// Manager resolves and reads local paths on behalf of the object store's
// segmentation code.
type Manager interface {
	Resolve(rawPath string) (*ResolvedPath, error)
	Open(path *ResolvedPath) (io.ReadCloser, error)
	Stat(path *ResolvedPath) (fs.FileInfo, error)
	FindFiles(path *ResolvedPath, recursive bool) ([]*ResolvedPath, error)
}

// OSManager is the real filesystem implementation of Manager.
type OSManager struct{}

// NewOSManager creates a filesystem manager backed by the os package.
func NewOSManager() *OSManager {
	return &OSManager{}
}

// Resolve validates a raw path and returns a ResolvedPath. Symlinks,
// devices, named pipes and sockets are rejected: segmentation reads the
// bytes of the file exactly once and hashes them, and none of those file
// types have a stable, single byte stream to hash.
func (m *OSManager) Resolve(rawPath string) (*ResolvedPath, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlinks not supported: %s", absPath)
	}
	if mode&os.ModeDevice != 0 {
		return nil, fmt.Errorf("device files not supported: %s", absPath)
	}
	if mode&os.ModeNamedPipe != 0 {
		return nil, fmt.Errorf("named pipes not supported: %s", absPath)
	}
	if mode&os.ModeSocket != 0 {
		return nil, fmt.Errorf("sockets not supported: %s", absPath)
	}

	return NewResolvedPath(absPath, info.IsDir(), info), nil
}

// Open opens a resolved file for reading.
func (m *OSManager) Open(path *ResolvedPath) (io.ReadCloser, error) {
	if path.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", path.String())
	}
	return os.Open(path.String())
}

// Stat returns fresh file info for a resolved path, re-reading the
// filesystem rather than trusting the info cached at Resolve time.
func (m *OSManager) Stat(path *ResolvedPath) (fs.FileInfo, error) {
	return os.Stat(path.String())
}

// FindFiles discovers regular files under a resolved directory path, for
// commands that add or re-hash a whole shared folder at once rather than
// a single named file.
func (m *OSManager) FindFiles(path *ResolvedPath, recursive bool) ([]*ResolvedPath, error) {
	if !path.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", path.String())
	}

	var paths []*ResolvedPath

	if recursive {
		err := filepath.WalkDir(path.String(), func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			paths = append(paths, NewResolvedPath(p, false, info))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking directory: %w", err)
		}
	} else {
		entries, err := os.ReadDir(path.String())
		if err != nil {
			return nil, fmt.Errorf("reading directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
			}
			paths = append(paths, NewResolvedPath(filepath.Join(path.String(), entry.Name()), false, info))
		}
	}

	return paths, nil
}

var _ Manager = (*OSManager)(nil)
