// Package watcherapi documents the filesystem watcher ChronoShare
// expects to run alongside it, without implementing one: detecting
// local file changes is explicitly out of scope. A real watcher (e.g.
// backed by fsnotify) observes the shared folder and calls back into
// internal/actionlog and internal/objectstore the same way
// cmd/chronoshare's `add`/`remove` commands do by hand.
package watcherapi

// Watcher is the collaborator ChronoShare's action log expects to
// drive AddLocalUpdate/AddLocalDelete from real filesystem events. No
// implementation is provided.
type Watcher interface {
	// Watch begins observing root and its subdirectories, invoking the
	// registered callbacks as changes are observed, until Close is
	// called.
	Watch(root string) error

	// OnLocalFileAdded registers a callback invoked when a new file
	// appears under the watched root.
	OnLocalFileAdded(func(path string))

	// OnLocalFileModified registers a callback invoked when an existing
	// file's contents change.
	OnLocalFileModified(func(path string))

	// OnLocalFileDeleted registers a callback invoked when a file is
	// removed.
	OnLocalFileDeleted(func(path string))

	// Close stops observing and releases any underlying resources.
	Close() error
}
