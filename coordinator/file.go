package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/wire"
)

const (
	lookupCacheSize = 256
	lookupCacheTTL  = 5 * time.Second
)

// fileData is the JSON document stored in the shared registry file.
type fileData struct {
	// Namespaces maps a namespace path (e.g. "/live/cam1") to its owner.
	Namespaces map[string]Owner `json:"namespaces"`
}

// File is the multi-process backend: relay instances sharing a host
// coordinate through one JSON file. Updates read-modify-write the current
// contents on a descriptor opened without truncation, then atomically
// replace the file via rename, so a concurrent reader never observes a
// zero-length or half-written registry. Lookups are served from a TTL
// cache invalidated when fsnotify reports the file replaced by another
// process.
type File struct {
	log  *slog.Logger
	path string

	mu    sync.Mutex // serializes read-modify-write within this process
	cache *expirable.LRU[string, Owner]

	watcher *fsnotify.Watcher
	done    chan struct{}

	localMu sync.Mutex
	local   map[string]wire.Namespace // registrations made through this instance
}

// NewFile opens the shared registry at path, which must already exist:
// a missing file at startup is a deployment error, not an empty registry.
func NewFile(path string, log *slog.Logger) (*File, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("coordinator file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("coordinator watcher: %w", err)
	}
	// Watch the directory: the atomic-rename write discipline replaces the
	// file's inode, which a watch on the file itself would not survive.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("coordinator watcher: %w", err)
	}

	f := &File{
		log:     log.With("component", "coordinator", "backend", "file", "path", path),
		path:    path,
		cache:   expirable.NewLRU[string, Owner](lookupCacheSize, nil, lookupCacheTTL),
		watcher: watcher,
		done:    make(chan struct{}),
		local:   make(map[string]wire.Namespace),
	}
	go f.watch()
	return f, nil
}

// watch invalidates the lookup cache whenever another process replaces or
// rewrites the registry file.
func (f *File) watch() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				f.cache.Purge()
				f.log.Debug("registry file changed, cache purged", "op", ev.Op.String())
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("registry watch error", "error", err)
		}
	}
}

// Lookup resolves ns, serving repeated queries from the TTL cache.
func (f *File) Lookup(_ context.Context, ns wire.Namespace) (Owner, bool, error) {
	key := ns.Key()
	if owner, ok := f.cache.Get(key); ok {
		return owner, true, nil
	}

	data, err := f.read()
	if err != nil {
		return Owner{}, false, err
	}

	if owner, ok := data.Namespaces[ns.String()]; ok {
		f.cache.Add(key, owner)
		return owner, true, nil
	}

	// Longest registered prefix covers descendant namespaces.
	var (
		best    Owner
		bestLen int
		found   bool
	)
	for path, owner := range data.Namespaces {
		registered := wire.ParseNamespacePath(path)
		if ns.HasPrefix(registered) && (!found || len(registered) > bestLen) {
			best = owner
			bestLen = len(registered)
			found = true
		}
	}
	if found {
		f.cache.Add(key, best)
	}
	return best, found, nil
}

// Register claims ns for owner in the shared file.
func (f *File) Register(_ context.Context, ns wire.Namespace, owner Owner) error {
	err := f.update(func(data *fileData) error {
		path := ns.String()
		if existing, ok := data.Namespaces[path]; ok && existing.ID != owner.ID {
			return moqerr.New(moqerr.KindNamespaceConflict, "register "+path)
		}
		data.Namespaces[path] = owner
		return nil
	})
	if err != nil {
		return err
	}

	f.localMu.Lock()
	f.local[ns.Key()] = ns
	f.localMu.Unlock()

	f.cache.Remove(ns.Key())
	f.log.Info("namespace registered", "namespace", ns.String(), "owner", owner.ID)
	return nil
}

// Unregister releases ns in the shared file.
func (f *File) Unregister(_ context.Context, ns wire.Namespace) error {
	err := f.update(func(data *fileData) error {
		delete(data.Namespaces, ns.String())
		return nil
	})
	if err != nil {
		return err
	}

	f.localMu.Lock()
	delete(f.local, ns.Key())
	f.localMu.Unlock()

	f.cache.Remove(ns.Key())
	f.log.Info("namespace unregistered", "namespace", ns.String())
	return nil
}

// Close withdraws this instance's registrations and stops the watcher.
func (f *File) Close() error {
	close(f.done)
	werr := f.watcher.Close()

	f.localMu.Lock()
	remaining := make([]wire.Namespace, 0, len(f.local))
	for _, ns := range f.local {
		remaining = append(remaining, ns)
	}
	f.local = make(map[string]wire.Namespace)
	f.localMu.Unlock()

	for _, ns := range remaining {
		if err := f.Unregister(context.Background(), ns); err != nil {
			f.log.Warn("unregister on close failed", "namespace", ns.String(), "error", err)
		}
	}
	return werr
}

// read loads the registry without modifying it. An empty file is the
// pristine initial state, since writes never pass through a truncated
// intermediate.
func (f *File) read() (fileData, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fileData{}, moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "read registry", err)
	}
	return decodeData(raw)
}

// update performs one read-modify-write cycle. The file is opened O_RDWR
// (never O_TRUNC) so concurrent readers keep a consistent view of the old
// contents, and the new contents land via temp file plus atomic rename.
func (f *File) update(mutate func(*fileData) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "open registry", err)
	}
	raw, err := readAll(file)
	file.Close()
	if err != nil {
		return moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "read registry", err)
	}

	data, err := decodeData(raw)
	if err != nil {
		return err
	}
	if err := mutate(&data); err != nil {
		return err
	}

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "encode registry", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".moqd-registry-*")
	if err != nil {
		return moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "stage registry", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "stage registry", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "stage registry", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "replace registry", err)
	}
	return nil
}

func decodeData(raw []byte) (fileData, error) {
	data := fileData{Namespaces: make(map[string]Owner)}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fileData{}, moqerr.Wrap(moqerr.KindCoordinatorUnavailable, "parse registry", err)
	}
	if data.Namespaces == nil {
		data.Namespaces = make(map[string]Owner)
	}
	return data, nil
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	n, err := f.ReadAt(buf, 0)
	if err != nil && n < len(buf) {
		return nil, err
	}
	return buf[:n], nil
}
