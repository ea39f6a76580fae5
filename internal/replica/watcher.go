package replica

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

const (
	// watcherDirPerm is the permission mode for the watched directory when
	// it does not exist yet.
	watcherDirPerm = fs.FileMode(0o755)

	// watcherDebounceInterval is how often pending folder changes are
	// checked.
	watcherDebounceInterval = 250 * time.Millisecond

	// watcherQuietPeriod is how long a folder must be free of events
	// before its manifest is recorded.
	watcherQuietPeriod = 300 * time.Millisecond
)

// Recorder stores container content. Engine implements it.
type Recorder interface {
	RecordChange(id string, plaintext []byte) (int64, error)
	Read(id string) ([]byte, error)
}

// ManifestEntry describes one regular file inside a watched folder.
type ManifestEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"`
	SHA256 string `json:"sha256"`
}

// Manifest is the recorded state of a top-level folder. A removed folder
// is recorded as a tombstone with no entries.
type Manifest struct {
	Folder  string          `json:"folder"`
	Deleted bool            `json:"deleted,omitempty"`
	Entries []ManifestEntry `json:"entries"`
}

// Watcher turns filesystem activity under a directory into container
// changes. Each top-level folder is one container.
type Watcher struct {
	dir      string
	recorder Recorder
	onChange func()
	logger   *slog.Logger
}

// NewWatcher creates a watcher for dir. onChange, if non-nil, is called
// after every recorded change.
func NewWatcher(dir string, rec Recorder, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:      dir,
		recorder: rec,
		onChange: onChange,
		logger:   logger,
	}
}

// Watch records every top-level folder once and then follows filesystem
// events until ctx is cancelled. Subdirectories are watched recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, watcherDirPerm); err != nil {
		return fmt.Errorf("creating watch dir: %w", err)
	}

	if err := addRecursive(watcher, w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.logger.Info("folder watcher started", slog.String("dir", w.dir))

	if err := w.scan(); err != nil {
		w.logger.Warn("initial scan failed", slog.String("error", err.Error()))
	}

	// Folder name -> time of the last event inside it.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			folder, ok := w.folderOf(event.Name)
			if !ok {
				continue
			}

			pending[folder] = time.Now()

			if event.Has(fsnotify.Create) {
				// Lstat so symlinks pointing outside the tree are not followed.
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for folder, t := range pending {
				if now.Sub(t) < watcherQuietPeriod {
					continue
				}

				delete(pending, folder)

				if err := w.Snapshot(folder); err != nil {
					w.logger.Warn("recording folder failed",
						slog.String("folder", folder),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || ignored(entry.Name()) {
			continue
		}

		if err := w.Snapshot(entry.Name()); err != nil {
			w.logger.Warn("recording folder failed",
				slog.String("folder", entry.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// folderOf maps an absolute path to the top-level folder it belongs to.
// Paths directly in the root and hidden folders are ignored.
func (w *Watcher) folderOf(absPath string) (string, bool) {
	rel, err := filepath.Rel(w.dir, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if ignored(parts[0]) {
		return "", false
	}

	if len(parts) == 1 {
		// A bare entry in the root only matters if it is (or was) a folder.
		info, err := os.Lstat(absPath)
		if err == nil && !info.IsDir() {
			return "", false
		}
	}

	return parts[0], true
}

func ignored(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ContainerID returns the container id for a top-level folder name.
// Names are NFC-normalized so the same folder maps to one id on every
// platform.
func ContainerID(folder string) string {
	return norm.NFC.String(folder)
}

// Snapshot records the manifest of one top-level folder if it differs
// from the stored one.
func (w *Watcher) Snapshot(folder string) error {
	id := ContainerID(folder)

	manifest, err := BuildManifest(filepath.Join(w.dir, folder))
	if err != nil {
		return err
	}

	manifest.Folder = id

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	prev, err := w.recorder.Read(id)
	if err != nil {
		return err
	}

	if bytes.Equal(prev, data) {
		return nil
	}

	// Never record a tombstone for a folder the replica never had.
	if prev == nil && manifest.Deleted {
		return nil
	}

	seq, err := w.recorder.RecordChange(id, data)
	if err != nil {
		return err
	}

	w.logger.Debug("folder changed",
		slog.String("container", id),
		slog.Int64("seq", seq),
		slog.Int("files", len(manifest.Entries)),
		slog.Bool("deleted", manifest.Deleted),
	)

	if w.onChange != nil {
		w.onChange()
	}

	return nil
}

// BuildManifest hashes every regular file under root. Entries are in
// lexical path order. A missing root yields a tombstone.
func BuildManifest(root string) (Manifest, error) {
	info, err := os.Lstat(root)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return Manifest{Deleted: true, Entries: []ManifestEntry{}}, nil
	}

	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{Entries: []ManifestEntry{}}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files can vanish between listing and reading.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if path != root && ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		entry, err := hashFile(root, path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		if err != nil {
			return err
		}

		m.Entries = append(m.Entries, entry)

		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("walking %s: %w", root, err)
	}

	return m, nil
}

func hashFile(root, path string) (ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestEntry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ManifestEntry{}, err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ManifestEntry{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ManifestEntry{}, err
	}

	return ManifestEntry{
		Path:   norm.NFC.String(filepath.ToSlash(rel)),
		Size:   info.Size(),
		MTime:  info.ModTime().UnixMilli(),
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// addRecursive watches dir and all non-hidden subdirectories. Symlinked
// directories are not followed.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && ignored(d.Name()) {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}
