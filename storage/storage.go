// Package storage wraps the filesystem operations the sync engine needs:
// existence and age checks, atomic replace, and free space reporting.
package storage

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
)

// UsageFunc reports free and total bytes for the filesystem at path.
type UsageFunc func(path string) (free, total uint64, err error)

// A Storage combines a filesystem with a clock and a disk usage probe.
type Storage struct {
	fs    afero.Fs
	clock clockwork.Clock
	usage UsageFunc
}

// An Option can override some of the default Storage values.
type Option func(*Storage)

// WithClock allows one to override the wall clock, mostly for testing.
func WithClock(clock clockwork.Clock) Option {
	return func(store *Storage) {
		store.clock = clock
	}
}

// WithUsage allows one to override the disk usage probe.
func WithUsage(usage UsageFunc) Option {
	return func(store *Storage) {
		store.usage = usage
	}
}

// New creates a Storage over the given filesystem.
func New(fs afero.Fs, opts ...Option) *Storage {
	store := &Storage{
		fs:    fs,
		clock: clockwork.NewRealClock(),
		usage: diskUsage,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func diskUsage(path string) (uint64, uint64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}

	return stat.Free, stat.Total, nil
}

// Fs exposes the underlying filesystem.
func (store *Storage) Fs() afero.Fs {
	return store.fs
}

// Exists reports whether path refers to an existing file or directory.
func (store *Storage) Exists(path string) bool {
	ok, err := afero.Exists(store.fs, path)
	return err == nil && ok
}

// Size returns the byte size of the file at path.
func (store *Storage) Size(path string) (int64, error) {
	info, err := store.fs.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// Age returns how long ago the file at path was last modified.
func (store *Storage) Age(path string) (time.Duration, error) {
	info, err := store.fs.Stat(path)
	if err != nil {
		return 0, err
	}

	return store.clock.Now().Sub(info.ModTime()), nil
}

// MkdirAll creates the directory at path along with any missing parents.
func (store *Storage) MkdirAll(path string) error {
	return store.fs.MkdirAll(path, 0o755)
}

// Create truncates or creates the file at path for writing.
func (store *Storage) Create(path string) (afero.File, error) {
	return store.fs.Create(path)
}

// Open opens the file at path for reading.
func (store *Storage) Open(path string) (afero.File, error) {
	return store.fs.Open(path)
}

// Remove deletes the file at path, ignoring files that do not exist.
func (store *Storage) Remove(path string) error {
	err := store.fs.Remove(path)
	if err != nil && !store.Exists(path) {
		return nil
	}

	return err
}

// Rename atomically replaces newpath with oldpath.
func (store *Storage) Rename(oldpath, newpath string) error {
	// MemMapFs refuses to rename over an existing file
	if store.Exists(newpath) {
		if err := store.fs.Remove(newpath); err != nil {
			return err
		}
	}

	return store.fs.Rename(oldpath, newpath)
}

// List returns the names of the entries in the directory at path.
func (store *Storage) List(path string) ([]string, error) {
	infos, err := afero.ReadDir(store.fs, path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}

	return names, nil
}

// FreeFraction reports the free share of the filesystem at path,
// between 0 and 1.
func (store *Storage) FreeFraction(path string) (float64, error) {
	free, total, err := store.usage(path)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	return float64(free) / float64(total), nil
}
