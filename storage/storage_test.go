package storage

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

func TestExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/cache/image.bin", []byte("data"), 0o644)

	store := New(fs)

	if !store.Exists("/cache/image.bin") {
		t.Error("existing file reported missing")
	}
	if store.Exists("/cache/missing.bin") {
		t.Error("missing file reported existing")
	}
}

func TestAge(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/cache/image.bin", []byte("data"), 0o644)

	info, err := fs.Stat("/cache/image.bin")
	if err != nil {
		t.Fatal(err)
	}

	clock := clockwork.NewFakeClockAt(info.ModTime().Add(3 * time.Hour))
	store := New(fs, WithClock(clock))

	age, err := store.Age("/cache/image.bin")
	if err != nil {
		t.Fatal(err)
	}
	if age != 3*time.Hour {
		t.Errorf("age %v, want 3h", age)
	}
}

func TestRemoveMissing(t *testing.T) {
	store := New(afero.NewMemMapFs())

	if err := store.Remove("/cache/missing.bin"); err != nil {
		t.Errorf("removing a missing file: %v", err)
	}
}

func TestRenameOverExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tmp/temp_image.bin", []byte("new"), 0o644)
	afero.WriteFile(fs, "/cache/image.bin", []byte("old"), 0o644)

	store := New(fs)

	if err := store.Rename("/tmp/temp_image.bin", "/cache/image.bin"); err != nil {
		t.Fatal(err)
	}

	content, err := afero.ReadFile(fs, "/cache/image.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "new" {
		t.Errorf("content %q, want new", content)
	}

	if store.Exists("/tmp/temp_image.bin") {
		t.Error("temp file still present after rename")
	}
}

func TestList(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/cache/a.bin", []byte("a"), 0o644)
	afero.WriteFile(fs, "/cache/b.bin", []byte("b"), 0o644)

	store := New(fs)

	names, err := store.List("/cache")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("entries %v, want 2", names)
	}
}

func TestFreeFraction(t *testing.T) {
	store := New(afero.NewMemMapFs(), WithUsage(func(string) (uint64, uint64, error) {
		return 15, 100, nil
	}))

	frac, err := store.FreeFraction("/")
	if err != nil {
		t.Fatal(err)
	}
	if frac != 0.15 {
		t.Errorf("fraction %v, want 0.15", frac)
	}
}
