package toccata

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/epaperframe/toccata/storage"
	"github.com/epaperframe/toccata/toc"
)

func cleanupSession(t *testing.T, fs afero.Fs, free float64, now int64) *Session {
	t.Helper()

	store := storage.New(fs, storage.WithUsage(func(string) (uint64, uint64, error) {
		return uint64(free * 1000), 1000, nil
	}))

	return New(testSettings(), &mockAuth{token: "t"}, store, fastLimiter(),
		WithClock(clockwork.NewFakeClockAt(time.Unix(now, 0))))
}

func seedCache(t *testing.T, fs afero.Fs) {
	t.Helper()

	writeTOC(t, fs, 1700000000, []toc.File{{ID: "1", Name: "a.bin"}})

	for _, path := range []string{
		"/gdrive/access_token.json",
		"/gdrive/images/a.bin",
		"/gdrive/images/b.bin",
		"/gdrive/tmp/temp_c.bin",
	} {
		if err := afero.WriteFile(fs, path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCleanupForce(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedCache(t, fs)

	session := cleanupSession(t, fs, 0.9, 1700000100)

	removed, err := session.Cleanup(true)
	if err != nil {
		t.Fatal(err)
	}

	// temp file, token, data, meta and both images
	if removed != 6 {
		t.Errorf("removed %d, want 6", removed)
	}

	for _, path := range []string{
		"/gdrive/toc_data.txt",
		"/gdrive/toc_meta.txt",
		"/gdrive/access_token.json",
		"/gdrive/images/a.bin",
		"/gdrive/tmp/temp_c.bin",
	} {
		if ok, _ := afero.Exists(fs, path); ok {
			t.Errorf("%s survived forced cleanup", path)
		}
	}
}

func TestCleanupKeepsFreshCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedCache(t, fs)

	session := cleanupSession(t, fs, 0.9, 1700000100)

	removed, err := session.Cleanup(false)
	if err != nil {
		t.Fatal(err)
	}

	// only the staging leftover goes
	if removed != 1 {
		t.Errorf("removed %d, want 1", removed)
	}

	if ok, _ := afero.Exists(fs, "/gdrive/tmp/temp_c.bin"); ok {
		t.Error("staging leftover survived")
	}
	if ok, _ := afero.Exists(fs, "/gdrive/toc_data.txt"); !ok {
		t.Error("fresh listing was removed")
	}
	if ok, _ := afero.Exists(fs, "/gdrive/images/a.bin"); !ok {
		t.Error("cached image was removed")
	}
}

func TestCleanupEvictsOnLowSpace(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedCache(t, fs)

	session := cleanupSession(t, fs, 0.1, 1700000100)

	if _, err := session.Cleanup(false); err != nil {
		t.Fatal(err)
	}

	if ok, _ := afero.Exists(fs, "/gdrive/images/a.bin"); ok {
		t.Error("image survived low space eviction")
	}
	if ok, _ := afero.Exists(fs, "/gdrive/toc_data.txt"); !ok {
		t.Error("listing must survive low space eviction")
	}
}

func TestCleanupLowSpaceKeepsExpiredTOC(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedCache(t, fs)

	// the listing is past its maximum age, but on a nearly full
	// device only images go so a stale listing can still be served
	session := cleanupSession(t, fs, 0.05, 1700000000+700000)

	if _, err := session.Cleanup(false); err != nil {
		t.Fatal(err)
	}

	if ok, _ := afero.Exists(fs, "/gdrive/images/a.bin"); ok {
		t.Error("image survived low space eviction")
	}
	if ok, _ := afero.Exists(fs, "/gdrive/toc_data.txt"); !ok {
		t.Error("listing must survive low space eviction")
	}
	if ok, _ := afero.Exists(fs, "/gdrive/toc_meta.txt"); !ok {
		t.Error("meta file must survive low space eviction")
	}
}

func TestCleanupRemovesExpiredTOC(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedCache(t, fs)

	session := cleanupSession(t, fs, 0.9, 1700000000+700000)

	if _, err := session.Cleanup(false); err != nil {
		t.Fatal(err)
	}

	if ok, _ := afero.Exists(fs, "/gdrive/toc_data.txt"); ok {
		t.Error("expired listing survived")
	}
	if ok, _ := afero.Exists(fs, "/gdrive/toc_meta.txt"); ok {
		t.Error("expired meta file survived")
	}
}

func TestCleanupRemovesTornTOC(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTOC(t, fs, 1700000000, []toc.File{{ID: "1", Name: "a.bin"}})

	// losing the meta file marks an interrupted refresh
	if err := fs.Remove("/gdrive/toc_meta.txt"); err != nil {
		t.Fatal(err)
	}

	session := cleanupSession(t, fs, 0.9, 1700000100)

	if _, err := session.Cleanup(false); err != nil {
		t.Fatal(err)
	}

	if ok, _ := afero.Exists(fs, "/gdrive/toc_data.txt"); ok {
		t.Error("torn listing survived")
	}
}
