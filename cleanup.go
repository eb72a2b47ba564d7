package toccata

import (
	"path/filepath"
)

// minFreeFraction is the free space share below which cached images
// are evicted.
const minFreeFraction = 0.20

// Cleanup removes stale cache state and returns the number of files
// deleted.
//
// Staging leftovers are always purged. With force set, the token file,
// the table of contents and every cached image go too. When free space
// runs low only the cached images are evicted and the listing is kept.
// With space to spare, the table of contents is dropped when it is torn
// or has outlived its maximum age.
func (session *Session) Cleanup(force bool) (int, error) {
	removed := session.purgeDir(session.settings.TempDir)

	if force {
		if session.store.Exists(session.settings.TokenFile) {
			if err := session.store.Remove(session.settings.TokenFile); err == nil {
				removed++
			}
		}

		removed += session.removeTOC()
		removed += session.purgeDir(session.settings.ImageDir)

		session.log.Info().Int("removed", removed).Msg("forced cleanup complete")
		return removed, nil
	}

	// when space runs low only images go, the listing stays usable
	if frac, err := session.store.FreeFraction(session.settings.CacheRoot); err == nil && frac < minFreeFraction {
		evicted := session.purgeDir(session.settings.ImageDir)
		removed += evicted

		session.log.Warn().
			Float64("free", frac).
			Int("evicted", evicted).
			Msg("low on space, evicted cached images")

		return removed, nil
	}

	removed += session.cleanupTOC()

	return removed, nil
}

// cleanupTOC drops the table of contents when it is torn or expired.
func (session *Session) cleanupTOC() int {
	dataExists := session.store.Exists(session.settings.DataFile)
	metaExists := session.store.Exists(session.settings.MetaFile)

	if !dataExists && !metaExists {
		return 0
	}

	// one file without the other marks an interrupted refresh
	if dataExists != metaExists {
		session.log.Warn().Msg("torn listing, removing")
		return session.removeTOC()
	}

	timestamp, err := session.TOC().Timestamp()
	if err != nil {
		session.log.Warn().Err(err).Msg("unreadable listing, removing")
		return session.removeTOC()
	}

	age := session.clock.Now().Unix() - timestamp
	if age > int64(session.settings.TOCMaxAge.Seconds()) {
		session.log.Info().Int64("age", age).Msg("expired listing, removing")
		return session.removeTOC()
	}

	return 0
}

func (session *Session) removeTOC() int {
	var removed int

	for _, path := range []string{session.settings.DataFile, session.settings.MetaFile} {
		if session.store.Exists(path) {
			if err := session.store.Remove(path); err == nil {
				removed++
			}
		}
	}

	return removed
}

// purgeDir removes every file directly inside dir.
func (session *Session) purgeDir(dir string) int {
	names, err := session.store.List(dir)
	if err != nil {
		return 0
	}

	var removed int
	for _, name := range names {
		if err := session.store.Remove(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}

	return removed
}
