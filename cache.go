package toccata

import (
	"github.com/epaperframe/toccata/toc"
)

// RetrieveTOC makes sure a table of contents is available and returns
// its file count.
//
// A fresh cached listing is served as-is. A stale or unreadable listing
// triggers a refresh from the Drive API, falling back to the cached
// listing when the refresh fails. With conservation set, the network is
// never touched: the cached listing is served regardless of age, and a
// missing cache yields a zero count.
func (session *Session) RetrieveTOC(conservation bool) (int, error) {
	parser := session.TOC()

	if !parser.Exists() {
		if conservation {
			session.log.Info().Msg("conservation mode, no cached listing")
			return 0, nil
		}

		return session.refreshTOC()
	}

	timestamp, err := parser.Timestamp()
	if err != nil {
		session.log.Warn().Err(err).Msg("cached listing timestamp unreadable")

		if conservation {
			// still try to serve whatever is readable
			count, countErr := parser.FileCount()
			if countErr != nil {
				return 0, err
			}
			return count, nil
		}

		return session.refreshTOC()
	}

	age := session.clock.Now().Unix() - timestamp
	fresh := age <= int64(session.settings.TOCMaxAge.Seconds())

	if fresh || conservation {
		count, err := parser.FileCount()
		if err != nil {
			if conservation {
				return 0, err
			}
			return session.refreshTOC()
		}

		session.log.Debug().
			Int64("age", age).
			Int("count", count).
			Bool("conservation", conservation).
			Msg("serving cached listing")

		return count, nil
	}

	count, err := session.refreshTOC()
	if err != nil {
		// a stale listing beats no listing
		if cached, cacheErr := parser.FileCount(); cacheErr == nil {
			session.log.Warn().
				Err(err).
				Int("count", cached).
				Msg("refresh failed, keeping stale listing")
			return cached, nil
		}

		return 0, err
	}

	return count, nil
}

// refreshTOC replaces the table of contents with a fresh listing.
func (session *Session) refreshTOC() (int, error) {
	// fail before touching the writer when credentials are broken
	if _, _, err := session.auth.AccessToken(); err != nil {
		return 0, err
	}

	writer, err := toc.NewWriter(session.store.Fs(), session.settings.DataFile)
	if err != nil {
		return 0, err
	}

	total, err := session.fetch.listFiles(
		session.settings.FolderID,
		session.settings.PageSize,
		session.settings.AllowedExtensions,
		writer,
	)
	if err != nil {
		writer.Abort()
		return 0, err
	}
	if total == 0 {
		writer.Abort()
		return 0, ErrEmptyListing
	}

	timestamp := session.clock.Now().Unix()

	count, size, err := writer.Finalize(timestamp)
	if err != nil {
		return 0, err
	}

	// the meta file lands last so a torn refresh is detectable
	if err := toc.WriteMeta(session.store.Fs(), session.settings.MetaFile, timestamp, count, size); err != nil {
		return 0, err
	}

	session.log.Info().
		Int("count", count).
		Int64("size", size).
		Msg("listing refreshed")

	return count, nil
}

// FileAt returns the listing entry at position i, counted from zero.
func (session *Session) FileAt(i int) (toc.File, error) {
	return session.TOC().FileByIndex(i)
}

// FileNamed returns the listing entry with the exact name.
func (session *Session) FileNamed(name string) (toc.File, error) {
	return session.TOC().FileByName(name)
}

// Files returns every listing entry.
func (session *Session) Files() ([]toc.File, error) {
	return session.TOC().LoadAll()
}
