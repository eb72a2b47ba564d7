package toccata

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"

	"github.com/epaperframe/toccata/toc"
)

// A Download describes a retrieved image.
type Download struct {
	Path   string
	Name   string
	Size   int64
	Source ImageSource
}

// Download retrieves a file into the image cache.
//
// The body streams into a staging file which is renamed into place only
// after the full size is verified, so a dropped connection never
// corrupts a previously cached copy. When the download fails and a
// cached copy exists, that copy is returned with SourceCache.
func (session *Session) Download(file toc.File) (*Download, error) {
	finalPath := filepath.Join(session.settings.ImageDir, file.Name)

	result, err := session.download(file, finalPath)
	if err == nil {
		return result, nil
	}

	if session.store.Exists(finalPath) {
		size, sizeErr := session.store.Size(finalPath)
		if sizeErr != nil {
			return nil, err
		}

		session.log.Warn().
			Err(err).
			Str("name", file.Name).
			Msg("download failed, serving cached copy")

		return &Download{
			Path:   finalPath,
			Name:   file.Name,
			Size:   size,
			Source: SourceCache,
		}, nil
	}

	return nil, err
}

func (session *Session) download(file toc.File, finalPath string) (*Download, error) {
	if file.ID == "" || file.Name == "" {
		return nil, fmt.Errorf("incomplete file entry: %w", ErrDownload)
	}

	if err := session.store.MkdirAll(session.settings.ImageDir); err != nil {
		return nil, err
	}
	if err := session.store.MkdirAll(session.settings.TempDir); err != nil {
		return nil, err
	}

	tempPath := filepath.Join(session.settings.TempDir, "temp_"+file.Name)

	staging, err := session.store.Create(tempPath)
	if err != nil {
		return nil, err
	}

	written, err := session.fetch.downloadFile(file.ID, staging)

	if syncErr := staging.Sync(); err == nil && syncErr != nil {
		err = syncErr
	}
	if closeErr := staging.Close(); err == nil && closeErr != nil {
		err = closeErr
	}

	if err != nil {
		session.store.Remove(tempPath)
		return nil, err
	}

	if err := session.store.Rename(tempPath, finalPath); err != nil {
		session.store.Remove(tempPath)
		return nil, err
	}

	size, err := session.store.Size(finalPath)
	if err != nil {
		return nil, err
	}
	if size != written {
		session.store.Remove(finalPath)
		return nil, fmt.Errorf("wrote %d bytes, file has %d: %w", written, size, ErrDownload)
	}

	session.log.Info().
		Str("name", file.Name).
		Int64("size", size).
		Msg("downloaded file")

	return &Download{
		Path:   finalPath,
		Name:   file.Name,
		Size:   size,
		Source: SourceCloud,
	}, nil
}

// downloadFile streams the raw media of a file into w.
func (fetch *fetcher) downloadFile(fileID string, w io.Writer) (int64, error) {
	res, err := fetch.withAuth("/drive/v3/files/" + url.PathEscape(fileID) + "?alt=media")
	if err != nil {
		return 0, err
	}
	defer res.Close()

	written, err := io.Copy(w, res.Body())
	if err != nil {
		return written, fmt.Errorf("%v: %w", err, ErrDownload)
	}
	if written == 0 {
		return 0, fmt.Errorf("empty body: %w", ErrDownload)
	}

	return written, nil
}
