package toc

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// A Writer streams records to a temporary file and assembles the final
// data file on Finalize. The previous data file, if any, stays intact
// until the new listing is complete.
type Writer struct {
	fs       afero.Fs
	dataPath string
	tmpPath  string
	tmp      afero.File
	count    int
}

// NewWriter creates the temporary file next to dataPath and returns a
// Writer ready to accept records.
func NewWriter(fs afero.Fs, dataPath string) (*Writer, error) {
	if err := fs.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, err
	}

	tmpPath := dataPath + ".tmp"

	tmp, err := fs.Create(tmpPath)
	if err != nil {
		return nil, err
	}

	return &Writer{
		fs:       fs,
		dataPath: dataPath,
		tmpPath:  tmpPath,
		tmp:      tmp,
	}, nil
}

// Append adds one record to the listing.
func (w *Writer) Append(file File) error {
	if _, err := w.tmp.WriteString(file.record() + "\n"); err != nil {
		return err
	}

	w.count++
	return nil
}

// Finalize writes the data file with its header lines followed by the
// streamed records, syncs it, and removes the temporary file. Records
// are copied file to file, never held in memory. It returns the record
// count and the byte size of the finished data file, both needed for
// the meta file.
func (w *Writer) Finalize(timestamp int64) (int, int64, error) {
	if err := w.tmp.Close(); err != nil {
		return 0, 0, err
	}

	tmp, err := w.fs.Open(w.tmpPath)
	if err != nil {
		return 0, 0, err
	}
	defer tmp.Close()

	f, err := w.fs.Create(w.dataPath)
	if err != nil {
		return 0, 0, err
	}

	header := fmt.Sprintf("timestamp = %d\nfileCount = %d\n", timestamp, w.count)

	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return 0, 0, err
	}
	if _, err := io.Copy(f, tmp); err != nil {
		f.Close()
		return 0, 0, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return 0, 0, err
	}
	if err := f.Close(); err != nil {
		return 0, 0, err
	}

	w.fs.Remove(w.tmpPath)

	info, err := w.fs.Stat(w.dataPath)
	if err != nil {
		return 0, 0, err
	}

	return w.count, info.Size(), nil
}

// Abort discards the temporary file without touching the data file.
func (w *Writer) Abort() {
	w.tmp.Close()
	w.fs.Remove(w.tmpPath)
}

// WriteMeta writes the meta file describing a finished data file.
// The meta file is written after the data file on purpose: its absence
// marks an interrupted refresh.
func WriteMeta(fs afero.Fs, metaPath string, timestamp int64, count int, dataSize int64) error {
	f, err := fs.Create(metaPath)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("timestamp = %d\nfileCount = %d\ndataFileSize = %d\n",
		timestamp, count, dataSize)

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
