// Package toc reads and writes the local table of contents describing a
// synchronised Drive folder.
//
// A table of contents is a pair of files. The data file starts with two
// "key = value" header lines, timestamp and fileCount, followed by one
// pipe-separated record per file. The meta file repeats timestamp and
// fileCount and adds dataFileSize, the byte size the data file had when
// it was written, which lets a reader detect torn writes.
package toc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed occurs when a header or record line cannot be parsed.
var ErrMalformed = errors.New("toc: malformed entry")

// ErrNotFound occurs when a file name is not present in the listing.
var ErrNotFound = errors.New("toc: file not found")

// ErrOutOfRange occurs when an index lies outside the listing.
var ErrOutOfRange = errors.New("toc: index out of range")

// ErrInconsistent occurs when the data file size does not match the
// size recorded in the meta file.
var ErrInconsistent = errors.New("toc: data and meta files disagree")

// A File is a single entry of the table of contents.
//
// MimeType and ModifiedTime are optional. Records written without them
// use the short two-field form and parse back with both fields empty.
type File struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime string
}

// A Store provides random access to a table of contents.
type Store interface {
	Timestamp() (int64, error)
	FileCount() (int, error)
	FileByIndex(i int) (File, error)
	FileByName(name string) (File, error)
	LoadAll() ([]File, error)
}

// record serialises the File as a data file line without the newline.
func (f File) record() string {
	if f.MimeType == "" && f.ModifiedTime == "" {
		return f.ID + "|" + f.Name
	}

	return f.ID + "|" + f.Name + "|" + f.MimeType + "|" + f.ModifiedTime
}

// parseRecord parses a data file line into a File.
func parseRecord(line string) (File, error) {
	fields := strings.Split(line, "|")
	if len(fields) < 2 || fields[0] == "" {
		return File{}, fmt.Errorf("record %q: %w", line, ErrMalformed)
	}

	file := File{
		ID:   fields[0],
		Name: fields[1],
	}

	if len(fields) >= 3 {
		file.MimeType = fields[2]
	}
	if len(fields) >= 4 {
		file.ModifiedTime = fields[3]
	}

	return file, nil
}

const headerSeparator = " = "

// parseHeader extracts the integer value of a "key = value" line,
// requiring an exact key match.
func parseHeader(line, key string) (int64, error) {
	rest, ok := strings.CutPrefix(line, key+headerSeparator)
	if !ok {
		return 0, fmt.Errorf("header %q: missing key %q: %w", line, key, ErrMalformed)
	}

	value, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("header %q: %v: %w", line, err, ErrMalformed)
	}

	return value, nil
}
