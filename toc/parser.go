package toc

import (
	"bufio"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Meta mirrors the contents of a meta file.
type Meta struct {
	Timestamp    int64
	FileCount    int
	DataFileSize int64
}

// A Parser provides random access to an on-disk table of contents.
// Parser implements Store.
type Parser struct {
	fs       afero.Fs
	dataPath string
	metaPath string
	log      zerolog.Logger
}

// A ParserOption can override some of the default Parser values.
type ParserOption func(*Parser)

// WithParserLogger attaches a logger to the Parser.
func WithParserLogger(log zerolog.Logger) ParserOption {
	return func(parser *Parser) {
		parser.log = log
	}
}

// NewParser creates a Parser over the given data and meta file paths.
// An empty metaPath disables the size integrity check.
func NewParser(fs afero.Fs, dataPath, metaPath string, opts ...ParserOption) *Parser {
	parser := &Parser{
		fs:       fs,
		dataPath: dataPath,
		metaPath: metaPath,
		log:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(parser)
	}

	return parser
}

// Exists reports whether the data file is present.
func (parser *Parser) Exists() bool {
	ok, err := afero.Exists(parser.fs, parser.dataPath)
	return err == nil && ok
}

// Timestamp returns the creation time of the listing as a Unix timestamp.
func (parser *Parser) Timestamp() (int64, error) {
	f, err := parser.fs.Open(parser.dataPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	line, err := readLine(r)
	if err != nil {
		return 0, fmt.Errorf("timestamp: %v: %w", err, ErrMalformed)
	}

	return parseHeader(line, "timestamp")
}

// FileCount returns the number of records in the listing.
//
// When a meta file is configured, the recorded data file size is checked
// against the actual size first, returning ErrInconsistent on mismatch.
func (parser *Parser) FileCount() (int, error) {
	if parser.metaPath != "" {
		if err := parser.checkIntegrity(); err != nil {
			return 0, err
		}
	}

	f, err := parser.fs.Open(parser.dataPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	if _, err := readLine(r); err != nil {
		return 0, fmt.Errorf("file count: %v: %w", err, ErrMalformed)
	}

	line, err := readLine(r)
	if err != nil {
		return 0, fmt.Errorf("file count: %v: %w", err, ErrMalformed)
	}

	count, err := parseHeader(line, "fileCount")
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

// FileByIndex returns the record at position i, counted from zero.
func (parser *Parser) FileByIndex(i int) (File, error) {
	if i < 0 {
		return File{}, ErrOutOfRange
	}

	f, err := parser.fs.Open(parser.dataPath)
	if err != nil {
		return File{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	// two header lines precede the records
	for skip := 0; skip < i+2; skip++ {
		if _, err := readLine(r); err != nil {
			if err == io.EOF {
				return File{}, ErrOutOfRange
			}
			return File{}, err
		}
	}

	line, err := readLine(r)
	if err != nil {
		if err == io.EOF {
			return File{}, ErrOutOfRange
		}
		return File{}, err
	}

	return parseRecord(line)
}

// FileByName scans the listing for a record with the exact name.
func (parser *Parser) FileByName(name string) (File, error) {
	f, err := parser.fs.Open(parser.dataPath)
	if err != nil {
		return File{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	for skip := 0; skip < 2; skip++ {
		if _, err := readLine(r); err != nil {
			return File{}, fmt.Errorf("header: %v: %w", err, ErrMalformed)
		}
	}

	for {
		line, err := readLine(r)
		if err == io.EOF {
			return File{}, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		if err != nil {
			return File{}, err
		}

		file, err := parseRecord(line)
		if err != nil {
			parser.log.Warn().Str("line", line).Msg("skipping malformed record")
			continue
		}

		if file.Name == name {
			return file, nil
		}
	}
}

// LoadAll reads every record into memory.
func (parser *Parser) LoadAll() ([]File, error) {
	f, err := parser.fs.Open(parser.dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	if _, err := readLine(r); err != nil {
		return nil, fmt.Errorf("header: %v: %w", err, ErrMalformed)
	}

	line, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("header: %v: %w", err, ErrMalformed)
	}

	declared, err := parseHeader(line, "fileCount")
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, declared)
	for {
		line, err := readLine(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == "" {
			continue
		}

		file, err := parseRecord(line)
		if err != nil {
			parser.log.Warn().Str("line", line).Msg("skipping malformed record")
			continue
		}

		files = append(files, file)
	}

	if int64(len(files)) != declared {
		parser.log.Warn().
			Int64("declared", declared).
			Int("actual", len(files)).
			Msg("file count header does not match record count")
	}

	return files, nil
}

// Meta reads and parses the meta file.
func (parser *Parser) Meta() (Meta, error) {
	f, err := parser.fs.Open(parser.metaPath)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var meta Meta

	for _, key := range []string{"timestamp", "fileCount", "dataFileSize"} {
		line, err := readLine(r)
		if err != nil {
			return Meta{}, fmt.Errorf("meta: %v: %w", err, ErrMalformed)
		}

		value, err := parseHeader(line, key)
		if err != nil {
			return Meta{}, err
		}

		switch key {
		case "timestamp":
			meta.Timestamp = value
		case "fileCount":
			meta.FileCount = int(value)
		case "dataFileSize":
			meta.DataFileSize = value
		}
	}

	return meta, nil
}

func (parser *Parser) checkIntegrity() error {
	meta, err := parser.Meta()
	if err != nil {
		return err
	}

	info, err := parser.fs.Stat(parser.dataPath)
	if err != nil {
		return err
	}

	if info.Size() != meta.DataFileSize {
		parser.log.Warn().
			Int64("actual", info.Size()).
			Int64("recorded", meta.DataFileSize).
			Msg("data file size mismatch")
		return fmt.Errorf("size %d, recorded %d: %w",
			info.Size(), meta.DataFileSize, ErrInconsistent)
	}

	return nil
}

// readLine reads a single line, stripping the trailing LF and any CR.
// io.EOF is only returned when no bytes precede it.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}

	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	return line, nil
}
