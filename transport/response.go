package transport

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// A Response holds the parsed status line and headers of a reply.
// The body is read on demand through Body.
type Response struct {
	StatusCode    int
	StatusMessage string

	// ContentLength is -1 when the server did not send the header.
	ContentLength int64

	// Chunked is set when the body uses chunked transfer encoding.
	Chunked bool

	body io.Reader
}

// Body returns a reader over the decoded response body. The reader
// yields io.EOF once the body is complete.
func (res *Response) Body() io.Reader {
	return res.body
}

// ReadResponse parses the status line and headers from the connection
// and prepares a body reader matching the response framing.
func ReadResponse(conn Conn) (*Response, error) {
	res, err := readStatusLine(conn)
	if err != nil {
		return nil, err
	}

	if err := readHeaders(conn, res); err != nil {
		return nil, err
	}

	switch {
	case res.Chunked:
		res.body = &chunkedReader{conn: conn}
	case res.ContentLength >= 0:
		res.body = &lengthReader{conn: conn, remaining: res.ContentLength}
	default:
		// no framing, body runs until the server closes the connection
		res.body = &closeReader{conn: conn}
	}

	return res, nil
}

func readStatusLine(conn Conn) (*Response, error) {
	var line string

	// tolerate stray blank lines before the status line
	for i := 0; i < 4; i++ {
		var err error
		line, err = conn.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("status line: %v: %w", err, ErrParse)
		}
		if line != "" {
			break
		}
	}

	if !strings.HasPrefix(line, "HTTP/") {
		return nil, fmt.Errorf("status line %q: %w", line, ErrParse)
	}

	rest := line[strings.IndexByte(line, ' ')+1:]
	if rest == line {
		return nil, fmt.Errorf("status line %q: %w", line, ErrParse)
	}

	codeStr, message := rest, ""
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		codeStr, message = rest[:i], rest[i+1:]
	}

	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return nil, fmt.Errorf("status code %q: %w", codeStr, ErrParse)
	}

	return &Response{
		StatusCode:    code,
		StatusMessage: message,
		ContentLength: -1,
	}, nil
}

func readHeaders(conn Conn, res *Response) error {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return fmt.Errorf("headers: %v: %w", err, ErrParse)
		}

		if line == "" {
			return nil
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				res.Chunked = true
			}
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("content-length %q: %w", value, ErrParse)
			}
			res.ContentLength = n
		}
	}
}

// lengthReader reads exactly Content-Length bytes from the connection.
type lengthReader struct {
	conn      Conn
	remaining int64
}

func (r *lengthReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}

	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	n, err := r.conn.Read(p)
	r.remaining -= int64(n)

	if err == io.EOF && r.remaining > 0 {
		return n, fmt.Errorf("body truncated: %w", ErrParse)
	}
	if err == io.EOF {
		err = nil
	}

	return n, err
}

// closeReader reads until the server closes the connection.
type closeReader struct {
	conn Conn
}

func (r *closeReader) Read(p []byte) (int, error) {
	return r.conn.Read(p)
}

// chunkedReader decodes a chunked transfer-encoded body.
type chunkedReader struct {
	conn      Conn
	remaining int64
	done      bool
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}

	if r.remaining == 0 {
		size, err := r.readChunkSize()
		if err != nil {
			return 0, err
		}

		if size == 0 {
			if err := r.readTrailers(); err != nil {
				return 0, err
			}
			r.done = true
			return 0, io.EOF
		}

		r.remaining = size
	}

	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	n, err := r.conn.Read(p)
	r.remaining -= int64(n)

	// a read may return the final chunk bytes together with io.EOF;
	// that is truncation only when data is still owed
	if err == io.EOF && r.remaining > 0 {
		return n, fmt.Errorf("chunk truncated: %w", ErrParse)
	}
	if err != nil && err != io.EOF {
		return n, err
	}

	// chunk data is followed by a bare CRLF
	if r.remaining == 0 {
		if _, err := r.conn.ReadLine(); err != nil && err != io.EOF {
			return n, fmt.Errorf("chunk terminator: %v: %w", err, ErrParse)
		}
	}

	return n, nil
}

func (r *chunkedReader) readChunkSize() (int64, error) {
	line, err := r.conn.ReadLine()
	if err != nil {
		return 0, fmt.Errorf("chunk size: %v: %w", err, ErrParse)
	}

	// chunk extensions after a semicolon are ignored
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}

	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("chunk size %q: %w", line, ErrParse)
	}

	return size, nil
}

// readTrailers consumes trailer lines after the final zero-sized chunk.
func (r *chunkedReader) readTrailers() error {
	for {
		line, err := r.conn.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("trailers: %v: %w", err, ErrParse)
		}
		if line == "" {
			return nil
		}
	}
}
