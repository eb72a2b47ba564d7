package transport

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// testConn serves a canned byte stream and records everything written.
type testConn struct {
	reader  *strings.Reader
	written strings.Builder
	closed  bool

	// maxRead caps a single Read to force short reads when set
	maxRead int

	// eagerEOF makes Read return io.EOF together with the bytes
	// that drain the stream, as the io.Reader contract permits
	eagerEOF bool
}

func newTestConn(stream string) *testConn {
	return &testConn{reader: strings.NewReader(stream)}
}

func (c *testConn) Write(p []byte) (int, error) {
	return c.written.Write(p)
}

func (c *testConn) ReadLine() (string, error) {
	var b strings.Builder

	for {
		ch, err := c.reader.ReadByte()
		if err != nil {
			if b.Len() == 0 {
				return "", err
			}
			return trimLineEnding(b.String()), nil
		}

		b.WriteByte(ch)
		if ch == '\n' {
			return trimLineEnding(b.String()), nil
		}
	}
}

func (c *testConn) Read(p []byte) (int, error) {
	if c.maxRead > 0 && len(p) > c.maxRead {
		p = p[:c.maxRead]
	}

	n, err := c.reader.Read(p)
	if c.eagerEOF && err == nil && c.reader.Len() == 0 {
		err = io.EOF
	}
	return n, err
}

func (c *testConn) Available() bool { return c.reader.Len() > 0 }
func (c *testConn) Connected() bool { return !c.closed }
func (c *testConn) Close() error    { c.closed = true; return nil }

func TestRequestWriteTo(t *testing.T) {
	conn := newTestConn("")

	req := &Request{
		Method: "GET",
		Path:   "/drive/v3/files?q=test",
		Host:   "www.googleapis.com",
		Headers: []string{
			"Authorization: Bearer xxx",
		},
	}

	if err := req.WriteTo(conn); err != nil {
		t.Fatal(err)
	}

	want := "GET /drive/v3/files?q=test HTTP/1.1\r\n" +
		"Host: www.googleapis.com\r\n" +
		"Authorization: Bearer xxx\r\n" +
		"Connection: close\r\n\r\n"

	if conn.written.String() != want {
		t.Errorf("wrong request:\n%q\nwant:\n%q", conn.written.String(), want)
	}
}

func TestRequestWriteToBody(t *testing.T) {
	conn := newTestConn("")

	req := &Request{
		Method:  "POST",
		Path:    "/token",
		Host:    "oauth2.googleapis.com",
		Headers: []string{"Content-Type: application/x-www-form-urlencoded"},
		Body:    []byte("grant_type=test"),
	}

	if err := req.WriteTo(conn); err != nil {
		t.Fatal(err)
	}

	want := "POST /token HTTP/1.1\r\n" +
		"Host: oauth2.googleapis.com\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: 15\r\n" +
		"Connection: close\r\n\r\n" +
		"grant_type=test"

	if conn.written.String() != want {
		t.Errorf("wrong request:\n%q\nwant:\n%q", conn.written.String(), want)
	}
}

func TestReadResponseContentLength(t *testing.T) {
	conn := newTestConn("HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 13\r\n" +
		"\r\n" +
		"{\"id\":\"abc\"}\n")

	res, err := ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != 200 {
		t.Errorf("status code %d, want 200", res.StatusCode)
	}
	if res.StatusMessage != "OK" {
		t.Errorf("status message %q, want OK", res.StatusMessage)
	}
	if res.ContentLength != 13 {
		t.Errorf("content length %d, want 13", res.ContentLength)
	}

	body, err := io.ReadAll(res.Body())
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "{\"id\":\"abc\"}\n" {
		t.Errorf("wrong body: %q", body)
	}
}

func TestReadResponseShortReads(t *testing.T) {
	conn := newTestConn("HTTP/1.1 200 OK\r\n" +
		"Content-Length: 10\r\n" +
		"\r\n" +
		"0123456789")
	conn.maxRead = 1

	res, err := ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}

	body, err := io.ReadAll(res.Body())
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "0123456789" {
		t.Errorf("wrong body: %q", body)
	}
}

func TestReadResponseChunked(t *testing.T) {
	conn := newTestConn("HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"7\r\n" +
		"Mozilla\r\n" +
		"B; ext=ignored\r\n" +
		" Developer \r\n" +
		"7\r\n" +
		"Network\r\n" +
		"0\r\n" +
		"Trailer: value\r\n" +
		"\r\n")

	res, err := ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}

	if !res.Chunked {
		t.Fatal("response not marked as chunked")
	}

	body, err := io.ReadAll(res.Body())
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "Mozilla Developer Network" {
		t.Errorf("wrong body: %q", body)
	}
}

func TestReadResponseChunkedTruncated(t *testing.T) {
	conn := newTestConn("HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"A\r\n" +
		"short")

	res, err := ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}

	_, err = io.ReadAll(res.Body())
	if !errors.Is(err, ErrParse) {
		t.Errorf("error %v, want ErrParse", err)
	}
}

func TestReadResponseChunkedFinalReadEOF(t *testing.T) {
	conn := newTestConn("HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"7\r\n" +
		"Mozilla")
	conn.eagerEOF = true

	res, err := ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}

	// the chunk completes on a read that also reports io.EOF; the
	// bytes must come through without a truncation error
	buf := make([]byte, 16)
	n, err := res.Body().Read(buf)
	if err != nil {
		t.Fatalf("read returned %v with %d bytes", err, n)
	}
	if string(buf[:n]) != "Mozilla" {
		t.Errorf("wrong chunk data: %q", buf[:n])
	}

	// the terminating zero chunk never arrived
	if _, err := res.Body().Read(buf); !errors.Is(err, ErrParse) {
		t.Errorf("error %v, want ErrParse", err)
	}
}

func TestReadResponseStatusLines(t *testing.T) {
	tests := []struct {
		name       string
		stream     string
		statusCode int
		message    string
		wantErr    bool
	}{
		{
			name:       "no message",
			stream:     "HTTP/1.1 204\r\n\r\n",
			statusCode: 204,
		},
		{
			name:       "leading blank lines",
			stream:     "\r\n\r\nHTTP/1.1 404 Not Found\r\n\r\n",
			statusCode: 404,
			message:    "Not Found",
		},
		{
			name:    "garbage",
			stream:  "hello world\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "bad code",
			stream:  "HTTP/1.1 cats OK\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "missing code",
			stream:  "HTTP/1.1\r\n\r\n",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ReadResponse(newTestConn(tc.stream))
			if tc.wantErr {
				if !errors.Is(err, ErrParse) {
					t.Fatalf("error %v, want ErrParse", err)
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}
			if res.StatusCode != tc.statusCode {
				t.Errorf("status code %d, want %d", res.StatusCode, tc.statusCode)
			}
			if res.StatusMessage != tc.message {
				t.Errorf("status message %q, want %q", res.StatusMessage, tc.message)
			}
		})
	}
}

func TestReadResponseTruncatedHeaders(t *testing.T) {
	conn := newTestConn("HTTP/1.1 200 OK\r\nContent-Le")

	_, err := ReadResponse(conn)
	if !errors.Is(err, ErrParse) {
		t.Errorf("error %v, want ErrParse", err)
	}
}

func TestReadResponseNoFraming(t *testing.T) {
	conn := newTestConn("HTTP/1.1 200 OK\r\n\r\nraw body until close")

	res, err := ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}

	body, err := io.ReadAll(res.Body())
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "raw body until close" {
		t.Errorf("wrong body: %q", body)
	}
}
