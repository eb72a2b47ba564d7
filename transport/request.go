package transport

import (
	"strconv"
	"strings"
)

// A Request describes a single HTTP/1.1 request.
//
// Headers hold preformatted "Name: Value" lines. Host, Content-Length
// and Connection headers are added automatically.
type Request struct {
	Method  string
	Path    string
	Host    string
	Headers []string
	Body    []byte
}

// WriteTo serialises the request onto the connection.
func (req *Request) WriteTo(conn Conn) error {
	var b strings.Builder

	b.WriteString(req.Method)
	b.WriteString(" ")
	b.WriteString(req.Path)
	b.WriteString(" HTTP/1.1\r\n")

	b.WriteString("Host: ")
	b.WriteString(req.Host)
	b.WriteString("\r\n")

	for _, header := range req.Headers {
		b.WriteString(header)
		b.WriteString("\r\n")
	}

	if len(req.Body) > 0 {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(req.Body)))
		b.WriteString("\r\n")
	}

	b.WriteString("Connection: close\r\n\r\n")
	b.Write(req.Body)

	_, err := conn.Write([]byte(b.String()))
	return err
}
