// Package relay reads HTTP/1.0 requests under strict size and time bounds and
// re-emits them byte for byte to the upstream application server.
//
// The raw bytes received from the client are the only thing ever forwarded.
// The parsed view (method, path, headers) exists for inspection and is never
// serialised back onto the wire, because the backend verifies an HTTP
// signature over the original request.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxBodyBytes   int64 = 10 << 20
	DefaultMaxHeaderBytes       = 64 << 10
	DefaultHeaderTimeout        = 500 * time.Millisecond
	DefaultBodyTimeout          = time.Second
)

// Limits bounds how much and how slowly a client may send.
type Limits struct {
	MaxBodyBytes   int64
	MaxHeaderBytes int
	// HeaderTimeout and BodyTimeout are idle timeouts: they bound the gap
	// between two successful reads, not the whole phase.
	HeaderTimeout time.Duration
	BodyTimeout   time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if l.HeaderTimeout <= 0 {
		l.HeaderTimeout = DefaultHeaderTimeout
	}
	if l.BodyTimeout <= 0 {
		l.BodyTimeout = DefaultBodyTimeout
	}
	return l
}

// HeaderField is one header line as received.
type HeaderField struct {
	Name  string
	Value string
}

// InboundRequest is a fully read request. It is owned by one connection and
// never mutated after ReadRequest returns.
type InboundRequest struct {
	Method string
	Target string
	Proto  string
	Fields []HeaderField
	// ContentLength is -1 when the header was absent.
	ContentLength int64
	Body          []byte

	head    []byte
	pending []byte
}

func (r *InboundRequest) RequestMethod() string { return r.Method }

func (r *InboundRequest) RequestPath() string { return r.Target }

func (r *InboundRequest) BodyBytes() []byte { return r.Body }

// Header returns the first value of the named header, matched
// case-insensitively.
func (r *InboundRequest) Header(name string) string {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value of the named header in received order.
func (r *InboundRequest) Values(name string) []string {
	var out []string
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Head is the raw request line and header block including the terminating
// empty line. Callers must not modify it.
func (r *InboundRequest) Head() []byte { return r.head }

// WireBytes returns a copy of everything that will be sent upstream.
func (r *InboundRequest) WireBytes() []byte {
	out := make([]byte, 0, len(r.head)+len(r.Body)+len(r.pending))
	out = append(out, r.head...)
	out = append(out, r.Body...)
	return append(out, r.pending...)
}

// ReadRequest reads one request from conn. The request is rejected as soon as
// the request line or a header is malformed, or as soon as a declared
// Content-Length exceeds the limit, before any body byte is read.
//
// The context deadline, if any, caps every idle timeout.
func ReadRequest(ctx context.Context, conn net.Conn, lim Limits) (*InboundRequest, error) {
	lim = lim.withDefaults()
	hard, _ := ctx.Deadline()
	ic := &idleConn{ctx: ctx, conn: conn, idle: lim.HeaderTimeout, hard: hard}
	defer func() { _ = conn.SetReadDeadline(hard) }()

	br := bufio.NewReaderSize(ic, 4096)
	req := &InboundRequest{ContentLength: -1}
	if err := readHead(br, req, lim.MaxHeaderBytes); err != nil {
		return nil, err
	}
	if err := checkFraming(req, lim.MaxBodyBytes); err != nil {
		return nil, err
	}

	if req.ContentLength > 0 {
		ic.idle = lim.BodyTimeout
		body := make([]byte, req.ContentLength)
		n, err := io.ReadFull(br, body)
		if err != nil {
			if isTimeout(err) {
				return nil, newError(KindTimeout, fmt.Sprintf("body: got %d of %d bytes", n, req.ContentLength), err)
			}
			return nil, newError(KindClosed, fmt.Sprintf("content-length mismatch: got %d of %d bytes", n, req.ContentLength), err)
		}
		req.Body = body
	}
	if n := br.Buffered(); n > 0 {
		extra, _ := br.Peek(n)
		req.pending = append([]byte(nil), extra...)
	}
	return req, nil
}

func readHead(br *bufio.Reader, req *InboundRequest, maxHeader int) error {
	var head []byte
	lineStart := 0
	first := true
	for {
		frag, err := br.ReadSlice('\n')
		head = append(head, frag...)
		if len(head) > maxHeader {
			return newError(KindHeaderTooLarge, fmt.Sprintf("header block exceeds %d bytes", maxHeader), nil)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if isTimeout(err) {
				return newError(KindTimeout, "header", err)
			}
			if len(head) == 0 {
				return newError(KindClosed, "no request received", err)
			}
			return newError(KindClosed, "header incomplete", err)
		}
		line := string(trimEOL(head[lineStart:]))
		lineStart = len(head)

		if first {
			first = false
			if err := parseRequestLine(req, line); err != nil {
				return err
			}
			continue
		}
		if line == "" {
			req.head = head
			return nil
		}
		field, err := parseHeaderLine(line)
		if err != nil {
			return err
		}
		req.Fields = append(req.Fields, field)
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}

func parseRequestLine(req *InboundRequest, line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return newError(KindMalformed, fmt.Sprintf("request line %q", truncate(line)), nil)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !isToken(method) {
		return newError(KindMalformed, fmt.Sprintf("method %q", truncate(method)), nil)
	}
	if target == "" || (target[0] != '/' && !(method == "OPTIONS" && target == "*")) {
		return newError(KindMalformed, fmt.Sprintf("request target %q", truncate(target)), nil)
	}
	for i := 0; i < len(target); i++ {
		if target[i] <= ' ' || target[i] == 0x7f {
			return newError(KindMalformed, "control character in request target", nil)
		}
	}
	if len(proto) != len("HTTP/1.0") || !strings.HasPrefix(proto, "HTTP/1.") || proto[7] < '0' || proto[7] > '9' {
		return newError(KindMalformed, fmt.Sprintf("version %q", truncate(proto)), nil)
	}
	req.Method, req.Target, req.Proto = method, target, proto
	return nil
}

func parseHeaderLine(line string) (HeaderField, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return HeaderField{}, newError(KindMalformed, "obsolete header line folding", nil)
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok || !isToken(name) {
		return HeaderField{}, newError(KindMalformed, fmt.Sprintf("header line %q", truncate(line)), nil)
	}
	return HeaderField{Name: name, Value: strings.Trim(value, " \t")}, nil
}

// checkFraming validates the body framing headers. Chunked transfer coding is
// not supported; requests without Content-Length carry no body.
func checkFraming(req *InboundRequest, maxBody int64) error {
	if te := req.Header("Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
		return newError(KindUnsupported, fmt.Sprintf("transfer-encoding %q", truncate(te)), nil)
	}
	values := req.Values("Content-Length")
	if len(values) == 0 {
		return nil
	}
	var cl int64 = -1
	for _, v := range values {
		n, err := parseContentLength(v)
		if err != nil {
			return newError(KindMalformed, fmt.Sprintf("content-length %q", truncate(v)), err)
		}
		if cl >= 0 && n != cl {
			return newError(KindMalformed, "conflicting content-length headers", nil)
		}
		cl = n
	}
	if cl > maxBody {
		return newError(KindTooLarge, fmt.Sprintf("content-length %d exceeds limit %d", cl, maxBody), nil)
	}
	req.ContentLength = cl
	return nil
}

func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("empty")
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, errors.New("not a decimal number")
		}
	}
	return strconv.ParseInt(v, 10, 64)
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

func truncate(s string) string {
	const max = 64
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// idleConn pushes the read deadline forward before every read, never past the
// hard per-connection deadline.
type idleConn struct {
	ctx  context.Context
	conn net.Conn
	idle time.Duration
	hard time.Time
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, os.ErrDeadlineExceeded
	}
	deadline := time.Now().Add(c.idle)
	if !c.hard.IsZero() && c.hard.Before(deadline) {
		deadline = c.hard
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return c.conn.Read(p)
}
