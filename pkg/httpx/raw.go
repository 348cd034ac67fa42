package httpx

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// WriteStatus writes a minimal HTTP/1.0 response on a raw connection. It is
// used where the proxy answers a peer itself instead of relaying upstream
// bytes. The body is the status text, plus detail when given.
func WriteStatus(w io.Writer, code int, detail string) error {
	text := http.StatusText(code)
	if text == "" {
		return fmt.Errorf("unknown status code %d", code)
	}
	body := text
	if detail = sanitize(detail); detail != "" {
		body += ": " + detail
	}
	body += "\n"
	var b strings.Builder
	b.Grow(128 + len(body))
	b.WriteString("HTTP/1.0 ")
	b.WriteString(strconv.Itoa(code))
	b.WriteByte(' ')
	b.WriteString(text)
	b.WriteString("\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\n\r\n")
	b.WriteString(body)
	_, err := io.WriteString(w, b.String())
	return err
}

// sanitize keeps detail on one printable line.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
