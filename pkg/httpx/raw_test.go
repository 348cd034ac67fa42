package httpx

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestWriteStatusIsParseableHTTP10(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStatus(&buf, http.StatusForbidden, "low-trust unknown actor\r\nX-Injected: 1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.0 403 Forbidden\r\n") {
		t.Fatalf("unexpected status line: %q", buf.String())
	}
	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden || resp.Header.Get("Connection") != "close" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}
	if resp.Header.Get("X-Injected") != "" {
		t.Fatal("detail must not inject headers")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Forbidden: low-trust unknown actor  X-Injected: 1\n" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestWriteStatusWithoutDetail(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStatus(&buf, http.StatusRequestEntityTooLarge, ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\r\n\r\nRequest Entity Too Large\n") {
		t.Fatalf("unexpected response %q", buf.String())
	}
	if err := WriteStatus(&buf, 799, ""); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
