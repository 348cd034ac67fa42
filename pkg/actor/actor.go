// Package actor extracts the remote account behind a federation request.
package actor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Identity is the normalized actor URI plus the host it lives on.
type Identity struct {
	URI  string
	Host string
}

func (i Identity) String() string { return i.URI }

var (
	ErrEmptyActor   = errors.New("empty actor reference")
	ErrInvalidActor = errors.New("invalid actor reference")
)

// Normalize parses an actor reference into a comparable Identity. Scheme and
// host are lower-cased, default ports and fragments are dropped, the path is
// kept as sent.
func Normalize(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrEmptyActor
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidActor, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return Identity{}, fmt.Errorf("%w: scheme %q", ErrInvalidActor, u.Scheme)
	}
	hostname := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if hostname == "" {
		return Identity{}, fmt.Errorf("%w: no host", ErrInvalidActor)
	}
	host := hostname
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(hostname, port)
	}
	norm := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	return Identity{URI: norm.String(), Host: host}, nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
}

// KeyIDFromSignature returns the keyId parameter of an HTTP Signature header
// value. Both the bare Signature header form and the
// "Authorization: Signature ..." form are accepted.
func KeyIDFromSignature(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > len("signature ") && strings.EqualFold(header[:len("signature ")], "signature ") {
		header = header[len("signature "):]
	}
	for _, param := range splitParams(header) {
		name, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "keyId") {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		return value
	}
	return ""
}

// splitParams splits on commas that are not inside a quoted string.
func splitParams(s string) []string {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// keyOwner maps a key identifier to the actor that owns it. Mastodon and
// Misskey use "<actor>#main-key"; a few servers publish the key under a
// sub-path of the actor instead.
func keyOwner(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	for _, suffix := range []string{"/main-key", "/publicKey", "/public-key"} {
		if strings.HasSuffix(keyID, suffix) {
			return strings.TrimSuffix(keyID, suffix)
		}
	}
	return keyID
}

// FromBody reads the top-level actor of an activity. The actor may be a bare
// URI or an embedded object carrying an id.
func FromBody(body []byte) (Identity, error) {
	if !gjson.ValidBytes(body) {
		return Identity{}, fmt.Errorf("%w: body is not valid json", ErrInvalidActor)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return Identity{}, fmt.Errorf("%w: body is not an object", ErrInvalidActor)
	}
	ref := doc.Get("actor")
	switch {
	case ref.Type == gjson.String:
		return Normalize(ref.Str)
	case ref.IsObject():
		id := ref.Get("id")
		if id.Type != gjson.String {
			return Identity{}, fmt.Errorf("%w: actor object without id", ErrInvalidActor)
		}
		return Normalize(id.Str)
	default:
		return Identity{}, ErrEmptyActor
	}
}

// ActivityType returns the top-level "type" of an activity, or "" when the
// body is not a JSON object with a string type.
func ActivityType(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	t := gjson.GetBytes(body, "type")
	if t.Type != gjson.String {
		return ""
	}
	return t.Str
}
