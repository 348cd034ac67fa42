package actor

import (
	"net/http"
	"strings"
)

// Request is the read-only view of an inbound request the resolver needs.
type Request interface {
	RequestMethod() string
	RequestPath() string
	Header(name string) string
	BodyBytes() []byte
}

// Source records where an Identity came from.
type Source string

const (
	SourceNone      Source = ""
	SourceSignature Source = "signature"
	SourceBody      Source = "body"
)

// DefaultInboxPatterns covers the shared inbox and per-user inboxes of
// Mastodon and Misskey.
var DefaultInboxPatterns = []string{"/inbox", "/users/*/inbox"}

// Resolver decides which requests are federation deliveries and who sent them.
// A "*" segment in a pattern matches exactly one path segment.
type Resolver struct {
	patterns [][]string
}

func NewResolver(patterns []string) *Resolver {
	if len(patterns) == 0 {
		patterns = DefaultInboxPatterns
	}
	r := &Resolver{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r.patterns = append(r.patterns, splitPath(p))
	}
	return r
}

// Filtered reports whether req is an inbox delivery subject to classification.
// Everything else is forwarded without resolution.
func (r *Resolver) Filtered(req Request) bool {
	if req.RequestMethod() != http.MethodPost {
		return false
	}
	return r.MatchPath(req.RequestPath())
}

// MatchPath reports whether the path (query string ignored) matches one of the
// configured inbox patterns.
func (r *Resolver) MatchPath(path string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segs := splitPath(path)
	for _, p := range r.patterns {
		if matchSegments(p, segs) {
			return true
		}
	}
	return false
}

// Resolve extracts the sender of a filtered request: first from the HTTP
// signature keyId, then from the activity's actor field. A false result is the
// "unknown actor" case, not an error.
func (r *Resolver) Resolve(req Request) (Identity, Source, bool) {
	if !r.Filtered(req) {
		return Identity{}, SourceNone, false
	}
	sig := req.Header("Signature")
	if sig == "" {
		if auth := req.Header("Authorization"); len(auth) > 10 && strings.EqualFold(auth[:10], "signature ") {
			sig = auth
		}
	}
	if keyID := KeyIDFromSignature(sig); keyID != "" {
		if id, err := Normalize(keyOwner(keyID)); err == nil {
			return id, SourceSignature, true
		}
	}
	if body := req.BodyBytes(); len(body) > 0 {
		if id, err := FromBody(body); err == nil {
			return id, SourceBody, true
		}
	}
	return Identity{}, SourceNone, false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, segs []string) bool {
	if len(pattern) != len(segs) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if p != segs[i] {
			return false
		}
	}
	return true
}
