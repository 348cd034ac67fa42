package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"apwall/pkg/actor"
)

// Facts are the relationship and account signals known about one actor. The
// zero value means "no known relationship".
type Facts struct {
	// Known is false when the actor has no row in the application database.
	Known           bool      `json:"known"`
	FollowedByLocal bool      `json:"followed_by_local"`
	FollowingLocal  bool      `json:"following_local"`
	Followers       int64     `json:"followers"`
	Following       int64     `json:"following"`
	Notes           int64     `json:"notes"`
	CreatedAt       time.Time `json:"created_at,omitempty"`

	InstanceKnown     bool  `json:"instance_known"`
	InstanceFollowers int64 `json:"instance_followers"`
	InstanceFollowing int64 `json:"instance_following"`
	InstanceNotes     int64 `json:"instance_notes"`

	// Degraded marks default facts substituted after a store failure. It is
	// never cached.
	Degraded bool `json:"-"`
}

// Established reports a follow relationship in either direction with a local
// account.
func (f Facts) Established() bool {
	return f.FollowedByLocal || f.FollowingLocal
}

// RelationshipStore is implemented once per backend application.
type RelationshipStore interface {
	Lookup(ctx context.Context, id actor.Identity) (Facts, error)
}

// Backend names a supported federation server schema.
type Backend string

const (
	BackendMisskey  Backend = "misskey"
	BackendMastodon Backend = "mastodon"
)

func ParseBackend(raw string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(raw))) {
	case BackendMisskey, "":
		return BackendMisskey, nil
	case BackendMastodon:
		return BackendMastodon, nil
	default:
		return "", fmt.Errorf("unsupported server type %q (want misskey or mastodon)", raw)
	}
}
