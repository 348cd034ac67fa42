package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"apwall/pkg/actor"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema holds the two read-only queries a backend must answer.
//
// UserQuery takes the actor URI and returns followers, following, notes,
// created-at (nullable), followed-by-local and following-local.
// InstanceQuery takes the actor host and returns known, followers, following
// and notes.
type Schema struct {
	Backend       Backend
	UserQuery     string
	InstanceQuery string
}

var misskeySchema = Schema{
	Backend: BackendMisskey,
	UserQuery: `SELECT u."followersCount", u."followingCount", u."notesCount", NULL::timestamptz,
	EXISTS (SELECT 1 FROM "following" f WHERE f."followeeId" = u.id AND f."followerHost" IS NULL),
	EXISTS (SELECT 1 FROM "following" f WHERE f."followerId" = u.id AND f."followeeHost" IS NULL)
FROM "user" u WHERE u.uri = $1`,
	InstanceQuery: `SELECT true, "followersCount", "followingCount", "notesCount" FROM "instance" WHERE host = $1`,
}

var mastodonSchema = Schema{
	Backend: BackendMastodon,
	UserQuery: `SELECT COALESCE(s.followers_count, 0), COALESCE(s.following_count, 0), COALESCE(s.statuses_count, 0), a.created_at,
	EXISTS (SELECT 1 FROM follows f JOIN accounts l ON l.id = f.account_id WHERE f.target_account_id = a.id AND l.domain IS NULL),
	EXISTS (SELECT 1 FROM follows f JOIN accounts l ON l.id = f.target_account_id WHERE f.account_id = a.id AND l.domain IS NULL)
FROM accounts a LEFT JOIN account_stats s ON s.account_id = a.id WHERE a.uri = $1`,
	InstanceQuery: `SELECT
	EXISTS (SELECT 1 FROM accounts WHERE domain = $1),
	(SELECT count(*) FROM follows f JOIN accounts r ON r.id = f.target_account_id JOIN accounts l ON l.id = f.account_id
		WHERE r.domain = $1 AND l.domain IS NULL),
	(SELECT count(*) FROM follows f JOIN accounts r ON r.id = f.account_id JOIN accounts l ON l.id = f.target_account_id
		WHERE r.domain = $1 AND l.domain IS NULL),
	COALESCE((SELECT sum(s.statuses_count) FROM account_stats s JOIN accounts a ON a.id = s.account_id WHERE a.domain = $1), 0)::bigint`,
}

// PostgresStore answers lookups from a federation server's own database.
type PostgresStore struct {
	db     querier
	schema Schema
}

func NewMisskeyStore(db querier) *PostgresStore {
	return &PostgresStore{db: db, schema: misskeySchema}
}

func NewMastodonStore(db querier) *PostgresStore {
	return &PostgresStore{db: db, schema: mastodonSchema}
}

// NewStore picks the schema for backend.
func NewStore(backend Backend, db querier) (*PostgresStore, error) {
	switch backend {
	case BackendMisskey:
		return NewMisskeyStore(db), nil
	case BackendMastodon:
		return NewMastodonStore(db), nil
	default:
		return nil, fmt.Errorf("no relationship store for backend %q", backend)
	}
}

func (s *PostgresStore) Backend() Backend { return s.schema.Backend }

// Lookup returns the facts for id. An actor or instance without a row is not
// an error; it yields facts with Known or InstanceKnown unset.
func (s *PostgresStore) Lookup(ctx context.Context, id actor.Identity) (Facts, error) {
	var f Facts
	err := s.db.QueryRow(ctx, s.schema.InstanceQuery, id.Host).
		Scan(&f.InstanceKnown, &f.InstanceFollowers, &f.InstanceFollowing, &f.InstanceNotes)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Facts{}, fmt.Errorf("%s instance stats for %s: %w", s.schema.Backend, id.Host, err)
	}

	var createdAt *time.Time
	err = s.db.QueryRow(ctx, s.schema.UserQuery, id.URI).
		Scan(&f.Followers, &f.Following, &f.Notes, &createdAt, &f.FollowedByLocal, &f.FollowingLocal)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return f, nil
	case err != nil:
		return Facts{}, fmt.Errorf("%s user %s: %w", s.schema.Backend, id.URI, err)
	}
	f.Known = true
	if createdAt != nil {
		f.CreatedAt = createdAt.UTC()
	}
	return f, nil
}
