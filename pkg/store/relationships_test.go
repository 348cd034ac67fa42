package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"apwall/pkg/actor"
)

type fakeRelDB struct {
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	calls      int
}

func (f *fakeRelDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.calls++
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignScan(dest, value any) error {
	switch d := dest.(type) {
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", value)
		}
		*d = v
	case *int64:
		v, ok := value.(int64)
		if !ok {
			return fmt.Errorf("want int64, got %T", value)
		}
		*d = v
	case **time.Time:
		if value == nil {
			*d = nil
			return nil
		}
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("want time.Time, got %T", value)
		}
		*d = &v
	default:
		return fmt.Errorf("unsupported scan target %T", dest)
	}
	return nil
}

// routedDB answers instance and user queries separately.
func routedDB(instance, user fakeRow) *fakeRelDB {
	return &fakeRelDB{queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
		if strings.Contains(sql, "WHERE u.uri") || strings.Contains(sql, "WHERE a.uri") {
			return user
		}
		return instance
	}}
}

var alice = actor.Identity{URI: "https://remote.example/users/alice", Host: "remote.example"}

func TestMisskeyLookupFollowedActor(t *testing.T) {
	db := routedDB(
		fakeRow{values: []any{true, int64(40), int64(12), int64(900)}},
		fakeRow{values: []any{int64(3), int64(2), int64(10), nil, true, false}},
	)
	facts, err := NewMisskeyStore(db).Lookup(context.Background(), alice)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !facts.Known || !facts.FollowedByLocal || facts.FollowingLocal || !facts.Established() {
		t.Fatalf("unexpected relationship facts: %+v", facts)
	}
	if facts.InstanceFollowers != 40 || facts.InstanceFollowing != 12 || facts.Followers != 3 {
		t.Fatalf("unexpected counts: %+v", facts)
	}
	if !facts.CreatedAt.IsZero() {
		t.Fatalf("misskey rows carry no creation time, got %v", facts.CreatedAt)
	}
	if db.calls != 2 {
		t.Fatalf("expected two queries, got %d", db.calls)
	}
}

func TestLookupUnknownActorIsNotAnError(t *testing.T) {
	db := routedDB(fakeRow{err: pgx.ErrNoRows}, fakeRow{err: pgx.ErrNoRows})
	facts, err := NewMisskeyStore(db).Lookup(context.Background(), alice)
	if err != nil {
		t.Fatalf("unknown actor should not error: %v", err)
	}
	if facts.Known || facts.InstanceKnown || facts.Established() || facts.Degraded {
		t.Fatalf("expected zero facts, got %+v", facts)
	}
}

func TestLookupPropagatesQueryFailure(t *testing.T) {
	boom := errors.New("connection reset")
	for _, tc := range []struct {
		name           string
		instance, user fakeRow
	}{
		{"instance", fakeRow{err: boom}, fakeRow{err: pgx.ErrNoRows}},
		{"user", fakeRow{values: []any{true, int64(1), int64(1), int64(1)}}, fakeRow{err: boom}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMisskeyStore(routedDB(tc.instance, tc.user)).Lookup(context.Background(), alice)
			if !errors.Is(err, boom) {
				t.Fatalf("expected wrapped query error, got %v", err)
			}
			if !strings.Contains(err.Error(), "misskey") {
				t.Fatalf("expected backend in error, got %v", err)
			}
		})
	}
}

func TestMastodonLookupCarriesCreationTime(t *testing.T) {
	created := time.Date(2024, 2, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))
	db := routedDB(
		fakeRow{values: []any{true, int64(0), int64(0), int64(5)}},
		fakeRow{values: []any{int64(0), int64(0), int64(1), created, false, false}},
	)
	s := NewMastodonStore(db)
	if s.Backend() != BackendMastodon {
		t.Fatalf("unexpected backend %q", s.Backend())
	}
	facts, err := s.Lookup(context.Background(), alice)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !facts.CreatedAt.Equal(created) || facts.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC creation time, got %v", facts.CreatedAt)
	}
	if facts.Established() {
		t.Fatal("no follow rows were returned")
	}
}

func TestLookupPassesHostAndURI(t *testing.T) {
	var gotArgs []any
	db := &fakeRelDB{queryRowFn: func(_ context.Context, _ string, args ...any) pgx.Row {
		gotArgs = append(gotArgs, args...)
		return fakeRow{err: pgx.ErrNoRows}
	}}
	if _, err := NewMisskeyStore(db).Lookup(context.Background(), alice); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(gotArgs) != 2 || gotArgs[0] != alice.Host || gotArgs[1] != alice.URI {
		t.Fatalf("unexpected query args %v", gotArgs)
	}
}

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{"": BackendMisskey, "Misskey": BackendMisskey, " mastodon ": BackendMastodon}
	for in, want := range cases {
		got, err := ParseBackend(in)
		if err != nil || got != want {
			t.Fatalf("ParseBackend(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseBackend("pleroma"); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
	if _, err := NewStore(Backend("pleroma"), &fakeRelDB{}); err == nil {
		t.Fatal("expected NewStore to reject unknown backend")
	}
}
