package statebus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type scriptedConsumer struct {
	mu     sync.Mutex
	msgs   []Message
	errs   []error
	cancel context.CancelFunc
}

func (s *scriptedConsumer) ReadMessage(ctx context.Context) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return Message{}, err
	}
	if len(s.msgs) == 0 {
		s.cancel()
		return Message{}, context.Canceled
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func (s *scriptedConsumer) Close() error { return nil }

type recordingInvalidator struct {
	mu   sync.Mutex
	uris []string
	err  error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uris = append(r.uris, uri)
	return r.err
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"unfollow","actor":"HTTPS://Remote.Example:443/users/alice","object":"https://local.example/users/bob"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	uris := ev.URIs()
	if len(uris) != 2 || uris[0] != "https://remote.example/users/alice" || uris[1] != "https://local.example/users/bob" {
		t.Fatalf("unexpected uris %v", uris)
	}

	for _, raw := range []string{`nope`, `[1,2]`, `{"type":"follow"}`} {
		if _, err := ParseEvent([]byte(raw)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected ErrInvalidEvent for %s, got %v", raw, err)
		}
	}

	if got := (Event{Actor: "mailto:x@example"}).URIs(); len(got) != 0 {
		t.Fatalf("non-http actor should be skipped, got %v", got)
	}
}

func TestRunInvalidatesTouchedActors(t *testing.T) {
	orig := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &scriptedConsumer{
		cancel: cancel,
		errs:   []error{errors.New("broker unavailable")},
		msgs: []Message{
			{Value: []byte(`{"type":"follow","actor":"https://remote.example/users/alice"}`)},
			{Value: []byte(`garbage`)},
			{Value: []byte(`{"type":"block","object":"https://spam.example/users/x1#main-key"}`)},
		},
	}
	inv := &recordingInvalidator{}
	if err := Run(ctx, c, inv, zerolog.Nop()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"https://remote.example/users/alice", "https://spam.example/users/x1"}
	if len(inv.uris) != len(want) {
		t.Fatalf("expected %v, got %v", want, inv.uris)
	}
	for i := range want {
		if inv.uris[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, inv.uris)
		}
	}
}
