package statebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"apwall/pkg/actor"
	"apwall/pkg/logging"
)

// Invalidator drops cached facts for an actor URI.
type Invalidator interface {
	Invalidate(ctx context.Context, uri string) error
}

// Event is a relationship change published by the application server, for
// example {"type":"follow","actor":"https://a.example/users/x","object":"https://local/users/y"}.
type Event struct {
	Type   string
	Actor  string
	Object string
}

var ErrInvalidEvent = errors.New("invalid relationship event")

func ParseEvent(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, fmt.Errorf("%w: not json", ErrInvalidEvent)
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return Event{}, fmt.Errorf("%w: not an object", ErrInvalidEvent)
	}
	ev := Event{
		Type:   res.Get("type").String(),
		Actor:  res.Get("actor").String(),
		Object: res.Get("object").String(),
	}
	if ev.Actor == "" && ev.Object == "" {
		return Event{}, fmt.Errorf("%w: no actor or object", ErrInvalidEvent)
	}
	return ev, nil
}

// URIs returns the normalized actor URIs the event touches.
func (e Event) URIs() []string {
	var out []string
	for _, raw := range []string{e.Actor, e.Object} {
		if raw == "" {
			continue
		}
		id, err := actor.Normalize(raw)
		if err != nil {
			continue
		}
		out = append(out, id.URI)
	}
	return out
}

var retryDelay = time.Second

// Run invalidates cached facts for every event until ctx is done. Read
// errors are logged and retried after a short pause.
func Run(ctx context.Context, c Consumer, inv Invalidator, logger zerolog.Logger) error {
	log := logging.Component(logger, "statebus")
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("relationship event read failed")
			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		ev, err := ParseEvent(msg.Value)
		if err != nil {
			log.Warn().Err(err).Bytes("key", msg.Key).Msg("skipping relationship event")
			continue
		}
		for _, uri := range ev.URIs() {
			if err := inv.Invalidate(ctx, uri); err != nil {
				log.Warn().Err(err).Str("actor", uri).Msg("cache invalidation failed")
				continue
			}
			log.Debug().Str("actor", uri).Str("event", ev.Type).Msg("cached facts invalidated")
		}
	}
}
