package proxy

import (
	"time"

	"apwall/pkg/actor"
	"apwall/pkg/classifier"
)

// State is where a connection is in its lifecycle. Closed and Aborted are
// terminal.
type State string

const (
	StateAccepted    State = "accepted"
	StateParsing     State = "parsing"
	StateClassifying State = "classifying"
	StateForwarding  State = "forwarding"
	StateClosed      State = "closed"
	StateAborted     State = "aborted"
)

func (s State) Terminal() bool { return s == StateClosed || s == StateAborted }

// connection is the bookkeeping for one accepted peer. It is owned by a
// single goroutine.
type connection struct {
	id    string
	peer  string
	start time.Time
	state State

	method string
	path   string
	actor  string
	source actor.Source

	verdict  classifier.Verdict
	degraded bool
	status   int

	requestBytes  int64
	responseBytes int64
	err           error
}

func (c *connection) to(next State) { c.state = next }

// abort ends the connection without a successful relay. status is what the
// peer was told, 0 for nothing.
func (c *connection) abort(status int, err error) {
	c.state = StateAborted
	c.status = status
	if err != nil {
		c.err = err
	}
}
