// Package statebus consumes relationship change events so cached facts do
// not outlive a follow, unfollow or block by a full TTL.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
