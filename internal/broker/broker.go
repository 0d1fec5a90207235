// Package broker fans session events out to the other relay processes that
// hold members of the same session.
package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mossy-p/session-relay/internal/models"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker is closed")

// Envelope is one server frame addressed to every member of a session.
type Envelope struct {
	Origin    string           `json:"origin"`
	SessionID string           `json:"sessionId"`
	Type      models.EventType `json:"type"`
	Frame     json.RawMessage  `json:"frame"`
}

// Broker is the cross-process fan-out hook.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes for every session until ctx ends.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	Close() error
	Type() string
}

// Local is used when the relay runs as a single process.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (*Local) Publish(context.Context, Envelope) error { return nil }

func (*Local) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	ch := make(chan Envelope)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (*Local) Close() error { return nil }

func (*Local) Type() string { return "none" }
