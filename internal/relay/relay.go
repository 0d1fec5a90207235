// Package relay forwards opaque WebRTC signaling payloads between the members
// of a session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/session-relay/internal/broadcast"
	"github.com/mossy-p/session-relay/internal/metrics"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/registry"
)

// ErrNotBound is returned when the sender is not a member of the session it
// addressed.
var ErrNotBound = errors.New("sender is not bound to the session")

type Relay struct {
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
}

func New(reg *registry.Registry, b *broadcast.Broadcaster) *Relay {
	return &Relay{registry: reg, broadcaster: b}
}

// Forward sends payload, unparsed, to every other connection of sessionID.
func (r *Relay) Forward(ctx context.Context, kind models.EventType, sessionID, senderConnID string, payload json.RawMessage) error {
	if !kind.IsSignal() {
		return fmt.Errorf("%w: %q is not a signaling kind", models.ErrInvalidEvent, kind)
	}
	binding, ok := r.registry.Lookup(senderConnID)
	if !ok || binding.SessionID != sessionID {
		return ErrNotBound
	}

	ev := models.ServerEvent{
		Type: kind,
		From: binding.ClientID,
		Data: payload,
	}
	if err := r.broadcaster.Emit(ctx, sessionID, ev, senderConnID); err != nil {
		return err
	}
	metrics.SignalsRelayed.WithLabelValues(string(kind)).Inc()
	return nil
}
