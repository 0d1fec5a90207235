// Package broadcast delivers server events to the members of a session, on
// this process directly and on other processes through the broker.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/session-relay/internal/broker"
	"github.com/mossy-p/session-relay/internal/metrics"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/presence"
	"github.com/mossy-p/session-relay/internal/registry"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Broadcaster struct {
	store    presence.Store
	registry *registry.Registry
	broker   broker.Broker
	serverID string
	now      func() time.Time
	logger   zerolog.Logger
}

func New(store presence.Store, reg *registry.Registry, br broker.Broker, serverID string) *Broadcaster {
	return &Broadcaster{
		store:    store,
		registry: reg,
		broker:   br,
		serverID: serverID,
		now:      time.Now,
		logger:   log.With().Str("module", "broadcast").Logger(),
	}
}

// Roster lists the session's members in join order. Members without a stored
// nickname are shown by client id.
func (b *Broadcaster) Roster(ctx context.Context, sessionID string) ([]models.RosterEntry, error) {
	members, err := b.store.Members(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	nicknames, err := b.store.Nicknames(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	roster := make([]models.RosterEntry, 0, len(members))
	for _, id := range members {
		nick, ok := nicknames[id]
		if !ok || nick == "" {
			nick = id
		}
		roster = append(roster, models.RosterEntry{ID: id, Nickname: nick})
	}
	return roster, nil
}

// BroadcastRoster sends client-update with the current roster to every member.
func (b *Broadcaster) BroadcastRoster(ctx context.Context, sessionID string) error {
	roster, err := b.Roster(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("roster of %s: %w", sessionID, err)
	}
	return b.Emit(ctx, sessionID, models.ServerEvent{Type: models.EventClientUpdate, Data: roster}, "")
}

// Notify is best-effort; failures are logged and never reach the caller.
func (b *Broadcaster) Notify(ctx context.Context, sessionID, text string) {
	if err := b.Emit(ctx, sessionID, models.ServerEvent{Type: models.EventNotification, Data: text}, ""); err != nil {
		b.logger.Warn().Str("session_id", sessionID).Err(err).Msg("notification not sent")
	}
}

// RelayChat appends the message to the log, then sends it to every member,
// sender included. Nothing is sent if the append fails.
func (b *Broadcaster) RelayChat(ctx context.Context, sessionID, sender, message string) (models.ChatMessage, error) {
	msg := models.ChatMessage{
		ID:      ulid.Make().String(),
		Sender:  sender,
		Message: message,
		SentAt:  b.now().UTC(),
	}
	if err := b.store.AppendChat(ctx, sessionID, msg); err != nil {
		return models.ChatMessage{}, fmt.Errorf("append chat: %w", err)
	}
	metrics.ChatMessages.Inc()

	ev := models.ServerEvent{
		Type: models.EventChatMessage,
		Data: models.ChatData{ID: msg.ID, Sender: msg.Sender, Message: msg.Message},
	}
	if err := b.Emit(ctx, sessionID, ev, ""); err != nil {
		return msg, err
	}
	return msg, nil
}

// Emit delivers ev to every local member except excludeConnID and publishes it
// for the other processes.
func (b *Broadcaster) Emit(ctx context.Context, sessionID string, ev models.ServerEvent, excludeConnID string) error {
	frame, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	b.deliver(sessionID, frame, excludeConnID)
	b.publish(ctx, broker.Envelope{
		Origin:    b.serverID,
		SessionID: sessionID,
		Type:      ev.Type,
		Frame:     frame,
	})
	return nil
}

// EmitLocal delivers ev to this process's members only.
func (b *Broadcaster) EmitLocal(sessionID string, ev models.ServerEvent, excludeConnID string) error {
	frame, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	b.deliver(sessionID, frame, excludeConnID)
	return nil
}

// SendTo delivers ev to one local connection.
func (b *Broadcaster) SendTo(connID string, ev models.ServerEvent) error {
	conn, ok := b.registry.Conn(connID)
	if !ok {
		return registry.ErrUnknownConn
	}
	frame, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	if err := conn.Send(frame); err != nil {
		metrics.FramesDropped.Inc()
		return err
	}
	return nil
}

func (b *Broadcaster) deliver(sessionID string, frame []byte, excludeConnID string) {
	for _, conn := range b.registry.MembersOf(sessionID) {
		if conn.ID() == excludeConnID {
			continue
		}
		if err := conn.Send(frame); err != nil {
			metrics.FramesDropped.Inc()
			b.logger.Debug().Str("session_id", sessionID).Str("conn_id", conn.ID()).Err(err).Msg("frame dropped")
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, env broker.Envelope) {
	if err := b.broker.Publish(ctx, env); err != nil {
		metrics.BrokerPublishFailures.WithLabelValues(b.broker.Type()).Inc()
		b.logger.Error().Str("session_id", env.SessionID).Str("type", string(env.Type)).Err(err).Msg("broker publish failed")
		return
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.broker.Type()).Inc()
}

// Run delivers envelopes published by other processes until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) error {
	envs, err := b.broker.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.logger.Info().Str("broker", b.broker.Type()).Msg("listening for remote session events")
	for env := range envs {
		b.handleRemote(env)
	}
	return nil
}

func (b *Broadcaster) handleRemote(env broker.Envelope) {
	if env.Origin == b.serverID {
		return
	}
	metrics.BrokerMessagesReceived.WithLabelValues(b.broker.Type()).Inc()
	b.deliver(env.SessionID, env.Frame, "")
	if env.Type == models.EventEndCall {
		dropped := b.registry.UnbindSession(env.SessionID)
		b.logger.Info().Str("session_id", env.SessionID).Int("connections", len(dropped)).
			Msg("session ended on another relay, local members unbound")
	}
}
