package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mossy-p/session-relay/internal/broker"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/presence"
	"github.com/mossy-p/session-relay/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames []models.ServerEvent
	full   bool
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("buffer full")
	}
	var ev models.ServerEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return err
	}
	c.frames = append(c.frames, ev)
	return nil
}

func (c *recordingConn) events() []models.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ServerEvent(nil), c.frames...)
}

type captureBroker struct {
	broker.Local
	mu        sync.Mutex
	published []broker.Envelope
	fail      bool
}

func (b *captureBroker) Publish(_ context.Context, env broker.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("broker down")
	}
	b.published = append(b.published, env)
	return nil
}

type failingChatStore struct {
	presence.Store
}

func (failingChatStore) AppendChat(context.Context, string, models.ChatMessage) error {
	return errors.New("store down")
}

type fixture struct {
	store  presence.Store
	reg    *registry.Registry
	broker *captureBroker
	b      *Broadcaster
	alice  *recordingConn
	bob    *recordingConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  presence.NewMemoryStore(),
		reg:    registry.New(),
		broker: &captureBroker{},
		alice:  &recordingConn{id: "k1"},
		bob:    &recordingConn{id: "k2"},
	}
	f.b = New(f.store, f.reg, f.broker, "relay-a")

	for _, m := range []struct {
		conn     *recordingConn
		clientID string
		nick     string
	}{{f.alice, "c1", "Alice"}, {f.bob, "c2", "Bob"}} {
		f.reg.Attach(m.conn)
		require.NoError(t, f.reg.Bind(m.conn.id, "s1", m.clientID, m.nick))
		_, err := f.store.AddMember(ctx, "s1", m.clientID, 0)
		require.NoError(t, err)
		require.NoError(t, f.store.SetNickname(ctx, "s1", m.clientID, m.nick))
	}
	return f
}

func TestRosterFallsBackToClientID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.AddMember(ctx, "s1", "c3", 0)
	require.NoError(t, err)

	roster, err := f.b.Roster(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []models.RosterEntry{
		{ID: "c1", Nickname: "Alice"},
		{ID: "c2", Nickname: "Bob"},
		{ID: "c3", Nickname: "c3"},
	}, roster)
}

func TestBroadcastRoster(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.b.BroadcastRoster(context.Background(), "s1"))

	for _, c := range []*recordingConn{f.alice, f.bob} {
		evs := c.events()
		require.Len(t, evs, 1)
		assert.Equal(t, models.EventClientUpdate, evs[0].Type)
		assert.Len(t, evs[0].Data, 2)
	}
	require.Len(t, f.broker.published, 1)
	assert.Equal(t, "relay-a", f.broker.published[0].Origin)
}

func TestRelayChatIncludesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.b.RelayChat(ctx, "s1", "Bob", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	for _, c := range []*recordingConn{f.alice, f.bob} {
		evs := c.events()
		require.Len(t, evs, 1)
		assert.Equal(t, models.EventChatMessage, evs[0].Type)
		data := evs[0].Data.(map[string]any)
		assert.Equal(t, "Bob", data["sender"])
		assert.Equal(t, "hi", data["message"])
	}

	log, err := f.store.ChatLog(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, msg.ID, log[0].ID)
}

func TestRelayChatAppendFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	b := New(failingChatStore{f.store}, f.reg, f.broker, "relay-a")

	_, err := b.RelayChat(context.Background(), "s1", "Bob", "hi")
	require.Error(t, err)
	assert.Empty(t, f.alice.events())
	assert.Empty(t, f.bob.events())
	assert.Empty(t, f.broker.published)
}

func TestEmitExcludesConnAndSurvivesBackpressure(t *testing.T) {
	f := newFixture(t)
	f.alice.full = true
	carol := &recordingConn{id: "k3"}
	f.reg.Attach(carol)
	require.NoError(t, f.reg.Bind("k3", "s1", "c3", "Carol"))

	ev := models.ServerEvent{Type: models.EventOffer, From: "c2", Data: json.RawMessage(`{"sdp":"x"}`)}
	require.NoError(t, f.b.Emit(context.Background(), "s1", ev, "k2"))

	assert.Empty(t, f.alice.events())
	assert.Empty(t, f.bob.events())
	require.Len(t, carol.events(), 1)
	assert.Equal(t, "c2", carol.events()[0].From)
}

func TestNotifyIgnoresBrokerFailure(t *testing.T) {
	f := newFixture(t)
	f.broker.fail = true
	f.b.Notify(context.Background(), "s1", "Bob has joined the session.")

	evs := f.alice.events()
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventNotification, evs[0].Type)
	assert.Equal(t, "Bob has joined the session.", evs[0].Data)
}

func TestSendTo(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.b.SendTo("k1", models.ServerEvent{Type: models.EventCreatorSet}))
	assert.Len(t, f.alice.events(), 1)
	assert.Empty(t, f.bob.events())
	assert.ErrorIs(t, f.b.SendTo("nope", models.ServerEvent{Type: models.EventAck}), registry.ErrUnknownConn)
}

func TestHandleRemote(t *testing.T) {
	f := newFixture(t)
	frame, err := models.ServerEvent{Type: models.EventNotification, Data: "x"}.Encode()
	require.NoError(t, err)

	// own echo is dropped
	f.b.handleRemote(broker.Envelope{Origin: "relay-a", SessionID: "s1", Type: models.EventNotification, Frame: frame})
	assert.Empty(t, f.alice.events())

	f.b.handleRemote(broker.Envelope{Origin: "relay-b", SessionID: "s1", Type: models.EventNotification, Frame: frame})
	assert.Len(t, f.alice.events(), 1)
	assert.Len(t, f.bob.events(), 1)

	endFrame, err := models.ServerEvent{Type: models.EventEndCall, Data: models.EndCallData{SessionID: "s1", UserID: "c9"}}.Encode()
	require.NoError(t, err)
	f.b.handleRemote(broker.Envelope{Origin: "relay-b", SessionID: "s1", Type: models.EventEndCall, Frame: endFrame})
	assert.Equal(t, models.EventEndCall, f.alice.events()[1].Type)
	assert.Empty(t, f.reg.MembersOf("s1"))
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.b.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
