package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mossy-p/session-relay/internal/broadcast"
	"github.com/mossy-p/session-relay/internal/broker"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/presence"
	"github.com/mossy-p/session-relay/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (c *rawConn) ID() string { return c.id }

func (c *rawConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func setup(t *testing.T) (*Relay, *registry.Registry, map[string]*rawConn) {
	t.Helper()
	reg := registry.New()
	b := broadcast.New(presence.NewMemoryStore(), reg, broker.NewLocal(), "relay-a")
	conns := map[string]*rawConn{}
	for _, m := range []struct{ conn, session, client string }{
		{"k1", "s1", "c1"},
		{"k2", "s1", "c2"},
		{"k3", "s2", "c3"},
	} {
		c := &rawConn{id: m.conn}
		conns[m.conn] = c
		reg.Attach(c)
		require.NoError(t, reg.Bind(m.conn, m.session, m.client, m.client))
	}
	return New(reg, b), reg, conns
}

func TestForwardPayloadVerbatim(t *testing.T) {
	r, _, conns := setup(t)
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 46117317 2 IN IP4 127.0.0.1\r\n"}`)

	require.NoError(t, r.Forward(context.Background(), models.EventOffer, "s1", "k1", payload))

	assert.Empty(t, conns["k1"].frames, "sender does not receive its own signal")
	assert.Empty(t, conns["k3"].frames, "other sessions are untouched")
	require.Len(t, conns["k2"].frames, 1)

	var got struct {
		Type string          `json:"type"`
		From string          `json:"from"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(conns["k2"].frames[0], &got))
	assert.Equal(t, "offer", got.Type)
	assert.Equal(t, "c1", got.From)
	assert.JSONEq(t, string(payload), string(got.Data))
}

func TestForwardRejectsUnboundSender(t *testing.T) {
	r, reg, conns := setup(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"candidate":"x"}`)

	assert.ErrorIs(t, r.Forward(ctx, models.EventICECandidate, "s1", "k3", payload), ErrNotBound)

	reg.Attach(&rawConn{id: "k4"})
	assert.ErrorIs(t, r.Forward(ctx, models.EventICECandidate, "s1", "k4", payload), ErrNotBound)
	assert.ErrorIs(t, r.Forward(ctx, models.EventICECandidate, "s1", "ghost", payload), ErrNotBound)

	assert.Empty(t, conns["k1"].frames)
	assert.Empty(t, conns["k2"].frames)
}

func TestForwardRejectsNonSignalKind(t *testing.T) {
	r, _, _ := setup(t)
	err := r.Forward(context.Background(), models.EventChatMessage, "s1", "k1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}
