package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func newRedisStore(t *testing.T) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour)
}

func newMemoryStore(*testing.T) Store {
	return NewMemoryStore()
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	factories := map[string]storeFactory{
		"redis":  newRedisStore,
		"memory": newMemoryStore,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestInitSessionAndStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Status(ctx, "s1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.InitSession(ctx, "s1", models.SessionTypeOneToOne, models.StatusActive))
		st, err := s.Status(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, st)

		typ, err := s.SessionType(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionTypeOneToOne, typ)

		// set-if-absent: neither field is overwritten
		require.NoError(t, s.InitSession(ctx, "s1", models.SessionTypeConference, models.StatusActive))
		typ, err = s.SessionType(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionTypeOneToOne, typ)
	})
}

func TestMarkExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InitSession(ctx, "s1", models.SessionTypeConference, models.StatusActive))

		changed, err := s.MarkExpired(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.MarkExpired(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, changed)

		require.NoError(t, s.InitSession(ctx, "s1", models.SessionTypeConference, models.StatusActive))
		st, err := s.Status(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, st)
	})
}

func TestAddMember(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		out, err := s.AddMember(ctx, "s1", "c1", 2)
		require.NoError(t, err)
		assert.Equal(t, Added, out)

		out, err = s.AddMember(ctx, "s1", "c1", 2)
		require.NoError(t, err)
		assert.Equal(t, AlreadyMember, out)

		out, err = s.AddMember(ctx, "s1", "c2", 2)
		require.NoError(t, err)
		assert.Equal(t, Added, out)

		out, err = s.AddMember(ctx, "s1", "c3", 2)
		require.NoError(t, err)
		assert.Equal(t, Full, out)

		// a member rejoining a full session is not rejected
		out, err = s.AddMember(ctx, "s1", "c2", 2)
		require.NoError(t, err)
		assert.Equal(t, AlreadyMember, out)

		members, err := s.Members(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, members)
	})
}

func TestMembersKeepJoinOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, c := range []string{"zed", "amy", "mid"} {
			_, err := s.AddMember(ctx, "s1", c, 0)
			require.NoError(t, err)
		}
		require.NoError(t, s.RemoveMember(ctx, "s1", "amy"))
		_, err := s.AddMember(ctx, "s1", "amy", 0)
		require.NoError(t, err)

		members, err := s.Members(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"zed", "mid", "amy"}, members)

		require.NoError(t, s.ClearMembers(ctx, "s1"))
		members, err = s.Members(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestAddMemberConcurrentCapacity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			added int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := s.AddMember(ctx, "s1", fmt.Sprintf("c%d", i), models.OneToOneCapacity)
				if err != nil || out != Added {
					return
				}
				mu.Lock()
				added++
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 2, added)
		members, err := s.Members(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, members, 2)
	})
}

func TestNicknames(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetNickname(ctx, "s1", "c1", "Alice"))
		require.NoError(t, s.SetNickname(ctx, "s1", "c2", "Bob"))

		nicks, err := s.Nicknames(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"c1": "Alice", "c2": "Bob"}, nicks)

		require.NoError(t, s.DeleteNickname(ctx, "s1", "c1"))
		nicks, err = s.Nicknames(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"c2": "Bob"}, nicks)

		require.NoError(t, s.ClearNicknames(ctx, "s1"))
		nicks, err = s.Nicknames(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, nicks)
	})
}

func TestClaimCreatorFirstWriterWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		creator, err := s.Creator(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, creator)

		creator, claimed, err := s.ClaimCreator(ctx, "s1", "c1")
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, "c1", creator)

		creator, claimed, err = s.ClaimCreator(ctx, "s1", "c2")
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, "c1", creator)
	})
}

func TestChatLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.AppendChat(ctx, "s1", models.ChatMessage{ID: "m1", Sender: "Bob", Message: "hi", SentAt: now}))
		require.NoError(t, s.AppendChat(ctx, "s1", models.ChatMessage{ID: "m2", Sender: "Alice", Message: "hey", SentAt: now}))

		log, err := s.ChatLog(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, "hi", log[0].Message)
		assert.Equal(t, "Alice", log[1].Sender)
		assert.True(t, now.Equal(log[0].SentAt))

		empty, err := s.ChatLog(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestRedisStoreKeysCarryTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, s.InitSession(ctx, "s1", models.SessionTypeConference, models.StatusActive))
	_, err := s.AddMember(ctx, "s1", "c1", 0)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, mr.TTL("session:s1:status"))
	assert.Equal(t, 24*time.Hour, mr.TTL("session:s1:members"))

	mr.FastForward(25 * time.Hour)
	_, err = s.Status(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreJoinsKeepCreatorAlive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.InitSession(ctx, "s1", models.SessionTypeConference, models.StatusActive))
	_, err := s.AddMember(ctx, "s1", "c1", 0)
	require.NoError(t, err)
	_, _, err = s.ClaimCreator(ctx, "s1", "c1")
	require.NoError(t, err)

	// a session active for longer than the key TTL
	for i := 0; i < 3; i++ {
		mr.FastForward(40 * time.Minute)
		outcome, err := s.AddMember(ctx, "s1", fmt.Sprintf("g%d", i), 0)
		require.NoError(t, err)
		require.Equal(t, Added, outcome)
	}
	mr.FastForward(40 * time.Minute)
	outcome, err := s.AddMember(ctx, "s1", "c1", 0)
	require.NoError(t, err)
	require.Equal(t, AlreadyMember, outcome)

	creator, err := s.Creator(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "c1", creator)
	st, err := s.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, st)
	typ, err := s.SessionType(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionTypeConference, typ)
	assert.Equal(t, time.Hour, mr.TTL("session:s1:creatorId"))
}
