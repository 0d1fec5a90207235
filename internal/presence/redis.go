package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/session-relay/internal/models"
	"github.com/redis/go-redis/v9"
)

// addMemberScript returns 1 when added, 2 when already a member, 0 when full.
// Any accepted join refreshes the TTL of every key in KEYS, so the status,
// type and creator of a live session outlast the key TTL.
var addMemberScript = redis.NewScript(`
local ttl = tonumber(ARGV[3])
local function touch()
	if ttl > 0 then
		for _, k in ipairs(KEYS) do
			redis.call('EXPIRE', k, ttl)
		end
	end
end
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	touch()
	return 2
end
local cap = tonumber(ARGV[2])
if cap > 0 and redis.call('ZCARD', KEYS[1]) >= cap then
	return 0
end
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
touch()
return 1
`)

// setStatusScript returns 1 when the stored value changed.
var setStatusScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
if old == ARGV[1] then
	return 0
end
return 1
`)

// RedisStore keeps session state under session:{id}:* keys.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore refreshes key TTLs to ttl on every write; zero disables expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func key(sessionID, field string) string {
	return "session:" + sessionID + ":" + field
}

func (s *RedisStore) ttlSeconds() int64 {
	return int64(s.ttl / time.Second)
}

func (s *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, s.ttl)
	}
}

func (s *RedisStore) InitSession(ctx context.Context, sessionID string, typ models.SessionType, status models.Status) error {
	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, key(sessionID, "status"), string(status), s.ttl)
	pipe.SetNX(ctx, key(sessionID, "type"), string(typ), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Status(ctx context.Context, sessionID string) (models.Status, error) {
	v, err := s.client.Get(ctx, key(sessionID, "status")).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", sessionID, err)
	}
	st := models.Status(v)
	if !st.Valid() {
		return "", fmt.Errorf("session %s has corrupt status %q", sessionID, v)
	}
	return st, nil
}

func (s *RedisStore) SessionType(ctx context.Context, sessionID string) (models.SessionType, error) {
	v, err := s.client.Get(ctx, key(sessionID, "type")).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get type %s: %w", sessionID, err)
	}
	return models.ParseSessionType(v)
}

func (s *RedisStore) MarkExpired(ctx context.Context, sessionID string) (bool, error) {
	n, err := setStatusScript.Run(ctx, s.client,
		[]string{key(sessionID, "status")},
		string(models.StatusExpired), s.ttlSeconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", sessionID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) AddMember(ctx context.Context, sessionID, clientID string, capacity int) (AddOutcome, error) {
	n, err := addMemberScript.Run(ctx, s.client,
		[]string{
			key(sessionID, "members"), key(sessionID, "seq"),
			key(sessionID, "status"), key(sessionID, "type"), key(sessionID, "creatorId"),
		},
		clientID, capacity, s.ttlSeconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("add member %s to %s: %w", clientID, sessionID, err)
	}
	switch n {
	case 1:
		return Added, nil
	case 2:
		return AlreadyMember, nil
	default:
		return Full, nil
	}
}

func (s *RedisStore) RemoveMember(ctx context.Context, sessionID, clientID string) error {
	if err := s.client.ZRem(ctx, key(sessionID, "members"), clientID).Err(); err != nil {
		return fmt.Errorf("remove member %s from %s: %w", clientID, sessionID, err)
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, sessionID string) ([]string, error) {
	members, err := s.client.ZRange(ctx, key(sessionID, "members"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", sessionID, err)
	}
	return members, nil
}

func (s *RedisStore) ClearMembers(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, key(sessionID, "members"), key(sessionID, "seq")).Err(); err != nil {
		return fmt.Errorf("clear members of %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) SetNickname(ctx context.Context, sessionID, clientID, nickname string) error {
	k := key(sessionID, "nicknames")
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, k, clientID, nickname)
	s.touch(ctx, pipe, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set nickname %s in %s: %w", clientID, sessionID, err)
	}
	return nil
}

func (s *RedisStore) Nicknames(ctx context.Context, sessionID string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key(sessionID, "nicknames")).Result()
	if err != nil {
		return nil, fmt.Errorf("get nicknames of %s: %w", sessionID, err)
	}
	return m, nil
}

func (s *RedisStore) DeleteNickname(ctx context.Context, sessionID, clientID string) error {
	if err := s.client.HDel(ctx, key(sessionID, "nicknames"), clientID).Err(); err != nil {
		return fmt.Errorf("delete nickname %s in %s: %w", clientID, sessionID, err)
	}
	return nil
}

func (s *RedisStore) ClearNicknames(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, key(sessionID, "nicknames")).Err(); err != nil {
		return fmt.Errorf("clear nicknames of %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) ClaimCreator(ctx context.Context, sessionID, clientID string) (string, bool, error) {
	k := key(sessionID, "creatorId")
	ok, err := s.client.SetNX(ctx, k, clientID, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim creator of %s: %w", sessionID, err)
	}
	if ok {
		return clientID, true, nil
	}
	creator, err := s.Creator(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	return creator, false, nil
}

func (s *RedisStore) Creator(ctx context.Context, sessionID string) (string, error) {
	v, err := s.client.Get(ctx, key(sessionID, "creatorId")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get creator of %s: %w", sessionID, err)
	}
	return v, nil
}

func (s *RedisStore) AppendChat(ctx context.Context, sessionID string, msg models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	k := key(sessionID, "messages")
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, k, data)
	s.touch(ctx, pipe, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append chat to %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) ChatLog(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	raw, err := s.client.LRange(ctx, key(sessionID, "messages"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read chat log of %s: %w", sessionID, err)
	}
	out := make([]models.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode chat message in %s: %w", sessionID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
