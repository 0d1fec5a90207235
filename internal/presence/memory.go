package presence

import (
	"context"
	"sync"

	"github.com/mossy-p/session-relay/internal/models"
)

type memSession struct {
	status    models.Status
	typ       models.SessionType
	creator   string
	members   []string
	nicknames map[string]string
	chat      []models.ChatMessage
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession)}
}

// caller holds s.mu
func (s *MemoryStore) get(sessionID string) *memSession {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memSession{nicknames: make(map[string]string)}
		s.sessions[sessionID] = sess
	}
	return sess
}

func (s *MemoryStore) InitSession(_ context.Context, sessionID string, typ models.SessionType, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	if sess.status == "" {
		sess.status = status
	}
	if sess.typ == "" {
		sess.typ = typ
	}
	return nil
}

func (s *MemoryStore) Status(_ context.Context, sessionID string) (models.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.status == "" {
		return "", ErrNotFound
	}
	return sess.status, nil
}

func (s *MemoryStore) SessionType(_ context.Context, sessionID string) (models.SessionType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.typ == "" {
		return "", ErrNotFound
	}
	return sess.typ, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	if sess.status == models.StatusExpired {
		return false, nil
	}
	sess.status = models.StatusExpired
	return true, nil
}

func (s *MemoryStore) AddMember(_ context.Context, sessionID, clientID string, capacity int) (AddOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	for _, m := range sess.members {
		if m == clientID {
			return AlreadyMember, nil
		}
	}
	if capacity > 0 && len(sess.members) >= capacity {
		return Full, nil
	}
	sess.members = append(sess.members, clientID)
	return Added, nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, sessionID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	for i, m := range sess.members {
		if m == clientID {
			sess.members = append(sess.members[:i], sess.members[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), sess.members...), nil
}

func (s *MemoryStore) ClearMembers(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.members = nil
	}
	return nil
}

func (s *MemoryStore) SetNickname(_ context.Context, sessionID, clientID, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(sessionID).nicknames[clientID] = nickname
	return nil
}

func (s *MemoryStore) Nicknames(_ context.Context, sessionID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if sess, ok := s.sessions[sessionID]; ok {
		for k, v := range sess.nicknames {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteNickname(_ context.Context, sessionID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		delete(sess.nicknames, clientID)
	}
	return nil
}

func (s *MemoryStore) ClearNicknames(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.nicknames = make(map[string]string)
	}
	return nil
}

func (s *MemoryStore) ClaimCreator(_ context.Context, sessionID, clientID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	if sess.creator != "" {
		return sess.creator, false, nil
	}
	sess.creator = clientID
	return clientID, true, nil
}

func (s *MemoryStore) Creator(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.creator, nil
	}
	return "", nil
}

func (s *MemoryStore) AppendChat(_ context.Context, sessionID string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(sessionID)
	sess.chat = append(sess.chat, msg)
	return nil
}

func (s *MemoryStore) ChatLog(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return []models.ChatMessage{}, nil
	}
	return append([]models.ChatMessage{}, sess.chat...), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
