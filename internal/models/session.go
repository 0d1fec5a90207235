package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionType is fixed when a session is created.
type SessionType string

const (
	SessionTypeOneToOne   SessionType = "one-to-one"
	SessionTypeConference SessionType = "conference"
)

// OneToOneCapacity is the member limit of a one-to-one session.
const OneToOneCapacity = 2

// ParseSessionType accepts the canonical names plus the legacy "1to1" alias.
func ParseSessionType(s string) (SessionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(SessionTypeOneToOne), "1to1", "one_to_one":
		return SessionTypeOneToOne, nil
	case string(SessionTypeConference):
		return SessionTypeConference, nil
	default:
		return "", fmt.Errorf("unknown session type %q", s)
	}
}

// Capacity returns the member limit for the session type. Zero means unbounded.
func (t SessionType) Capacity(conferenceCap int) int {
	if t == SessionTypeOneToOne {
		return OneToOneCapacity
	}
	if conferenceCap < 0 {
		return 0
	}
	return conferenceCap
}

// Status is the lifecycle status of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusExpired
}

// CanTransition reports whether a session may move from one status to another.
// Expired is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusActive && to == StatusExpired
}

// Resolve merges two status observations. Expired anywhere wins.
func Resolve(a, b Status) Status {
	if a == StatusExpired || b == StatusExpired {
		return StatusExpired
	}
	if a.Valid() {
		return a
	}
	return b
}

// SessionRecord is the durable directory entry for a session.
type SessionRecord struct {
	ID          string      `json:"id"`
	Nickname    string      `json:"nickname,omitempty"`
	SessionType SessionType `json:"sessionType"`
	Status      Status      `json:"status"`
	CreatorID   string      `json:"creatorId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// RosterEntry is one member as shown to clients.
type RosterEntry struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// ChatMessage is an immutable chat log entry.
type ChatMessage struct {
	ID      string    `json:"id"`
	Sender  string    `json:"sender"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

// Rejection reasons reported in JoinResult.
const (
	ReasonFull    = "full"
	ReasonExpired = "expired"
)

// JoinResult is the outcome of a join attempt.
type JoinResult struct {
	Accepted    bool        `json:"success"`
	IsCreator   bool        `json:"isCreator"`
	SessionType SessionType `json:"sessionType,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// SessionView is the read model returned by the HTTP API.
type SessionView struct {
	SessionRecord
	Members []RosterEntry `json:"members"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Nickname    string `json:"nickname" binding:"max=64"`
	UserID      string `json:"userId" binding:"max=128"`
	SessionType string `json:"sessionType"`
}

// CreateSessionResponse is returned after a session is created.
type CreateSessionResponse struct {
	SessionID   string      `json:"sessionId"`
	ClientID    string      `json:"clientId,omitempty"`
	SessionType SessionType `json:"sessionType"`
}

// JoinSessionRequest is the body of POST /api/sessions/:id/join.
type JoinSessionRequest struct {
	UserID   string `json:"userId" binding:"max=128"`
	Nickname string `json:"nickname" binding:"required,max=64"`
}
