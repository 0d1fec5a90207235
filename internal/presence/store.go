// Package presence holds the live, shared state of every session: status,
// type, creator, members in join order, nicknames and the chat log.
package presence

import (
	"context"
	"errors"

	"github.com/mossy-p/session-relay/internal/models"
)

// ErrNotFound is returned when a session has no presence record.
var ErrNotFound = errors.New("session not found in presence store")

// AddOutcome is the result of an atomic capacity check and add.
type AddOutcome int

const (
	Added AddOutcome = iota
	AlreadyMember
	Full
)

func (o AddOutcome) String() string {
	switch o {
	case Added:
		return "added"
	case AlreadyMember:
		return "already-member"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// Store is shared by every relay process. Implementations must make AddMember
// and ClaimCreator atomic with respect to concurrent callers.
type Store interface {
	// InitSession writes status and type only where they are absent.
	InitSession(ctx context.Context, sessionID string, typ models.SessionType, status models.Status) error
	Status(ctx context.Context, sessionID string) (models.Status, error)
	SessionType(ctx context.Context, sessionID string) (models.SessionType, error)
	// MarkExpired reports whether the status changed.
	MarkExpired(ctx context.Context, sessionID string) (bool, error)

	// AddMember adds clientID unless the session already holds capacity
	// members. A capacity of zero means unbounded.
	AddMember(ctx context.Context, sessionID, clientID string, capacity int) (AddOutcome, error)
	RemoveMember(ctx context.Context, sessionID, clientID string) error
	// Members returns client ids in join order.
	Members(ctx context.Context, sessionID string) ([]string, error)
	ClearMembers(ctx context.Context, sessionID string) error

	SetNickname(ctx context.Context, sessionID, clientID, nickname string) error
	Nicknames(ctx context.Context, sessionID string) (map[string]string, error)
	DeleteNickname(ctx context.Context, sessionID, clientID string) error
	ClearNicknames(ctx context.Context, sessionID string) error

	// ClaimCreator sets the creator if none is set and returns the creator in
	// effect afterwards.
	ClaimCreator(ctx context.Context, sessionID, clientID string) (creator string, claimed bool, err error)
	// Creator returns "" when no creator has been recorded.
	Creator(ctx context.Context, sessionID string) (string, error)

	AppendChat(ctx context.Context, sessionID string, msg models.ChatMessage) error
	ChatLog(ctx context.Context, sessionID string) ([]models.ChatMessage, error)

	Ping(ctx context.Context) error
}
