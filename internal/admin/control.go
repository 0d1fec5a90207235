// Package admin holds the privileged session operations: the creator-only
// end-call and the credential-guarded force expire.
package admin

import (
	"context"
	"errors"

	"github.com/mossy-p/session-relay/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPermissionDenied is returned when a non-creator tries to end a call.
var ErrPermissionDenied = errors.New("permission denied")

// Lifecycle is the part of the session manager admin control drives.
type Lifecycle interface {
	Creator(ctx context.Context, sessionID string) (string, error)
	Terminate(ctx context.Context, sessionID, requester string) error
	Expire(ctx context.Context, sessionID string) (bool, error)
	StatusOf(ctx context.Context, sessionID string) (models.Status, error)
}

type Control struct {
	sessions Lifecycle
	logger   zerolog.Logger
}

func NewControl(sessions Lifecycle) *Control {
	return &Control{
		sessions: sessions,
		logger:   log.With().Str("module", "admin").Logger(),
	}
}

// EndCall terminates the session if requester is its recorded creator.
// Otherwise nothing changes and ErrPermissionDenied is returned.
func (c *Control) EndCall(ctx context.Context, sessionID, requester string) error {
	creator, err := c.sessions.Creator(ctx, sessionID)
	if err != nil {
		return err
	}
	if creator == "" || creator != requester {
		c.logger.Warn().Str("session_id", sessionID).Str("client_id", requester).Msg("end-call denied: not the creator")
		return ErrPermissionDenied
	}
	return c.sessions.Terminate(ctx, sessionID, requester)
}

// ForceExpire expires a known session. Callers authenticate first.
func (c *Control) ForceExpire(ctx context.Context, sessionID string) (bool, error) {
	if _, err := c.sessions.StatusOf(ctx, sessionID); err != nil {
		return false, err
	}
	changed, err := c.sessions.Expire(ctx, sessionID)
	if err != nil {
		return false, err
	}
	c.logger.Info().Str("session_id", sessionID).Bool("changed", changed).Msg("session force-expired")
	return changed, nil
}
