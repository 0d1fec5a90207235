// Package directory is the durable record of every session. It survives relay
// restarts and presence key expiry.
package directory

import (
	"context"
	"errors"

	"github.com/mossy-p/session-relay/internal/models"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
)

// Directory stores SessionRecords.
type Directory interface {
	Create(ctx context.Context, rec models.SessionRecord) error
	Get(ctx context.Context, sessionID string) (models.SessionRecord, error)
	// UpdateStatus never moves an expired session back to active.
	UpdateStatus(ctx context.Context, sessionID string, status models.Status) error
	// SetCreator records the creator only if none is recorded yet.
	SetCreator(ctx context.Context, sessionID, creatorID string) error
	Ping(ctx context.Context) error
	Close() error
}
