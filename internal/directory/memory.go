package directory

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/session-relay/internal/models"
)

type MemoryDirectory struct {
	mu      sync.RWMutex
	records map[string]models.SessionRecord
}

func NewMemory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[string]models.SessionRecord)}
}

func (d *MemoryDirectory) Create(_ context.Context, rec models.SessionRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.records[rec.ID]; ok {
		return ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	d.records[rec.ID] = rec
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, sessionID string) (models.SessionRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[sessionID]
	if !ok {
		return models.SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (d *MemoryDirectory) UpdateStatus(_ context.Context, sessionID string, status models.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(rec.Status, status) {
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	d.records[sessionID] = rec
	return nil
}

func (d *MemoryDirectory) SetCreator(_ context.Context, sessionID, creatorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	if rec.CreatorID != "" {
		return nil
	}
	rec.CreatorID = creatorID
	rec.UpdatedAt = time.Now().UTC()
	d.records[sessionID] = rec
	return nil
}

func (d *MemoryDirectory) Ping(context.Context) error { return nil }

func (d *MemoryDirectory) Close() error { return nil }
