// Package session owns every change to a session's members, creator and
// status. Socket and HTTP handlers both go through the Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/session-relay/internal/broadcast"
	"github.com/mossy-p/session-relay/internal/directory"
	"github.com/mossy-p/session-relay/internal/metrics"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/presence"
	"github.com/mossy-p/session-relay/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned for sessions neither store has heard of.
var ErrNotFound = errors.New("session not found")

type Config struct {
	DefaultType        models.SessionType
	ConferenceCapacity int
	// CreatorGracePeriod is how long a session stays active after its creator's
	// last connection leaves. Zero keeps it active indefinitely.
	CreatorGracePeriod time.Duration
}

// JoinRequest is one join attempt. ConnID is empty for HTTP joins, which
// record membership without binding a connection.
type JoinRequest struct {
	SessionID       string
	ClientID        string
	Nickname        string
	ConnID          string
	Type            models.SessionType
	RequireExisting bool
}

// CreateParams describe a session created out of band.
type CreateParams struct {
	Type      models.SessionType
	Nickname  string
	CreatorID string
}

type Manager struct {
	store       presence.Store
	directory   directory.Directory
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	cfg         Config
	locks       *keyedMutex
	logger      zerolog.Logger

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

func NewManager(store presence.Store, dir directory.Directory, reg *registry.Registry, b *broadcast.Broadcaster, cfg Config) *Manager {
	if cfg.DefaultType == "" {
		cfg.DefaultType = models.SessionTypeConference
	}
	return &Manager{
		store:       store,
		directory:   dir,
		registry:    reg,
		broadcaster: b,
		cfg:         cfg,
		locks:       newKeyedMutex(),
		logger:      log.With().Str("module", "session").Logger(),
		timers:      make(map[string]*time.Timer),
	}
}

// Create registers a new session. When CreatorID is set that client is
// recorded as creator and first member.
func (m *Manager) Create(ctx context.Context, p CreateParams) (string, models.SessionType, error) {
	typ := p.Type
	if typ == "" {
		typ = m.cfg.DefaultType
	}
	id := uuid.NewString()

	rec := models.SessionRecord{
		ID:          id,
		Nickname:    p.Nickname,
		SessionType: typ,
		Status:      models.StatusActive,
	}
	if err := m.directory.Create(ctx, rec); err != nil {
		return "", "", fmt.Errorf("create session: %w", err)
	}
	if err := m.store.InitSession(ctx, id, typ, models.StatusActive); err != nil {
		return "", "", fmt.Errorf("create session: %w", err)
	}
	m.logger.Info().Str("session_id", id).Str("type", string(typ)).Msg("session created")

	if p.CreatorID != "" {
		nickname := p.Nickname
		if nickname == "" {
			nickname = p.CreatorID
		}
		res, err := m.Join(ctx, JoinRequest{SessionID: id, ClientID: p.CreatorID, Nickname: nickname})
		if err != nil {
			return "", "", err
		}
		if !res.IsCreator {
			return "", "", fmt.Errorf("create session %s: creator not recorded", id)
		}
	}
	return id, typ, nil
}

func (r JoinRequest) validate() error {
	if r.SessionID == "" || r.ClientID == "" || r.Nickname == "" {
		return fmt.Errorf("%w: sessionId, clientId and nickname are required", models.ErrInvalidEvent)
	}
	return nil
}

// Join adds the client to the session, electing it creator if none is
// recorded. Rejections come back as a JoinResult, not an error, and leave any
// earlier binding of the connection untouched.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (models.JoinResult, error) {
	if err := req.validate(); err != nil {
		return models.JoinResult{}, err
	}

	var prev registry.Binding
	moving := false
	if req.ConnID != "" {
		b, ok := m.registry.Lookup(req.ConnID)
		moving = ok && (b.SessionID != req.SessionID || b.ClientID != req.ClientID)
		prev = b
	}

	unlock := m.locks.Lock(req.SessionID)
	res, err := m.joinLocked(ctx, req, prev, moving)
	unlock()
	if err != nil || !res.Accepted || !moving || prev.SessionID == req.SessionID {
		return res, err
	}

	// session locks are never nested
	unlock = m.locks.Lock(prev.SessionID)
	defer unlock()
	if err := m.depart(ctx, prev); err != nil {
		m.logger.Warn().Err(err).Str("session_id", prev.SessionID).Str("conn_id", req.ConnID).
			Msg("previous session not cleaned up")
	}
	return res, nil
}

// joinLocked does the work of Join. When moving, prev is departed here if it
// belongs to the same session; the caller handles any other session. Caller
// holds the lock for req.SessionID.
func (m *Manager) joinLocked(ctx context.Context, req JoinRequest, prev registry.Binding, moving bool) (models.JoinResult, error) {
	logger := m.logger.With().Str("session_id", req.SessionID).Str("client_id", req.ClientID).Logger()

	status, typ, err := m.ensureSession(ctx, req)
	if err != nil {
		return models.JoinResult{}, err
	}
	if status == models.StatusExpired {
		metrics.JoinRejections.WithLabelValues(models.ReasonExpired).Inc()
		logger.Info().Msg("join rejected: session expired")
		return models.JoinResult{SessionType: typ, Reason: models.ReasonExpired}, nil
	}

	outcome, err := m.store.AddMember(ctx, req.SessionID, req.ClientID, typ.Capacity(m.cfg.ConferenceCapacity))
	if err != nil {
		return models.JoinResult{}, err
	}
	if outcome == presence.Full {
		metrics.JoinRejections.WithLabelValues(models.ReasonFull).Inc()
		logger.Info().Msg("join rejected: session full")
		if req.ConnID != "" {
			_ = m.broadcaster.SendTo(req.ConnID, models.ServerEvent{
				Type: models.EventSessionFull,
				Data: models.SessionFullData{SessionID: req.SessionID, Message: "This session is full"},
			})
		}
		return models.JoinResult{SessionType: typ, Reason: models.ReasonFull}, nil
	}

	// undo only what this call added
	rollback := func() {
		if outcome != presence.Added {
			return
		}
		if err := m.store.RemoveMember(ctx, req.SessionID, req.ClientID); err != nil {
			logger.Error().Err(err).Msg("failed to roll back member")
		}
		if err := m.store.DeleteNickname(ctx, req.SessionID, req.ClientID); err != nil {
			logger.Error().Err(err).Msg("failed to roll back nickname")
		}
	}

	if err := m.store.SetNickname(ctx, req.SessionID, req.ClientID, req.Nickname); err != nil {
		rollback()
		return models.JoinResult{}, err
	}

	creator, claimed, err := m.store.ClaimCreator(ctx, req.SessionID, req.ClientID)
	if err != nil {
		rollback()
		return models.JoinResult{}, err
	}
	if claimed {
		if err := m.directory.SetCreator(ctx, req.SessionID, req.ClientID); err != nil {
			logger.Error().Err(err).Msg("creator recorded in presence store only")
		}
		logger.Info().Msg("creator elected")
	}
	isCreator := creator == req.ClientID
	if isCreator {
		m.cancelGrace(req.SessionID)
	}

	if req.ConnID != "" {
		if err := m.registry.Bind(req.ConnID, req.SessionID, req.ClientID, req.Nickname); err != nil {
			if !errors.Is(err, registry.ErrRebound) {
				rollback()
				return models.JoinResult{}, err
			}
			logger.Info().Str("conn_id", req.ConnID).Str("from", prev.SessionID).Msg("connection moved between sessions")
		}
		// same connection under a new client id: the old identity goes
		if moving && prev.SessionID == req.SessionID {
			if err := m.depart(ctx, prev); err != nil {
				logger.Warn().Err(err).Str("previous_client", prev.ClientID).Msg("previous identity not cleaned up")
			}
		}
		if isCreator {
			_ = m.broadcaster.SendTo(req.ConnID, models.ServerEvent{
				Type: models.EventCreatorSet,
				Data: models.CreatorSetData{SessionID: req.SessionID, CreatorID: creator},
			})
		}
	}

	if err := m.broadcaster.BroadcastRoster(ctx, req.SessionID); err != nil {
		logger.Warn().Err(err).Msg("roster broadcast failed")
	}
	if outcome == presence.Added {
		m.broadcaster.Notify(ctx, req.SessionID, req.Nickname+" has joined the session.")
		if !isCreator {
			ev := models.ServerEvent{
				Type: models.EventClientJoined,
				Data: models.ClientJoinedData{ClientID: req.ClientID, Nickname: req.Nickname},
			}
			if err := m.broadcaster.Emit(ctx, req.SessionID, ev, req.ConnID); err != nil {
				logger.Warn().Err(err).Msg("client-joined not sent")
			}
		}
	}

	metrics.Joins.Inc()
	logger.Info().Bool("creator", isCreator).Str("outcome", outcome.String()).Msg("client joined")
	return models.JoinResult{Accepted: true, IsCreator: isCreator, SessionType: typ}, nil
}

// ensureSession returns the live status and type, seeding the presence store
// from the directory (or creating both records) when the store has none.
// Caller holds the session lock.
func (m *Manager) ensureSession(ctx context.Context, req JoinRequest) (models.Status, models.SessionType, error) {
	status, err := m.store.Status(ctx, req.SessionID)
	if err != nil && !errors.Is(err, presence.ErrNotFound) {
		return "", "", err
	}
	if err == nil {
		typ, err := m.store.SessionType(ctx, req.SessionID)
		if err == nil {
			return status, typ, nil
		}
		if !errors.Is(err, presence.ErrNotFound) {
			return "", "", err
		}
	}

	rec, err := m.directory.Get(ctx, req.SessionID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		if req.RequireExisting {
			return "", "", ErrNotFound
		}
		rec = models.SessionRecord{
			ID:          req.SessionID,
			Nickname:    req.Nickname,
			SessionType: req.Type,
			Status:      models.StatusActive,
		}
		if rec.SessionType == "" {
			rec.SessionType = m.cfg.DefaultType
		}
		if err := m.directory.Create(ctx, rec); err != nil {
			if !errors.Is(err, directory.ErrAlreadyExists) {
				return "", "", err
			}
			if rec, err = m.directory.Get(ctx, req.SessionID); err != nil {
				return "", "", err
			}
		} else {
			m.logger.Info().Str("session_id", req.SessionID).Str("type", string(rec.SessionType)).Msg("session created on first join")
		}
	case err != nil:
		return "", "", err
	}

	if err := m.store.InitSession(ctx, req.SessionID, rec.SessionType, rec.Status); err != nil {
		return "", "", err
	}
	if rec.Status == models.StatusExpired {
		if _, err := m.store.MarkExpired(ctx, req.SessionID); err != nil {
			return "", "", err
		}
	}
	if rec.CreatorID != "" {
		if _, _, err := m.store.ClaimCreator(ctx, req.SessionID, rec.CreatorID); err != nil {
			return "", "", err
		}
	}

	status, err = m.store.Status(ctx, req.SessionID)
	if err != nil {
		return "", "", err
	}
	typ, err := m.store.SessionType(ctx, req.SessionID)
	if err != nil {
		return "", "", err
	}
	return status, typ, nil
}

// Leave detaches connID from sessionID. Leaving a session the connection is
// not bound to is a no-op.
func (m *Manager) Leave(ctx context.Context, sessionID, connID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	b, ok := m.registry.Lookup(connID)
	if !ok || b.SessionID != sessionID {
		return nil
	}
	if _, ok := m.registry.Unbind(connID); !ok {
		return nil
	}
	return m.depart(ctx, b)
}

// Disconnect runs the implicit leave for a closed connection. Only the first
// call for a connection does anything.
func (m *Manager) Disconnect(ctx context.Context, connID string) error {
	b, ok := m.registry.Detach(connID)
	if !ok {
		return nil
	}
	unlock := m.locks.Lock(b.SessionID)
	defer unlock()
	return m.depart(ctx, b)
}

// depart cleans up after an unbound connection. Caller holds the session lock.
func (m *Manager) depart(ctx context.Context, b registry.Binding) error {
	logger := m.logger.With().Str("session_id", b.SessionID).Str("client_id", b.ClientID).Str("conn_id", b.ConnID).Logger()

	var errs []error
	lastConn := m.registry.ClientConns(b.SessionID, b.ClientID) == 0
	if lastConn {
		if err := m.store.RemoveMember(ctx, b.SessionID, b.ClientID); err != nil {
			errs = append(errs, err)
		}
		if err := m.store.DeleteNickname(ctx, b.SessionID, b.ClientID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.broadcaster.BroadcastRoster(ctx, b.SessionID); err != nil {
		logger.Warn().Err(err).Msg("roster broadcast failed")
	}
	if lastConn {
		m.broadcaster.Notify(ctx, b.SessionID, b.Nickname+" has left the call.")
		creator, err := m.store.Creator(ctx, b.SessionID)
		if err != nil {
			errs = append(errs, err)
		} else if creator == b.ClientID {
			m.scheduleGrace(b.SessionID, b.ClientID)
		}
	}
	logger.Info().Msg("client left")
	return errors.Join(errs...)
}

// Expire moves the session to expired. It reports whether anything changed.
func (m *Manager) Expire(ctx context.Context, sessionID string) (bool, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()
	return m.expireLocked(ctx, sessionID)
}

func (m *Manager) expireLocked(ctx context.Context, sessionID string) (bool, error) {
	changed, err := m.store.MarkExpired(ctx, sessionID)
	if err != nil {
		return false, err
	}

	err = m.directory.UpdateStatus(ctx, sessionID, models.StatusExpired)
	if errors.Is(err, directory.ErrNotFound) {
		typ, terr := m.store.SessionType(ctx, sessionID)
		if terr != nil {
			typ = m.cfg.DefaultType
		}
		err = m.directory.Create(ctx, models.SessionRecord{ID: sessionID, SessionType: typ, Status: models.StatusExpired})
	}
	if err != nil {
		return changed, err
	}

	m.cancelGrace(sessionID)
	if changed {
		metrics.SessionsExpired.Inc()
		m.logger.Info().Str("session_id", sessionID).Msg("session expired")
		ev := models.ServerEvent{
			Type: models.EventSessionStatus,
			Data: models.SessionStatusData{SessionID: sessionID, Status: models.StatusExpired},
		}
		if err := m.broadcaster.Emit(ctx, sessionID, ev, ""); err != nil {
			m.logger.Warn().Str("session_id", sessionID).Err(err).Msg("session-status not sent")
		}
	}
	return changed, nil
}

// Terminate ends the session on behalf of its creator: expire, tell every
// member, then drop members and nicknames. The creator id is kept.
func (m *Manager) Terminate(ctx context.Context, sessionID, requester string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.expireLocked(ctx, sessionID); err != nil {
		return err
	}

	nicknames, err := m.store.Nicknames(ctx, sessionID)
	if err != nil {
		return err
	}
	ev := models.ServerEvent{
		Type: models.EventEndCall,
		Data: models.EndCallData{SessionID: sessionID, UserID: requester, CreatorNickname: nicknames[requester]},
	}
	if err := m.broadcaster.Emit(ctx, sessionID, ev, ""); err != nil {
		m.logger.Warn().Str("session_id", sessionID).Err(err).Msg("end-call not sent")
	}

	var errs []error
	if err := m.store.ClearNicknames(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.ClearMembers(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	dropped := m.registry.UnbindSession(sessionID)
	m.logger.Info().Str("session_id", sessionID).Str("client_id", requester).
		Int("connections", len(dropped)).Msg("call ended by creator")
	return errors.Join(errs...)
}

// StatusOf reconciles the two stores. The presence store wins a disagreement,
// except that expired is never undone.
func (m *Manager) StatusOf(ctx context.Context, sessionID string) (models.Status, error) {
	live, err := m.store.Status(ctx, sessionID)
	if err != nil && !errors.Is(err, presence.ErrNotFound) {
		return "", err
	}
	rec, err := m.directory.Get(ctx, sessionID)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return "", err
	}
	if live == "" && !hasRecord {
		return "", ErrNotFound
	}

	resolved := models.Resolve(live, rec.Status)
	if hasRecord && rec.Status != resolved {
		if err := m.directory.UpdateStatus(ctx, sessionID, resolved); err != nil {
			return "", err
		}
	}
	switch {
	case live == "":
		if err := m.store.InitSession(ctx, sessionID, rec.SessionType, resolved); err != nil {
			return "", err
		}
	case live != resolved:
		if _, err := m.store.MarkExpired(ctx, sessionID); err != nil {
			return "", err
		}
	}
	return resolved, nil
}

// Describe returns the session record with its live status, creator and roster.
func (m *Manager) Describe(ctx context.Context, sessionID string) (models.SessionView, error) {
	status, err := m.StatusOf(ctx, sessionID)
	if err != nil {
		return models.SessionView{}, err
	}
	rec, err := m.directory.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return models.SessionView{}, err
	}
	rec.ID = sessionID
	rec.Status = status

	if typ, err := m.store.SessionType(ctx, sessionID); err == nil {
		rec.SessionType = typ
	}
	if creator, err := m.store.Creator(ctx, sessionID); err != nil {
		return models.SessionView{}, err
	} else if creator != "" {
		rec.CreatorID = creator
	}

	roster, err := m.broadcaster.Roster(ctx, sessionID)
	if err != nil {
		return models.SessionView{}, err
	}
	return models.SessionView{SessionRecord: rec, Members: roster}, nil
}

// History returns the chat log in append order.
func (m *Manager) History(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	if _, err := m.StatusOf(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ChatLog(ctx, sessionID)
}

// Creator returns the recorded creator, "" if none.
func (m *Manager) Creator(ctx context.Context, sessionID string) (string, error) {
	return m.store.Creator(ctx, sessionID)
}

func (m *Manager) scheduleGrace(sessionID, creatorID string) {
	if m.cfg.CreatorGracePeriod <= 0 {
		return
	}
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(m.cfg.CreatorGracePeriod, func() {
		m.expireAbandoned(sessionID, creatorID)
	})
	m.logger.Info().Str("session_id", sessionID).Dur("grace", m.cfg.CreatorGracePeriod).Msg("creator left, expiry scheduled")
}

func (m *Manager) cancelGrace(sessionID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

func (m *Manager) expireAbandoned(sessionID, creatorID string) {
	m.timersMu.Lock()
	delete(m.timers, sessionID)
	m.timersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// the creator may have come back through another relay process
	members, err := m.store.Members(ctx, sessionID)
	if err != nil {
		m.logger.Error().Str("session_id", sessionID).Err(err).Msg("abandoned session check failed")
		return
	}
	for _, id := range members {
		if id == creatorID {
			return
		}
	}

	changed, err := m.Expire(ctx, sessionID)
	if err != nil {
		m.logger.Error().Str("session_id", sessionID).Err(err).Msg("failed to expire abandoned session")
		return
	}
	if changed {
		m.broadcaster.Notify(ctx, sessionID, "The session has ended because its creator left.")
	}
}

// Shutdown stops pending creator-absence timers.
func (m *Manager) Shutdown() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
