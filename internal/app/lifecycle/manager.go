// Package lifecycle keeps the shared "meeting is live" record of a room.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PresenceCounter reports how many participants, self included, are present.
type PresenceCounter interface {
	PresenceCount() int
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs replaces the uuid record id generator.
func WithIDs(next func() string) Option {
	return func(m *Manager) { m.newID = next }
}

type Manager struct {
	store  core.MeetingStore
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

func NewManager(store core.MeetingStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: log.With().Str("module", "lifecycle").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureOpenRecord joins the open meeting of the room or starts one. When another
// client wins the insert race, the open record is read again once; if it is
// still missing the result is a *domain.StoreConflictError.
func (m *Manager) EnsureOpenRecord(ctx context.Context, room domain.RoomID, starter domain.UserID) (domain.MeetingRecord, error) {
	logger := m.logger.With().Str("room", string(room)).Logger()

	open, err := m.store.FindOpen(ctx, room)
	if err != nil {
		return domain.MeetingRecord{}, fmt.Errorf("find open record: %w", err)
	}
	if open != nil {
		logger.Info().Str("record", open.ID).Str("started_by", string(open.StartedBy)).Msg("joining live meeting")
		return *open, nil
	}

	rec := &domain.MeetingRecord{
		ID:        m.newID(),
		RoomID:    room,
		StartedBy: starter,
		StartedAt: m.now().UTC(),
	}
	err = m.store.Insert(ctx, rec)
	if err == nil {
		logger.Info().Str("record", rec.ID).Str("started_by", string(starter)).Msg("meeting started")
		return *rec, nil
	}
	if !errors.Is(err, core.ErrConflict) {
		return domain.MeetingRecord{}, fmt.Errorf("insert record: %w", err)
	}

	logger.Warn().Msg("open record raced, re-reading")
	open, ferr := m.store.FindOpen(ctx, room)
	if ferr != nil {
		return domain.MeetingRecord{}, &domain.StoreConflictError{Room: room, Err: ferr}
	}
	if open == nil {
		return domain.MeetingRecord{}, &domain.StoreConflictError{Room: room, Err: err}
	}
	return *open, nil
}

// CloseIfLast ends the open record when the view counts at most one participant.
// Closing an already ended record is a no-op.
func (m *Manager) CloseIfLast(ctx context.Context, room domain.RoomID, view PresenceCounter) (bool, error) {
	count := view.PresenceCount()
	logger := m.logger.With().Str("room", string(room)).Int("presence", count).Logger()
	if count > 1 {
		return false, nil
	}

	open, err := m.store.FindOpen(ctx, room)
	if err != nil {
		return false, fmt.Errorf("find open record: %w", err)
	}
	if open == nil {
		logger.Debug().Msg("no open record")
		return false, nil
	}
	ended, err := m.store.End(ctx, open.ID, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("end record %s: %w", open.ID, err)
	}
	if ended {
		logger.Info().Str("record", open.ID).Msg("meeting ended")
	}
	return ended, nil
}
