package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/liveroom/internal/domain"
)

// ErrConflict is returned by Insert when the room already has an open record.
var ErrConflict = errors.New("room already has an open meeting record")

// MeetingStore persists MeetingRecords shared by every client of a room.
type MeetingStore interface {
	// FindOpen returns the open record of the room, or nil when there is none.
	FindOpen(ctx context.Context, room domain.RoomID) (*domain.MeetingRecord, error)
	Insert(ctx context.Context, rec *domain.MeetingRecord) error
	// End sets ended_at on a still open record and reports whether it changed anything.
	End(ctx context.Context, id string, at time.Time) (bool, error)
}
