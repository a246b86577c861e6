package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

// Memory is an in-process MeetingStore with the same open-record rule as the
// SQL schema.
type Memory struct {
	mu      sync.Mutex
	records map[string]domain.MeetingRecord
	open    map[domain.RoomID]string
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]domain.MeetingRecord),
		open:    make(map[domain.RoomID]string),
	}
}

func (s *Memory) FindOpen(_ context.Context, room domain.RoomID) (*domain.MeetingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.open[room]
	if !ok {
		return nil, nil
	}
	rec := s.records[id]
	return &rec, nil
}

func (s *Memory) Insert(_ context.Context, rec *domain.MeetingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return core.ErrConflict
	}
	if rec.Open() {
		if _, ok := s.open[rec.RoomID]; ok {
			return core.ErrConflict
		}
		s.open[rec.RoomID] = rec.ID
	}
	s.records[rec.ID] = *rec
	return nil
}

func (s *Memory) End(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !rec.Open() {
		return false, nil
	}
	rec.EndedAt = &at
	s.records[id] = rec
	delete(s.open, rec.RoomID)
	return true, nil
}

// Records lists every record of the room by start time.
func (s *Memory) Records(room domain.RoomID) []domain.MeetingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MeetingRecord
	for _, rec := range s.records {
		if rec.RoomID == room {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
