package domain

import "time"

type RoomID string

// Topic is the pub/sub topic every client of a room subscribes to.
func (r RoomID) Topic() string {
	return "room:" + string(r)
}

// PresenceRecord is what a client publishes about itself on a room topic.
type PresenceRecord struct {
	Identity    UserID    `json:"identity"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

func (r PresenceRecord) Participant() Participant {
	return Participant{ID: r.Identity, DisplayName: r.DisplayName}
}

// MeetingRecord marks a room as live while EndedAt is nil.
// At most one record per room may be open at any time.
type MeetingRecord struct {
	ID        string     `json:"id"`
	RoomID    RoomID     `json:"room_id"`
	StartedBy UserID     `json:"started_by"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (m *MeetingRecord) Open() bool { return m.EndedAt == nil }
