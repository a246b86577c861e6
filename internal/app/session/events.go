package session

import (
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/app/media"
	"github.com/dkeye/liveroom/internal/app/peer"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventKind string

const (
	EventPresence    EventKind = "presence"
	EventPeer        EventKind = "peer"
	EventMedia       EventKind = "media"
	EventRemoteTrack EventKind = "remote_track"
	EventMeeting     EventKind = "meeting"
	EventClosed      EventKind = "closed"
)

type Event struct {
	Kind         EventKind             `json:"kind"`
	Room         domain.RoomID         `json:"room"`
	At           time.Time             `json:"at"`
	Participants []domain.Participant  `json:"participants,omitempty"`
	Peer         *peer.SessionInfo     `json:"peer,omitempty"`
	Media        *MediaSnapshot        `json:"media,omitempty"`
	Track        *peer.RemoteTrackInfo `json:"track,omitempty"`
	Meeting      *domain.MeetingRecord `json:"meeting,omitempty"`
	Ended        bool                  `json:"ended,omitempty"`
}

type MediaSnapshot struct {
	HasAudio      bool `json:"has_audio"`
	HasVideo      bool `json:"has_video"`
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

func mediaSnapshot(st media.LocalState) *MediaSnapshot {
	return &MediaSnapshot{
		HasAudio:      st.Audio != nil,
		HasVideo:      st.Video != nil,
		AudioEnabled:  st.AudioEnabled,
		VideoEnabled:  st.VideoEnabled,
		ScreenSharing: st.ScreenSharing,
	}
}

// Snapshot is the session state shown to the UI.
type Snapshot struct {
	Open         bool                   `json:"open"`
	Room         domain.RoomID          `json:"room,omitempty"`
	Self         domain.Participant     `json:"self"`
	Participants []domain.Participant   `json:"participants"`
	Peers        []peer.SessionInfo     `json:"peers"`
	Media        MediaSnapshot          `json:"media"`
	Meeting      *domain.MeetingRecord  `json:"meeting,omitempty"`
	RemoteTracks []peer.RemoteTrackInfo `json:"remote_tracks"`
}

const subscriberBuffer = 64

// feed fans events out to subscribers without ever blocking the publisher.
type feed struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Event)}
}

func (f *feed) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *feed) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "session").Int("subscriber", id).Str("kind", string(ev.Kind)).Msg("subscriber too slow, event dropped")
		}
	}
}
