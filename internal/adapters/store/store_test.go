package store

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(config.StoreConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]core.MeetingStore {
	return map[string]core.MeetingStore{
		"memory": NewMemory(),
		"sqlite": openSQLite(t),
	}
}

func record(room domain.RoomID, by domain.UserID, at time.Time) *domain.MeetingRecord {
	return &domain.MeetingRecord{ID: uuid.NewString(), RoomID: room, StartedBy: by, StartedAt: at}
}

func TestMeetingStore(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			open, err := s.FindOpen(ctx, "r1")
			require.NoError(t, err)
			assert.Nil(t, open)

			first := record("r1", "alice", start)
			require.NoError(t, s.Insert(ctx, first))

			err = s.Insert(ctx, record("r1", "bob", start.Add(time.Second)))
			assert.ErrorIs(t, err, core.ErrConflict)
			require.NoError(t, s.Insert(ctx, record("r2", "bob", start)))

			open, err = s.FindOpen(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, open)
			assert.Equal(t, first.ID, open.ID)
			assert.Equal(t, domain.UserID("alice"), open.StartedBy)
			assert.True(t, open.Open())

			ended, err := s.End(ctx, first.ID, start.Add(time.Hour))
			require.NoError(t, err)
			assert.True(t, ended)
			ended, err = s.End(ctx, first.ID, start.Add(2*time.Hour))
			require.NoError(t, err)
			assert.False(t, ended)

			open, err = s.FindOpen(ctx, "r1")
			require.NoError(t, err)
			assert.Nil(t, open)

			// A closed record no longer blocks a new meeting.
			require.NoError(t, s.Insert(ctx, record("r1", "carol", start.Add(3*time.Hour))))
		})
	}
}

func TestGormStoreRecords(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := record("r1", "alice", start)
	require.NoError(t, s.Insert(ctx, first))
	_, err := s.End(ctx, first.ID, start.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, record("r1", "carol", start.Add(time.Hour))))

	recs, err := s.Records(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.UserID("alice"), recs[0].StartedBy)
	require.NotNil(t, recs[0].EndedAt)
	assert.True(t, recs[0].EndedAt.Equal(start.Add(time.Minute)))
	assert.Nil(t, recs[1].EndedAt)

	// Migrating twice keeps the schema and the index.
	require.NoError(t, s.Migrate())
	assert.ErrorIs(t, s.Insert(ctx, record("r1", "dave", start)), core.ErrConflict)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}
