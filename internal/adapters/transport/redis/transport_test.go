package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransport(t *testing.T) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{Prefix: "test:", HeartbeatPeriod: time.Hour, PresenceTTL: 2 * time.Hour}), mr
}

func subscribe(t *testing.T, tr *Transport, topic string) core.Subscription {
	t.Helper()
	sub, err := tr.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never ready")
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func waitEvent(t *testing.T, sub core.Subscription, match func(core.TransportEvent) bool) core.TransportEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "events closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func presenceIDs(ev core.TransportEvent) []domain.UserID {
	out := make([]domain.UserID, 0, len(ev.Presence))
	for _, p := range ev.Presence {
		out = append(out, p.Identity)
	}
	return out
}

func TestRedisPresenceSyncAcrossSubscribers(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTransport(t)

	a := subscribe(t, tr, "room:r1")
	b := subscribe(t, tr, "room:r1")

	require.NoError(t, a.Track(ctx, domain.PresenceRecord{Identity: "alice", DisplayName: "Alice"}))
	require.NoError(t, b.Track(ctx, domain.PresenceRecord{Identity: "bob", DisplayName: "Bob"}))

	ev := waitEvent(t, a, func(ev core.TransportEvent) bool {
		return ev.Kind == core.EventPresenceSync && len(ev.Presence) == 2
	})
	assert.Equal(t, []domain.UserID{"alice", "bob"}, presenceIDs(ev))
	assert.Equal(t, "Alice", ev.Presence[0].DisplayName)

	require.NoError(t, b.Untrack(ctx))
	ev = waitEvent(t, a, func(ev core.TransportEvent) bool {
		return ev.Kind == core.EventPresenceSync && len(ev.Presence) == 1
	})
	assert.Equal(t, []domain.UserID{"alice"}, presenceIDs(ev))
}

func TestRedisBroadcastSkipsOrigin(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTransport(t)

	a := subscribe(t, tr, "room:r1")
	b := subscribe(t, tr, "room:r1")

	require.NoError(t, a.Broadcast(ctx, "signal", []byte(`{"kind":"offer"}`)))
	got := waitEvent(t, b, func(ev core.TransportEvent) bool { return ev.Kind == core.EventBroadcast })
	assert.Equal(t, "signal", got.Event)
	assert.JSONEq(t, `{"kind":"offer"}`, string(got.Payload))

	require.NoError(t, b.Broadcast(ctx, "signal", []byte(`{}`)))
	ev := waitEvent(t, a, func(ev core.TransportEvent) bool { return ev.Kind == core.EventBroadcast })
	assert.JSONEq(t, `{}`, string(ev.Payload))
}

func TestRedisExpiredMemberIsPruned(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTransport(t)

	a := subscribe(t, tr, "room:r1")
	b := subscribe(t, tr, "room:r1")
	require.NoError(t, a.Track(ctx, domain.PresenceRecord{Identity: "alice"}))
	waitEvent(t, b, func(ev core.TransportEvent) bool {
		return ev.Kind == core.EventPresenceSync && len(ev.Presence) == 1
	})

	mr.FastForward(3 * time.Hour)
	assert.False(t, mr.Exists("test:presence:room:r1:alice"))

	require.NoError(t, b.Track(ctx, domain.PresenceRecord{Identity: "bob"}))
	ev := waitEvent(t, b, func(ev core.TransportEvent) bool {
		return ev.Kind == core.EventPresenceSync && len(ev.Presence) == 1 && ev.Presence[0].Identity == "bob"
	})
	assert.Equal(t, []domain.UserID{"bob"}, presenceIDs(ev))

	members, err := mr.Members("test:presence:room:r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
}

func TestRedisCloseUntracksAndClosesEvents(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTransport(t)

	a := subscribe(t, tr, "room:r1")
	require.NoError(t, a.Track(ctx, domain.PresenceRecord{Identity: "alice"}))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.False(t, mr.Exists("test:presence:room:r1:alice"))
	assert.ErrorIs(t, a.Broadcast(ctx, "signal", nil), ErrClosed)
	for range a.Events() {
	}
}

func TestRedisFailedUntrackIsRetriedOnClose(t *testing.T) {
	tr, mr := newTransport(t)

	a := subscribe(t, tr, "room:r1")
	require.NoError(t, a.Track(context.Background(), domain.PresenceRecord{Identity: "alice"}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, a.Untrack(cancelled))
	assert.True(t, mr.Exists("test:presence:room:r1:alice"))

	require.NoError(t, a.Close())
	assert.False(t, mr.Exists("test:presence:room:r1:alice"))
	members, _ := mr.Members("test:presence:room:r1")
	assert.Empty(t, members)
}
