package session

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	built := 0
	reg := NewRegistry(func(token string) *Session {
		built++
		return w.session(domain.UserID(token), nil, nil)
	})

	a := reg.GetOrCreate("A")
	assert.Same(t, a, reg.GetOrCreate("A"))
	assert.Equal(t, 1, built)
	_, ok := reg.Get("B")
	assert.False(t, ok)

	require.NoError(t, a.Open(ctx, "R1", domain.Participant{ID: "A", DisplayName: "A"}))
	b := reg.GetOrCreate("B")
	require.NoError(t, b.Open(ctx, "R1", domain.Participant{ID: "B", DisplayName: "B"}))
	assert.Equal(t, 2, reg.Len())

	require.NoError(t, reg.Close(ctx, "A"))
	assert.False(t, a.Snapshot().Open)
	assert.NoError(t, reg.Close(ctx, "A"))
	assert.NoError(t, reg.Close(ctx, "nobody"))
	assert.Same(t, a, reg.GetOrCreate("A"))
	assert.Equal(t, 2, reg.Len())
	require.Eventually(t, func() bool { return len(b.Snapshot().Participants) == 0 }, waitFor, 5*time.Millisecond)

	require.NoError(t, reg.CloseAll(ctx))
	assert.Zero(t, reg.Len())
	assert.False(t, b.Snapshot().Open)
	require.Len(t, w.store.Records("R1"), 1)
	assert.NotNil(t, w.store.Records("R1")[0].EndedAt)
}
