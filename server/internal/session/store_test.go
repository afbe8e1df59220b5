package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-talk/server/internal/model"
)

func sampleState() *model.SessionState {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.SessionState{
		SessionID: "sess-1",
		MissionID: "mission-1",
		UserID:    "user-1",
		Turns: []model.Turn{
			{Role: model.RoleUser, Content: "hello"},
			{Role: model.RoleAssistant, Content: `{"userResponse":"Professor Blue: Hi!"}`},
		},
		Progress:  20,
		StartedAt: now,
		UpdatedAt: now.Add(time.Minute),
	}
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// 两种实现共享同一组行为约定。
func TestStores_SaveGetDelete(t *testing.T) {
	redisStore, _ := newRedisStore(t, time.Hour)
	stores := map[string]Store{
		"memory": NewInMemoryStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "sess-1")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Save(ctx, sampleState()))
			got, err := store.Get(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, sampleState(), got)

			updated := sampleState()
			updated.Progress = 80
			updated.Stopped = true
			require.NoError(t, store.Save(ctx, updated))
			got, err = store.Get(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, 80, got.Progress)
			assert.True(t, got.Stopped)

			require.NoError(t, store.Delete(ctx, "sess-1"))
			_, err = store.Get(ctx, "sess-1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestInMemoryStore_IsolatesCallerMutations(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	state := sampleState()
	require.NoError(t, store.Save(ctx, state))
	state.Turns[0].Content = "mutated"

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Turns[0].Content)

	got.Turns = append(got.Turns, model.Turn{Role: model.RoleUser, Content: "extra"})
	again, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, again.Turns, 2)
}

func TestRedisStore_ExpiresAfterTTL(t *testing.T) {
	store, mr := newRedisStore(t, 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleState()))
	assert.Equal(t, 10*time.Minute, mr.TTL(keyPrefix+"sess-1"))

	mr.FastForward(11 * time.Minute)
	_, err := store.Get(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_CorruptPayload(t *testing.T) {
	store, mr := newRedisStore(t, 0)
	require.NoError(t, mr.Set(keyPrefix+"bad", "{not json"))

	_, err := store.Get(context.Background(), "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore("not-a-url://", time.Minute)
	require.Error(t, err)
}
