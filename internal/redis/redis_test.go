package redis

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartplan/internal/models"
)

func requireTestRedis(t *testing.T) string {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	return addr
}

func TestStateCacheRoundTrip(t *testing.T) {
	client := NewRedisClient(requireTestRedis(t))
	defer client.Close()

	ctx := context.Background()
	cache := NewStateCache(client)
	id := uuid.NewString()

	_, err := cache.GetDeviceState(ctx, id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, cache.SetDeviceState(ctx, models.DeviceState{
		DeviceID: id, State: json.RawMessage(`{"on":true}`), UpdatedAt: at,
	}))
	t.Cleanup(func() { client.Del(context.Background(), stateKey(id)) })

	got, err := cache.GetDeviceState(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"on":true}`, string(got.State))
	assert.True(t, at.Equal(got.UpdatedAt))

	ttl, err := client.TTL(ctx, stateKey(id)).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, StateTTL)
}

func TestLivenessTracksHeartbeats(t *testing.T) {
	client := NewRedisClient(requireTestRedis(t))
	defer client.Close()

	ctx := context.Background()
	live := NewLiveness(client)
	user := uuid.NewString()

	online, err := live.Online(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, live.TouchMobile(ctx, user, "token-1"))
	t.Cleanup(func() { client.Del(context.Background(), mobileKey(user, "token-1")) })

	online, err = live.Online(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)
}
