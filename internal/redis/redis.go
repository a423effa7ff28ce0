// Package redis holds the redis-backed caches: the device state write-through copy and
// mobile app liveness.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smartplan/internal/models"
)

const (
	// StateTTL bounds how long a cached state survives without a write.
	StateTTL = time.Hour
	// LivenessTTL is how long a heartbeat keeps a mobile session marked online.
	LivenessTTL = 2 * time.Minute
)

// NewRedisClient creates a Redis client
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func stateKey(deviceID string) string {
	return fmt.Sprintf("device:%s", deviceID)
}

func mobileKey(userID, token string) string {
	return fmt.Sprintf("mobile:%s:%s", userID, token)
}

// StateCache caches device state rows under device:<id>.
type StateCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStateCache wraps client.
func NewStateCache(client redis.Cmdable) *StateCache {
	return &StateCache{client: client, ttl: StateTTL}
}

// SetDeviceState stores s, replacing any previous copy.
func (c *StateCache) SetDeviceState(ctx context.Context, s models.DeviceState) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, stateKey(s.DeviceID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache state of %s: %w", s.DeviceID, err)
	}
	return nil
}

// GetDeviceState returns the cached state, or models.ErrNotFound on a miss.
func (c *StateCache) GetDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	raw, err := c.client.Get(ctx, stateKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: cached state of %s", models.ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, err
	}
	var s models.DeviceState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode cached state of %s: %w", deviceID, err)
	}
	return &s, nil
}

// Liveness marks mobile sessions online for LivenessTTL after each heartbeat.
type Liveness struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewLiveness(client redis.Cmdable) *Liveness {
	return &Liveness{client: client, now: time.Now}
}

// TouchMobile refreshes the liveness key of one app install.
func (l *Liveness) TouchMobile(ctx context.Context, userID, deviceToken string) error {
	return l.client.Set(ctx, mobileKey(userID, deviceToken), l.now().UTC().Format(time.RFC3339), LivenessTTL).Err()
}

// Online reports whether any app install of the user sent a heartbeat recently.
func (l *Liveness) Online(ctx context.Context, userID string) (bool, error) {
	iter := l.client.Scan(ctx, 0, mobileKey(userID, "*"), 100).Iterator()
	if iter.Next(ctx) {
		return true, nil
	}
	return false, iter.Err()
}
