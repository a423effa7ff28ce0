package devicestate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"smartplan/internal/models"
	"smartplan/internal/notify"
	"smartplan/internal/store"
)

type fakeCache struct {
	states map[string]models.DeviceState
	err    error
}

func (f *fakeCache) SetDeviceState(_ context.Context, s models.DeviceState) error {
	if f.err != nil {
		return f.err
	}
	f.states[s.DeviceID] = s
	return nil
}

func (f *fakeCache) GetDeviceState(_ context.Context, id string) (*models.DeviceState, error) {
	s, ok := f.states[id]
	if !ok {
		return nil, errors.New("miss")
	}
	return &s, nil
}

func TestLastWriteWins(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	p := New(mem, nil, nil, zerolog.Nop())

	newer := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	require.NoError(t, p.ApplyCommandOutcome(ctx, "alice", "d1", json.RawMessage(`{"on":true}`), newer))
	require.NoError(t, p.ApplyMobileSnapshot(ctx, "alice", "d1", json.RawMessage(`{"on":false}`), older))

	got, err := p.Get(ctx, "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"on":false}`, string(got.State))
	assert.Equal(t, older, got.UpdatedAt)
}

func TestApplyWritesThroughAndNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	cache := &fakeCache{states: map[string]models.DeviceState{}}
	notifier := notify.NewMockNotifier(ctrl)
	notifier.EXPECT().
		Notify(gomock.Any(), "alice", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, ev models.Event) error {
			assert.Equal(t, models.EventDeviceState, ev.Type)
			assert.Equal(t, "d1", ev.DeviceID)
			return errors.New("nobody listening")
		})

	p := New(store.NewMemory(), cache, notifier, zerolog.Nop())
	require.NoError(t, p.ApplyMobileSnapshot(ctx, "alice", "d1", nil, time.Now()))

	assert.JSONEq(t, `{}`, string(cache.states["d1"].State))
}

func TestCacheFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	p := New(mem, &fakeCache{err: errors.New("redis down")}, nil, zerolog.Nop())

	require.NoError(t, p.ApplyMobileSnapshot(ctx, "alice", "d1", json.RawMessage(`{"brightness":40}`), time.Now()))
	got, err := mem.GetDeviceState(ctx, "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"brightness":40}`, string(got.State))
}

func TestRejectsMalformedState(t *testing.T) {
	p := New(store.NewMemory(), nil, nil, zerolog.Nop())
	err := p.ApplyMobileSnapshot(context.Background(), "alice", "d1", json.RawMessage(`{"on":`), time.Now())
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTransactionalProjectorHoldsEffectsUntilPublish(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cache := &fakeCache{states: map[string]models.DeviceState{}}
	p := New(mem, cache, nil, zerolog.Nop())

	tx := p.With(mem)
	require.NoError(t, tx.ApplyMobileSnapshot(ctx, "alice", "d1", json.RawMessage(`{"on":true}`), time.Now()))
	assert.Empty(t, cache.states)
	_, err := mem.GetDeviceState(ctx, "d1")
	require.NoError(t, err, "the row itself is written through the transaction")

	tx.Publish(ctx)
	assert.Contains(t, cache.states, "d1")

	// published effects are not replayed
	cache.states = map[string]models.DeviceState{}
	tx.Publish(ctx)
	assert.Empty(t, cache.states)
}
