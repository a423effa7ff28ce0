package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartplan/internal/models"
	"smartplan/internal/store"
)

func TestGateDevice(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateDevice(ctx, &models.Device{ID: "d1", UserID: "alice"}))
	gate := NewGate(mem)

	d, err := gate.Device(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)

	_, foreign := gate.Device(ctx, "bob", "d1")
	_, missing := gate.Device(ctx, "alice", "nope")
	for _, err := range []error{foreign, missing} {
		assert.ErrorIs(t, err, models.ErrDeviceNotOwned)
		assert.ErrorIs(t, err, models.ErrNotFound)
	}
}

func TestGateRuleCommandSchedule(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateRule(ctx, &models.Rule{ID: "r1", UserID: "alice"}))
	require.NoError(t, mem.CreateCommand(ctx, &models.Command{ID: "c1", UserID: "alice"}))
	require.NoError(t, mem.CreateSchedule(ctx, &models.Schedule{ID: "s1", UserID: "alice"}))
	gate := NewGate(mem)

	_, err := gate.Rule(ctx, "alice", "r1")
	require.NoError(t, err)
	_, err = gate.Rule(ctx, "bob", "r1")
	assert.ErrorIs(t, err, models.ErrRuleNotFound)

	_, err = gate.Command(ctx, "alice", "c1")
	require.NoError(t, err)
	_, err = gate.Command(ctx, "bob", "c1")
	assert.ErrorIs(t, err, models.ErrCommandNotFound)

	_, err = gate.Schedule(ctx, "alice", "s1")
	require.NoError(t, err)
	_, err = gate.Schedule(ctx, "bob", "s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type failingLookup struct{ store.Store }

func (failingLookup) GetDevice(context.Context, string) (*models.Device, error) {
	return nil, models.ErrTransientStorage
}

func TestGatePassesThroughStorageFailures(t *testing.T) {
	gate := NewGate(failingLookup{})
	_, err := gate.Device(context.Background(), "alice", "d1")
	assert.True(t, errors.Is(err, models.ErrTransientStorage))
	assert.False(t, errors.Is(err, models.ErrNotFound))
}
