package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartplan/internal/models"
)

func TestWithTxKeepsWritesMadeOutsideTheTransaction(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, mem.CreateCommand(ctx, &models.Command{
		ID: "c1", UserID: "alice", DeviceID: "d0", Type: models.CommandOnOff,
		Payload: models.OnOff(true), Status: models.CommandQueued, CreatedAt: now, UpdatedAt: now,
	}))

	moveTo := func(from, to models.CommandStatus) {
		cmd, err := mem.GetCommand(ctx, "c1")
		require.NoError(t, err)
		cmd.Status = to
		require.NoError(t, mem.UpdateCommand(ctx, cmd, from, 0))
	}

	err := mem.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.CreateDevice(ctx, &models.Device{ID: "d1", UserID: "alice"}))
		moveTo(models.CommandQueued, models.CommandSent)
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, mem.DeviceCount())
	cmd, err := mem.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandSent, cmd.Status, "rollback must not undo a concurrent report")

	err = mem.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.CreateDevice(ctx, &models.Device{ID: "d2", UserID: "alice"}))
		moveTo(models.CommandSent, models.CommandAcked)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mem.DeviceCount())
	cmd, err = mem.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CommandAcked, cmd.Status, "commit must not overwrite entries it did not change")
}

func TestWithTxCommitsDeletesAndLogs(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	require.NoError(t, mem.CreateRule(ctx, &models.Rule{ID: "r1", UserID: "alice", Params: models.MinHoursCheapestParams{MinHoursPerDay: 1}}))

	err := mem.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.DeleteRule(ctx, "r1"))
		return tx.InsertAutomationLog(ctx, &models.AutomationLog{ID: "l1", Action: "rule.deleted"})
	})
	require.NoError(t, err)

	_, err = mem.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Len(t, mem.AutomationLogs(), 1)
}
