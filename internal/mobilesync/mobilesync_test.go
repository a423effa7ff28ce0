package mobilesync

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

	"smartplan/internal/commands"
	"smartplan/internal/devicestate"
	"smartplan/internal/models"
	"smartplan/internal/notify"
	"smartplan/internal/store"
)

var syncedAt = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func newCoordinator(mem *store.Memory, notifier notify.Notifier, liveness Liveness) *Coordinator {
	projector := devicestate.New(mem, nil, notifier, zerolog.Nop())
	manager := commands.NewManager(mem, projector, nil, nil, zerolog.Nop()).WithClock(func() time.Time { return syncedAt })
	return New(mem, projector, manager, liveness, nil, zerolog.Nop()).WithClock(func() time.Time { return syncedAt })
}

func batch() models.SyncRequest {
	return models.SyncRequest{
		Structures: []models.StructureSync{{ExternalID: "home-1", Name: "Home"}},
		Devices: []models.DeviceSync{
			{ExternalID: "lamp-1", Name: "Lamp", Type: "light", StructureExternalID: strPtr("home-1"), State: json.RawMessage(`{"on":false}`)},
			{ExternalID: "plug-1", Name: "Plug", Type: "plug", StructureExternalID: strPtr("cabin"), State: json.RawMessage(`{"on":true}`)},
		},
	}
}

func TestSyncBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newCoordinator(mem, nil, nil)

	first, err := c.SyncBatch(ctx, "alice", batch())
	require.NoError(t, err)
	assert.Equal(t, 1, first.StructuresCreated)
	assert.Equal(t, 2, first.DevicesCreated)
	assert.Equal(t, 2, first.DevicesCount)

	second, err := c.SyncBatch(ctx, "alice", batch())
	require.NoError(t, err)
	assert.Zero(t, second.StructuresCreated)
	assert.Zero(t, second.DevicesCreated)
	assert.Equal(t, 2, second.DevicesUpdated)

	assert.Equal(t, 1, mem.StructureCount())
	assert.Equal(t, 2, mem.DeviceCount())

	lamp, err := mem.GetDeviceByExternalID(ctx, "alice", "lamp-1")
	require.NoError(t, err)
	require.NotNil(t, lamp.StructureID)
	plug, err := mem.GetDeviceByExternalID(ctx, "alice", "plug-1")
	require.NoError(t, err)
	assert.Nil(t, plug.StructureID, "unknown structure leaves the device unassigned")

	// Same external ids under another user are different rows.
	_, err = c.SyncBatch(ctx, "bob", batch())
	require.NoError(t, err)
	assert.Equal(t, 4, mem.DeviceCount())
}

func TestSyncBatchOneNewOneExisting(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateDevice(ctx, &models.Device{ID: "existing", UserID: "alice", ExternalID: "lamp-1", Name: "Old name"}))

	notifier := notify.NewMockNotifier(ctrl)
	notifier.EXPECT().
		Notify(gomock.Any(), "alice", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, ev models.Event) error {
			assert.Equal(t, models.EventDeviceState, ev.Type)
			return nil
		}).
		Times(2)

	c := newCoordinator(mem, notifier, nil)
	summary, err := c.SyncBatch(ctx, "alice", models.SyncRequest{Devices: batch().Devices})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DevicesCreated)
	assert.Equal(t, 1, summary.DevicesUpdated)

	updated, err := mem.GetDevice(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, "Lamp", updated.Name)
	assert.Equal(t, syncedAt, updated.LastSeenAt)

	state, err := mem.GetDeviceState(ctx, "existing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"on":false}`, string(state.State))
}

func TestSyncBatchRejectsInvalidPayloadWithoutWriting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newCoordinator(mem, nil, nil)

	req := batch()
	req.Devices[1].ExternalID = ""
	_, err := c.SyncBatch(ctx, "alice", req)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, mem.StructureCount())
	assert.Zero(t, mem.DeviceCount())
}

type failingStore struct {
	*store.Memory
}

func (f failingStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx store.Store) error {
		return fn(failOnSecondDevice{Store: tx})
	})
}

type failOnSecondDevice struct {
	store.Store
}

func (f failOnSecondDevice) CreateDevice(ctx context.Context, d *models.Device) error {
	if d.ExternalID == "plug-1" {
		return models.ErrTransientStorage
	}
	return f.Store.CreateDevice(ctx, d)
}

type memoryCache map[string]models.DeviceState

func (m memoryCache) SetDeviceState(_ context.Context, s models.DeviceState) error {
	m[s.DeviceID] = s
	return nil
}

func (m memoryCache) GetDeviceState(_ context.Context, id string) (*models.DeviceState, error) {
	s, ok := m[id]
	if !ok {
		return nil, errors.New("miss")
	}
	return &s, nil
}

func TestSyncBatchRollsBackOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mem := store.NewMemory()
	cache := memoryCache{}
	notifier := notify.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	projector := devicestate.New(mem, cache, notifier, zerolog.Nop())
	c := New(failingStore{mem}, projector, nil, nil, nil, zerolog.Nop())

	_, err := c.SyncBatch(ctx, "alice", batch())
	assert.True(t, errors.Is(err, models.ErrTransientStorage))
	assert.Zero(t, mem.StructureCount())
	assert.Zero(t, mem.DeviceCount())
	assert.Empty(t, cache, "no state of the rolled back batch may be cached")
}

func TestSyncBatchPublishesStateAfterCommit(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mem := store.NewMemory()
	cache := memoryCache{}
	notifier := notify.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), "alice", gomock.Any()).Return(nil).Times(2)
	projector := devicestate.New(mem, cache, notifier, zerolog.Nop())
	c := New(mem, projector, nil, nil, nil, zerolog.Nop()).WithClock(func() time.Time { return syncedAt })

	_, err := c.SyncBatch(ctx, "alice", batch())
	require.NoError(t, err)
	require.Len(t, cache, 2)

	lamp, err := mem.GetDeviceByExternalID(ctx, "alice", "lamp-1")
	require.NoError(t, err)
	got, err := projector.Get(ctx, lamp.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"on":false}`, string(got.State))
}

type recordingLiveness struct{ tokens []string }

func (r *recordingLiveness) TouchMobile(_ context.Context, _, token string) error {
	r.tokens = append(r.tokens, token)
	return errors.New("redis unavailable")
}

func TestHeartbeatReturnsPendingCommands(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	live := &recordingLiveness{}
	c := newCoordinator(mem, nil, live)

	_, err := c.SyncBatch(ctx, "alice", batch())
	require.NoError(t, err)
	lamp, err := mem.GetDeviceByExternalID(ctx, "alice", "lamp-1")
	require.NoError(t, err)

	require.NoError(t, mem.CreateCommand(ctx, &models.Command{
		ID: "c1", UserID: "alice", DeviceID: lamp.ID, Type: models.CommandOnOff,
		Payload: models.OnOff(true), Status: models.CommandQueued, CreatedAt: syncedAt, UpdatedAt: syncedAt,
	}))

	resp, err := c.Heartbeat(ctx, "alice", models.HeartbeatRequest{DeviceToken: "tok", Platform: "android", AppVersion: "1.2.0"})
	require.NoError(t, err)
	require.Len(t, resp.PendingCommands, 1)
	assert.Equal(t, models.CommandSent, resp.PendingCommands[0].Status)
	assert.Equal(t, syncedAt, resp.ServerTime)
	assert.Equal(t, []string{"tok"}, live.tokens)

	_, err = c.Heartbeat(ctx, "alice", models.HeartbeatRequest{})
	assert.ErrorIs(t, err, models.ErrValidation)
}
