package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartplan/internal/engine"
	"smartplan/internal/metrics"
	"smartplan/internal/models"
	"smartplan/internal/store"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

type staticTokens map[string]string

func (s staticTokens) ValidateToken(token string) (string, error) {
	user, ok := s[strings.TrimPrefix(token, "Bearer ")]
	if !ok {
		return "", errors.New("unknown token")
	}
	return user, nil
}

type nopDispatcher struct{}

func (nopDispatcher) DispatchBoundary(context.Context, models.Boundary) error         { return nil }
func (nopDispatcher) DispatchEvaluation(context.Context, models.EvaluationTask) error { return nil }
func (nopDispatcher) DispatchRebuild(context.Context, string, string) error           { return nil }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	now := time.Date(2024, 6, 2, 0, 30, 0, 0, time.UTC)
	m := metrics.New()
	e := engine.NewEngine(store.NewMemory(), nopDispatcher{}, engine.Options{
		Metrics: m,
		Now:     func() time.Time { return now },
	}, zerolog.Nop())

	return NewWebServer(Dependencies{
		Engine:          e,
		Auth:            staticTokens{aliceToken: "alice", bobToken: "bob"},
		Metrics:         m,
		DefaultTimezone: "UTC",
		Log:             zerolog.Nop(),
	}).Handler()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func syncDevice(t *testing.T, h http.Handler) models.Device {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/api/mobile/sync", aliceToken, models.SyncRequest{
		Devices: []models.DeviceSync{{ExternalID: "plug-1", Name: "Plug", Type: "switch", State: json.RawMessage(`{"on":false}`)}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decode[models.SyncSummary](t, rr).DevicesCreated)

	rr = do(t, h, http.MethodGet, "/api/devices", aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	devices := decode[[]models.Device](t, rr)
	require.Len(t, devices, 1)
	return devices[0]
}

func TestHealthMetricsAndAuth(t *testing.T) {
	h := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = do(t, h, http.MethodGet, "/api/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/devices", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/devices?token="+bobToken, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "query tokens are only read on the websocket handshake")

	rr = do(t, h, http.MethodGet, "/api/devices", bobToken, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `path="/api/devices"`)
}

func TestCommandRoundTripThroughMobileClient(t *testing.T) {
	h := newTestServer(t)
	device := syncDevice(t, h)

	rr := do(t, h, http.MethodPost, "/api/devices/"+device.ID+"/command", aliceToken,
		models.CreateCommandRequest{Type: models.CommandOnOff, Payload: json.RawMessage(`{"on":"yes"}`)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/devices/"+device.ID+"/command", bobToken,
		models.CreateCommandRequest{Type: models.CommandOnOff, Payload: models.OnOff(true)})
	assert.Equal(t, http.StatusNotFound, rr.Code, "foreign devices look missing")

	rr = do(t, h, http.MethodPost, "/api/devices/"+device.ID+"/command", aliceToken,
		models.CreateCommandRequest{Type: models.CommandOnOff, Payload: models.OnOff(true)})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	cmd := decode[models.Command](t, rr)
	assert.Equal(t, models.CommandQueued, cmd.Status)

	rr = do(t, h, http.MethodPost, "/api/mobile/heartbeat", aliceToken, models.HeartbeatRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/mobile/heartbeat", aliceToken, models.HeartbeatRequest{DeviceToken: "phone", Platform: "ios"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	hb := decode[models.HeartbeatResponse](t, rr)
	require.Len(t, hb.PendingCommands, 1)
	assert.Equal(t, cmd.ID, hb.PendingCommands[0].ID)
	assert.Equal(t, models.CommandSent, hb.PendingCommands[0].Status)

	rr = do(t, h, http.MethodPost, "/api/mobile/heartbeat", aliceToken, models.HeartbeatRequest{DeviceToken: "phone"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[models.HeartbeatResponse](t, rr).PendingCommands, "sent commands are not handed out twice")

	rr = do(t, h, http.MethodPost, "/api/mobile/command_result", aliceToken,
		models.CommandResult{CommandID: cmd.ID, Success: true, NewState: json.RawMessage(`{"on":true}`)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.CommandAcked, decode[models.Command](t, rr).Status)

	rr = do(t, h, http.MethodGet, "/api/devices/"+device.ID+"/state", aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"on":true}`, string(decode[models.DeviceState](t, rr).State))

	rr = do(t, h, http.MethodPost, "/api/commands/"+cmd.ID+"/retry", aliceToken, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/devices/"+device.ID+"/commands?limit=x", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/devices/"+device.ID+"/commands", aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.Command](t, rr), 1)
}

func TestRulesPricesAndSchedules(t *testing.T) {
	h := newTestServer(t)
	device := syncDevice(t, h)

	rr := do(t, h, http.MethodPost, "/api/rules", aliceToken, models.CreateRuleRequest{
		DeviceID: device.ID, RuleType: models.RuleMinHoursCheapest, Params: json.RawMessage(`{"min_hours_per_day":0}`), Timezone: "UTC",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/rules", aliceToken, models.CreateRuleRequest{
		DeviceID: device.ID, RuleType: models.RuleMinHoursCheapest, Params: json.RawMessage(`{"min_hours_per_day":2}`), Timezone: "UTC",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rule := decode[models.Rule](t, rr)

	rr = do(t, h, http.MethodGet, "/api/rules/"+rule.ID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/schedules/evaluate", aliceToken, models.EvaluateRequest{DeviceID: device.ID, RuleID: rule.ID})
	assert.Equal(t, http.StatusNotFound, rr.Code, "no prices yet")

	rr = do(t, h, http.MethodPut, "/api/prices/2024-06-02", aliceToken, map[string]any{"prices": []float64{1, 2, 3}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	prices := make([]float64, 24)
	for i := range prices {
		prices[i] = 0.3
	}
	prices[5], prices[6] = 0.01, 0.02
	rr = do(t, h, http.MethodPut, "/api/prices/2024-06-02?timezone=UTC", aliceToken, map[string]any{"prices": prices, "source": "nordpool"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/api/prices/2024-06-02", aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nordpool", decode[models.DayPrice](t, rr).Source)

	rr = do(t, h, http.MethodPost, "/api/schedules/evaluate", aliceToken, models.EvaluateRequest{DeviceID: device.ID, RuleID: rule.ID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/api/schedules/today", aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	today := decode[[]models.Schedule](t, rr)
	require.Len(t, today, 1)
	assert.Equal(t, []models.TimeSlot{{Start: "05:00", End: "07:00", Action: models.ActionOn}}, today[0].Slots)

	rr = do(t, h, http.MethodGet, "/api/schedules?date=2024-06-03", aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/api/schedules/rebuild", aliceToken, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"queued":1}`, rr.Body.String())

	rr = do(t, h, http.MethodDelete, "/api/rules/"+rule.ID, aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/rules", aliceToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}
