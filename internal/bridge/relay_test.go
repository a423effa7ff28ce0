package bridge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayRoundTripsThroughAgent(t *testing.T) {
	relay := NewRelay(2*time.Second, zerolog.Nop())
	public := httptest.NewServer(relay.Handler())
	defer public.Close()

	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `","date":"` + r.URL.Query().Get("date") + `","auth":"` + r.Header.Get("Authorization") + `","echo":` + string(body) + `}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := NewAgent(Config{
		PublicWS:   "ws" + strings.TrimPrefix(public.URL, "http") + "/agent",
		ServerID:   "home-1",
		RetryDelay: 20 * time.Millisecond,
	}, local, zerolog.Nop())
	go agent.Run(ctx)

	require.Eventually(t, func() bool { return relay.Online("home-1") }, 5*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, public.URL+"/api/rules?date=2024-06-02", strings.NewReader(`{"x":1}`))
	require.NoError(t, err)
	req.Header.Set("X-Server-ID", "home-1")
	req.Header.Set("Authorization", "Bearer t")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"method":"POST","date":"2024-06-02","auth":"Bearer t","echo":{"x":1}}`, string(body))
}

func TestRelayRejectsUnroutableRequests(t *testing.T) {
	public := httptest.NewServer(NewRelay(time.Second, zerolog.Nop()).Handler())
	defer public.Close()

	resp, err := http.Get(public.URL + "/api/devices")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, StatusMissingServerID, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, public.URL+"/api/devices", nil)
	req.Header.Set("X-Server-ID", "nobody")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, StatusAgentOffline, resp.StatusCode)
}
