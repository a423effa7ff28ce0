package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentRelaysRequestsToLocalHandler(t *testing.T) {
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	})

	done := make(chan responseMsg, 2)
	upgrader := websocket.Upgrader{}
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var reg map[string]string
		if err := conn.ReadJSON(&reg); err != nil || reg["type"] != "register" || reg["id"] != "home-1" {
			return
		}
		for i, headers := range []map[string]string{{"Authorization": "Bearer t"}, nil} {
			req := requestMsg{Type: "request", ReqID: string(rune('a' + i)), Method: http.MethodGet, Path: "/api/devices", Headers: headers}
			if err := conn.WriteJSON(req); err != nil {
				return
			}
			var resp responseMsg
			if err := conn.ReadJSON(&resp); err != nil {
				return
			}
			done <- resp
		}
	}))
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := NewAgent(Config{
		PublicWS:   "ws" + strings.TrimPrefix(relay.URL, "http"),
		ServerID:   "home-1",
		RetryDelay: 50 * time.Millisecond,
	}, local, zerolog.Nop())
	go agent.Run(ctx)

	for _, want := range []struct {
		id     string
		status int
		body   string
	}{{"a", http.StatusOK, `{"path":"/api/devices"}`}, {"b", http.StatusUnauthorized, ""}} {
		select {
		case resp := <-done:
			assert.Equal(t, "response", resp.Type)
			assert.Equal(t, want.id, resp.ReqID)
			assert.Equal(t, want.status, resp.Status)
			if want.body == "" {
				assert.Empty(t, resp.Body)
			} else {
				require.NotNil(t, resp.Body)
				assert.JSONEq(t, want.body, string(resp.Body))
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no response relayed")
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	agent := NewAgent(Config{PublicWS: "ws://127.0.0.1:1/agent", RetryDelay: 10 * time.Millisecond}, http.NotFoundHandler(), zerolog.Nop())

	stopped := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("agent kept running after cancel")
	}
}
