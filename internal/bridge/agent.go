// Package bridge tunnels API requests from a public relay to the local server, so
// the mobile app can reach a server that sits behind NAT.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

type Config struct {
	PublicWS   string // ws://host:port/agent
	ServerID   string
	RetryDelay time.Duration
}

type requestMsg struct {
	Type    string            `json:"type"`
	ReqID   string            `json:"reqId"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type responseMsg struct {
	Type   string          `json:"type"`
	ReqID  string          `json:"reqId"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Agent relays requests to handler, which is usually the web server's router.
type Agent struct {
	cfg     Config
	handler http.Handler
	dialer  *websocket.Dialer
	log     zerolog.Logger
}

func NewAgent(cfg Config, handler http.Handler, log zerolog.Logger) *Agent {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Agent{cfg: cfg, handler: handler, dialer: websocket.DefaultDialer, log: log}
}

// Run keeps a relay connection open, reconnecting after RetryDelay, until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	for {
		if err := a.session(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn().Err(err).Str("relay", a.cfg.PublicWS).Msg("relay connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.RetryDelay):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.PublicWS, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(map[string]string{"type": "register", "id": a.cfg.ServerID}); err != nil {
		return fmt.Errorf("register with relay: %w", err)
	}
	a.log.Info().Str("relay", a.cfg.PublicWS).Str("server_id", a.cfg.ServerID).Msg("registered with relay")

	for {
		var req requestMsg
		if err := ws.ReadJSON(&req); err != nil {
			return err
		}
		if req.Type != "request" {
			continue
		}

		resp := a.serve(ctx, req)
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// serve runs one relayed request against the local handler.
func (a *Agent) serve(ctx context.Context, req requestMsg) responseMsg {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Path, bytes.NewReader(req.Body))
	if err != nil {
		a.log.Warn().Err(err).Str("req_id", req.ReqID).Msg("malformed relayed request")
		return responseMsg{Type: "response", ReqID: req.ReqID, Status: http.StatusBadRequest}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httpReq)

	resp := responseMsg{Type: "response", ReqID: req.ReqID, Status: rec.Code}
	if body := rec.Body.Bytes(); json.Valid(body) {
		resp.Body = body
	}
	return resp
}
