package bridge

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Status codes the mobile app reads to tell relay failures from API errors.
const (
	StatusMissingServerID = 490
	StatusAgentOffline    = 491
)

const serverIDHeader = "X-Server-ID"

type agentConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (a *agentConn) send(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return a.ws.WriteJSON(v)
}

// Relay is the public side of the bridge: agents register over a websocket and
// client requests carrying X-Server-ID are forwarded to the matching agent.
type Relay struct {
	timeout  time.Duration
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	agents  map[string]*agentConn
	pending map[string]chan responseMsg
}

func NewRelay(timeout time.Duration, log zerolog.Logger) *Relay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Relay{
		timeout:  timeout,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log,
		agents:   map[string]*agentConn{},
		pending:  map[string]chan responseMsg{},
	}
}

func (r *Relay) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/agent", r.handleAgent)
	router.NoRoute(r.handleClientRequest)
	return router
}

// Online reports whether an agent with id is connected.
func (r *Relay) Online(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[id]
	return ok
}

func (r *Relay) handleAgent(c *gin.Context) {
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	conn := &agentConn{ws: ws}
	var agentID string
	defer func() {
		if agentID == "" {
			return
		}
		r.mu.Lock()
		if r.agents[agentID] == conn {
			delete(r.agents, agentID)
		}
		r.mu.Unlock()
		r.log.Info().Str("agent_id", agentID).Msg("agent disconnected")
	}()

	for {
		var msg struct {
			responseMsg
			ID string `json:"id"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "register":
			if msg.ID == "" || agentID != "" {
				continue
			}
			agentID = msg.ID
			r.mu.Lock()
			r.agents[agentID] = conn
			r.mu.Unlock()
			r.log.Info().Str("agent_id", agentID).Msg("agent registered")

		case "response":
			r.mu.Lock()
			ch, ok := r.pending[msg.ReqID]
			delete(r.pending, msg.ReqID)
			r.mu.Unlock()
			if ok {
				ch <- msg.responseMsg
			}
		}
	}
}

func (r *Relay) handleClientRequest(c *gin.Context) {
	agentID := c.GetHeader(serverIDHeader)
	if agentID == "" {
		c.JSON(StatusMissingServerID, gin.H{"error": "Missing X-Server-ID"})
		return
	}

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	r.mu.Unlock()
	if !ok {
		c.JSON(StatusAgentOffline, gin.H{"error": "Agent offline"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	req := requestMsg{
		Type:    "request",
		ReqID:   uuid.NewString(),
		Method:  c.Request.Method,
		Path:    c.Request.URL.RequestURI(),
		Headers: map[string]string{},
	}
	if json.Valid(body) {
		req.Body = body
	}
	for key, values := range c.Request.Header {
		if len(values) > 0 && key != serverIDHeader {
			req.Headers[key] = values[0]
		}
	}

	respChan := make(chan responseMsg, 1)
	r.mu.Lock()
	r.pending[req.ReqID] = respChan
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ReqID)
		r.mu.Unlock()
	}()

	if err := agent.send(req); err != nil {
		r.log.Warn().Err(err).Str("agent_id", agentID).Msg("forwarding request to agent failed")
		c.JSON(StatusAgentOffline, gin.H{"error": "Agent offline"})
		return
	}

	select {
	case resp := <-respChan:
		if len(resp.Body) == 0 {
			c.Status(resp.Status)
			return
		}
		c.Data(resp.Status, "application/json", resp.Body)
	case <-time.After(r.timeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Timeout"})
	case <-c.Request.Context().Done():
	}
}
