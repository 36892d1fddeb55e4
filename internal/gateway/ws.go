// ABOUTME: WebSocket endpoint for agents and the gorilla transport behind each session.
// ABOUTME: Runs one read loop per agent with ping keepalive and read deadlines.

package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayman-m/yaragent/internal/agent"
	"github.com/ayman-m/yaragent/internal/protocol"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	// Heartbeats can carry up to 5000 SBOM entries and 1000 CVEs.
	maxFrameSize = 16 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection to agent.Transport. gorilla allows
// one concurrent writer, so data frames are serialized by mu.
type wsTransport struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn, done: make(chan struct{})}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a going-away close frame and closes the socket. Safe to call
// more than once.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second),
		)
		err = t.conn.Close()
	})
	return err
}

// pingLoop sends periodic pings until the transport closes.
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// connectParams reads the handshake query parameters.
func connectParams(r *http.Request) agent.ConnectParams {
	q := r.URL.Query()
	return agent.ConnectParams{
		AgentID:     q.Get("agent_id"),
		Ephemeral:   protocol.Truthy(q.Get("ephemeral")),
		InstanceID:  strings.TrimSpace(q.Get("instance_id")),
		RuntimeKind: strings.ToLower(strings.TrimSpace(q.Get("runtime"))),
		TenantID:    strings.TrimSpace(q.Get("tenant_id")),
	}
}

// handleAgentWS upgrades an agent connection and runs its session until the
// socket closes.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	params := connectParams(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	g.sessions.Add(1)
	defer g.sessions.Done()

	ctx := context.WithoutCancel(r.Context())
	transport := newWSTransport(ws)
	defer transport.Close()

	conn, err := g.agentManager.Connect(ctx, params, transport)
	if err != nil {
		g.logger.Error("agent session setup failed", "agent_id", params.AgentID, "error", err)
		return
	}
	defer g.agentManager.Disconnect(ctx, conn)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go transport.pingLoop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				g.logger.Debug("agent read ended", "agent_id", conn.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		g.agentManager.HandleFrame(ctx, conn, data)
	}
}
