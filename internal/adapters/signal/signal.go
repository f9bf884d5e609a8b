package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// WSController owns the websocket endpoint: one persistent bidirectional
// channel per identity, supplied at connect time.
type WSController struct {
	Orch      *app.Orchestrator
	Invites   *InviteRateLimiter
	ReadLimit int64
}

func NewWSController(orch *app.Orchestrator, invites *InviteRateLimiter, readLimit int64) *WSController {
	return &WSController{
		Orch:      orch,
		Invites:   invites,
		ReadLimit: readLimit,
	}
}

// WsSignalConn wraps a gorilla conn behind a buffered send channel so
// pushes never block the caller; a full buffer is a backpressure error.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and registers the identity. Identity
// comes from the uid query param; token issuance is the auth
// collaborator's problem, the core just needs the opaque string.
func (ctl *WSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.Query("uid"))
	user, err := domain.NewUser(uid, c.Query("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "signal").Str("uid", string(uid)).Str("username", user.Username).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.OnConnect(uid, conn)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, uid, conn)
}
