package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Ephemeral/internal/app/orch"
	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Settings tune the socket side of a room connection.
type Settings struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
	RateLimit  int
	RateWindow time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ReadLimit <= 0 {
		s.ReadLimit = 8192
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = 30 * time.Second
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 5 * time.Second
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 32
	}
	if s.RateLimit <= 0 {
		s.RateLimit = 20
	}
	if s.RateWindow <= 0 {
		s.RateWindow = 10 * time.Second
	}
	return s
}

// pongWait is how long a silent peer is tolerated.
func (s Settings) pongWait() time.Duration { return s.PingPeriod * 10 / 9 }

// SignalWSController owns the room sockets. Their lifetime is tied to the
// controller, not to the request or the process signal context.
type SignalWSController struct {
	Orch     *orch.Orchestrator
	Limiter  *RoomRateLimiter
	settings Settings
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	pumps  conc.WaitGroup
}

func NewSignalWSController(o *orch.Orchestrator, s Settings) *SignalWSController {
	s = s.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalWSController{
		Orch:     o,
		Limiter:  NewRoomRateLimiter(s.RateLimit, s.RateWindow),
		settings: s,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Shutdown waits for every socket's pumps to finish, including the
// disconnect each reader runs on exit. Sockets still open when ctx ends are
// cut with a going-away close. Call it after Orch.Shutdown and before the
// store client is closed.
func (ctl *SignalWSController) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := ctl.pumps.WaitAndRecover(); r != nil {
			log.Error().Str("module", "signal").Str("panic", r.String()).Msg("socket pump panicked")
		}
	}()
	select {
	case <-done:
		ctl.cancel()
		return nil
	case <-ctx.Done():
		ctl.cancel()
		return ctx.Err()
	}
}

// WsSignalConn is the per-socket handle given to the connection manager.
// Frames are queued and written by writePump; closing drains the queue
// before the close frame goes out.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu        sync.RWMutex
	closed    bool
	closeCode int
	closeText string
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
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
	c.CloseWithReason(websocket.CloseNormalClosure, "")
}

func (c *WsSignalConn) CloseWithReason(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = reason
	close(c.send)
}

func (c *WsSignalConn) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// HandleRoom upgrades the request and joins the socket to the room in the
// path. A rejected join is reported through the close code.
func (ctl *SignalWSController) HandleRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	sid := c.GetString("client_token")
	name, password := credentials(c, roomID)
	logger := log.With().Str("module", "signal").Str("sid", sid).Str("room_id", string(roomID)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.settings.ReadLimit)
	conn := newWsSignalConn(ws, ctl.settings.SendBuffer)

	ctx, cancel := context.WithCancel(ctl.ctx)
	ctl.pumps.Go(func() { ctl.writePump(ctx, cancel, conn) })

	member, _, err := ctl.Orch.Join(ctx, roomID, password, name, conn)
	if err != nil {
		logger.Info().Err(err).Msg("join refused")
		conn.CloseWithReason(core.CloseCode(err), closeReason(err))
		return
	}
	ctl.pumps.Go(func() { ctl.readPump(ctx, *member, conn) })
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "room not found"
	case errors.Is(err, domain.ErrWrongPassword):
		return "wrong password"
	case errors.Is(err, domain.ErrFull):
		return "room is full"
	case errors.Is(err, domain.ErrInvalidParameters):
		return "invalid parameters"
	default:
		return "service unavailable"
	}
}
