package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/app/orch"
	"github.com/dkeye/callbridge/internal/auth"
	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/metrics"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Verifier auth.Verifier
	Limiter  *ConnRateLimiter

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, v auth.Verifier, limiter *ConnRateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:     o,
		Verifier: v,
		Limiter:  limiter,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn is the adapter side of one browser connection. All data
// frames go through the send channel and the write pump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued, sends
// the close frame and releases the socket.
func (c *WsSignalConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *WsSignalConn) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	// Token is checked before the registry sees the connection.
	token, _ := auth.TokenFromQuery(c.Request.URL.Query())
	identity, err := ctl.Verifier.Verify(token)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("rejecting connection")
		ctl.Orch.Drop(metrics.DropAuthRejected, "")
		writeClose(ws, core.ClosePolicyViolation, "invalid token", ctl.opts.WriteWait)
		_ = ws.Close()
		return
	}

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	id := ctl.Orch.Admit(conn)
	log.Info().
		Str("module", "signal").
		Str("conn", string(id)).
		Str("subject", identity.Subject).
		Str("browser", c.GetString("client_token")).
		Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}

func writeClose(ws *websocket.Conn, code int, reason string, wait time.Duration) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wait))
}
