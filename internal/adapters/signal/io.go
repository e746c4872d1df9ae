package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
	"github.com/dkeye/callbridge/internal/metrics"
)

// writePump is the only writer of data frames for c. It owns the socket and
// closes it on exit.
func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(core.CloseGoingAway, "server shutting down"),
				time.Now().Add(ctl.opts.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, c.closeFrame(), time.Now().Add(ctl.opts.WriteWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump handles messages from one connection strictly in arrival order.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnectionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Orch.Disconnect(id)
		ctl.Limiter.Forget(id)
		c.Close(core.CloseNormal, "")
		cancel()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		if !ctl.Limiter.Allow(id) {
			ctl.Orch.Drop(metrics.DropRateLimited, id)
			continue
		}
		ctl.Orch.Handle(id, data)
	}
}
