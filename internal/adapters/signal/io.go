package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

func (ctl *WSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *WSController) readPump(ctx context.Context, cancel context.CancelFunc, uid domain.UserID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("uid", string(uid)).Msg("readPump closing")
		cancel()
		ctl.Orch.OnDisconnect(uid, c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("uid", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("readPump read error")
				return
			}
			ctl.dispatch(uid, c, data)
		}
	}
}

func (ctl *WSController) dispatch(uid domain.UserID, c *WsSignalConn, data []byte) {
	env, err := domain.ParseEnvelope(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("bad envelope")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch env.Type {
	case domain.MsgPing:
		ctl.handlePing(c)
	case domain.MsgInvite:
		ctl.handleInvite(uid, c, env)
	case domain.MsgAccept, domain.MsgNegotiation, domain.MsgEnd:
		ctl.handleCallSignal(uid, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.sendError(c, "unknown_type")
	}
}

func (ctl *WSController) sendEnvelope(c *WsSignalConn, env domain.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEnvelope marshal")
		return
	}
	_ = c.TrySend(data)
}

func (ctl *WSController) sendError(c *WsSignalConn, reason string) {
	ctl.sendEnvelope(c, domain.Envelope{Type: domain.MsgError, Reason: reason})
}

func (ctl *WSController) handlePing(c *WsSignalConn) {
	ctl.sendEnvelope(c, domain.Envelope{Type: domain.MsgPong})
}
