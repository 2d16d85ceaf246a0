package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleMessage(ctx context.Context, member domain.Connection, conn *WsSignalConn, text string) {
	if !ctl.Limiter.Allow(member.ID) {
		ctl.sendJSON(conn, core.SystemEnvelope(member.RoomID, core.EventRateLimited, "too many messages, slow down", time.Now()))
		return
	}
	if err := ctl.Orch.SendMessage(ctx, member, text); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("connection_id", string(member.ID)).Msg("message not delivered")
	}
}
