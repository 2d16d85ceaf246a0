package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

// Publisher sends an encoded envelope to every connection of a room.
type Publisher interface {
	PublishOrLocal(ctx context.Context, roomID domain.RoomID, f core.Frame) error
}

// PresenceCoordinator announces joins and departures. The count passed in
// must be the one returned by the store operation that caused the event.
type PresenceCoordinator struct {
	pub Publisher
	now func() time.Time
}

func NewPresenceCoordinator(pub Publisher) *PresenceCoordinator {
	return &PresenceCoordinator{pub: pub, now: time.Now}
}

func (p *PresenceCoordinator) Online(ctx context.Context, conn domain.Connection, count int) error {
	return p.announce(ctx, conn, core.EventUserOnline, count)
}

func (p *PresenceCoordinator) Offline(ctx context.Context, conn domain.Connection, count int) error {
	return p.announce(ctx, conn, core.EventUserOffline, count)
}

func (p *PresenceCoordinator) announce(ctx context.Context, conn domain.Connection, event string, count int) error {
	f, err := core.PresenceEnvelope(conn, event, count, p.now()).Encode()
	if err != nil {
		return err
	}
	log.Debug().Str("module", "app.presence").Str("room_id", string(conn.RoomID)).Str("connection_id", string(conn.ID)).Str("event", event).Int("online_count", count).Msg("presence")
	return p.pub.PublishOrLocal(ctx, conn.RoomID, f)
}
