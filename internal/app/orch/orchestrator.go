package orch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/app"
	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

const DefaultMaxText = 4096

type Orchestrator struct {
	Registry core.RoomRegistry
	Conns    *app.ConnectionManager
	Bridge   *app.PubSubBridge
	Presence *app.PresenceCoordinator
	Owners   *app.OwnerLifecycleMonitor
	Secrets  core.SecretPolicy
	MaxText  int
	Clock    func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

func (o *Orchestrator) maxText() int {
	if o.MaxText > 0 {
		return o.MaxText
	}
	return DefaultMaxText
}

// OnFrame handles one inbound client frame from conn. Message text is
// published to the whole room, sender included; pings need no work here.
// Malformed frames are rejected with an error wrapping
// domain.ErrMalformedMessage and never reach the bus.
func (o *Orchestrator) OnFrame(ctx context.Context, conn domain.Connection, data []byte) error {
	cf, err := o.DecodeFrame(data)
	if err != nil {
		return err
	}
	if cf.Type != core.ClientMessage {
		return nil
	}
	return o.SendMessage(ctx, conn, cf.Text)
}

// DecodeFrame validates a client frame against the configured text limit.
func (o *Orchestrator) DecodeFrame(data []byte) (core.ClientFrame, error) {
	return core.DecodeClientFrame(data, o.maxText())
}

// SendMessage publishes already validated text from conn to its room.
func (o *Orchestrator) SendMessage(ctx context.Context, conn domain.Connection, text string) error {
	f, err := core.MessageEnvelope(conn, text, o.now()).Encode()
	if err != nil {
		return err
	}
	err = o.Bridge.PublishOrLocal(ctx, conn.RoomID, f)
	if errors.Is(err, domain.ErrBackendUnavailable) {
		// already delivered locally
		return nil
	}
	return err
}

// Shutdown closes every local connection with a notice. Their read loops
// then run the usual disconnect path.
func (o *Orchestrator) Shutdown(reason string) int {
	n := 0
	for _, id := range o.Conns.ActiveRooms() {
		var notice core.Frame
		if f, err := core.SystemEnvelope(id, "", reason, o.now()).Encode(); err == nil {
			notice = f
		}
		for _, c := range o.Conns.Connections(id) {
			h, ok := o.Conns.Handle(id, c.ID)
			if !ok {
				continue
			}
			if notice != nil {
				_ = h.TrySend(notice)
			}
			if rc, ok := h.(core.ReasonCloser); ok {
				rc.CloseWithReason(core.CloseUnavailable, reason)
			} else {
				h.Close()
			}
			n++
		}
	}
	log.Info().Str("module", "orch").Int("closed", n).Msg("closed local connections for shutdown")
	return n
}
