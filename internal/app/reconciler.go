package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

const (
	DefaultReconcileInterval = 5 * time.Second
	ReasonRoomExpired        = "room expired"
)

// Reconciler periodically aligns local connections with the shared store.
// Rooms that expired or were closed elsewhere are closed here too, and
// connections the store no longer lists are dropped.
type Reconciler struct {
	registry core.RoomRegistry
	local    *ConnectionManager
	owners   *OwnerLifecycleMonitor
	interval time.Duration
	now      func() time.Time
}

func NewReconciler(registry core.RoomRegistry, local *ConnectionManager, owners *OwnerLifecycleMonitor, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{registry: registry, local: local, owners: owners, interval: interval, now: time.Now}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.reconciler").Dur("interval", r.interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.reconciler").Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce returns the number of local connections it closed.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	closed := 0
	for _, id := range r.local.ActiveRooms() {
		closed += r.reconcileRoom(ctx, id)
	}
	if r.owners != nil {
		r.owners.PruneClosed(func(id domain.RoomID) bool { return r.local.LocalCount(id) > 0 })
	}
	return closed
}

func (r *Reconciler) reconcileRoom(ctx context.Context, id domain.RoomID) int {
	logger := log.With().Str("module", "app.reconciler").Str("room_id", string(id)).Logger()

	_, err := r.registry.GetRoom(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		f, err := core.SystemEnvelope(id, core.EventRoomClosed, ReasonRoomExpired, r.now()).Encode()
		if err != nil {
			logger.Error().Err(err).Msg("encode expiry notice")
			f = nil
		}
		n := r.local.CloseRoom(id, f)
		if r.owners != nil {
			r.owners.Forget(id)
		}
		logger.Info().Int("closed", n).Msg("room gone from store")
		return n
	}
	if err != nil {
		// store unreachable; keep local state until it answers again
		logger.Warn().Err(err).Msg("skip reconcile")
		return 0
	}

	// A connection is registered locally only after the store admitted it,
	// so the local snapshot must be taken before members are read.
	local := r.local.Connections(id)
	members, err := r.registry.Members(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("skip member reconcile")
		return 0
	}
	known := make(map[domain.ConnectionID]struct{}, len(members))
	for _, m := range members {
		known[m.ID] = struct{}{}
	}
	n := 0
	for _, c := range local {
		if _, ok := known[c.ID]; ok {
			continue
		}
		if r.local.Close(id, c.ID) {
			n++
			logger.Info().Str("connection_id", string(c.ID)).Msg("closed connection missing from store")
		}
	}
	return n
}
