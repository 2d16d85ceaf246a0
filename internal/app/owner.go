package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

type OwnerState int

const (
	StateActive OwnerState = iota
	StateOwnerLeft
	StateClosing
	StateClosed
)

func (s OwnerState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateOwnerLeft:
		return "owner_left"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	ReasonOwnerOffline  = "owner went offline, shutting down room"
	ReasonClosedByOwner = "room closed by owner"
)

// OwnerLifecycleMonitor tears a room down when its owner disconnects and the
// room asked for it. Closing and Closed never go back.
type OwnerLifecycleMonitor struct {
	registry core.RoomRegistry
	pub      Publisher
	now      func() time.Time

	mu     sync.Mutex
	states map[domain.RoomID]OwnerState
}

func NewOwnerLifecycleMonitor(registry core.RoomRegistry, pub Publisher) *OwnerLifecycleMonitor {
	return &OwnerLifecycleMonitor{
		registry: registry,
		pub:      pub,
		now:      time.Now,
		states:   make(map[domain.RoomID]OwnerState),
	}
}

func (m *OwnerLifecycleMonitor) State(roomID domain.RoomID) OwnerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[roomID]
}

// transition moves roomID to next unless it already reached Closing or Closed.
func (m *OwnerLifecycleMonitor) transition(roomID domain.RoomID, next OwnerState) (OwnerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.states[roomID]
	if cur >= StateClosing && next <= cur {
		return cur, false
	}
	m.states[roomID] = next
	return cur, true
}

func (m *OwnerLifecycleMonitor) set(roomID domain.RoomID, s OwnerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[roomID] = s
}

// OnConnect marks an owner reconnect.
func (m *OwnerLifecycleMonitor) OnConnect(room *domain.Room, conn domain.Connection) {
	if room == nil || !room.IsOwner(conn.DisplayName) {
		return
	}
	m.transition(room.ID, StateActive)
}

// OnDisconnect reports whether this call tore the room down.
func (m *OwnerLifecycleMonitor) OnDisconnect(ctx context.Context, room *domain.Room, conn domain.Connection) (bool, error) {
	if room == nil || !room.IsOwner(conn.DisplayName) {
		return false, nil
	}
	if _, ok := m.transition(room.ID, StateOwnerLeft); !ok {
		return false, nil
	}
	log.Info().Str("module", "app.owner").Str("room_id", string(room.ID)).Str("owner", conn.DisplayName).Bool("destroy", room.Preferences.DestroyOnOwnerOffline).Msg("owner disconnected")
	if !room.Preferences.DestroyOnOwnerOffline {
		return false, nil
	}
	return m.Teardown(ctx, room.ID, ReasonOwnerOffline)
}

// Teardown closes roomID cluster-wide. Only the caller that wins the store
// claim publishes the notice, so every member sees it once.
func (m *OwnerLifecycleMonitor) Teardown(ctx context.Context, roomID domain.RoomID, reason string) (bool, error) {
	prev, ok := m.transition(roomID, StateClosing)
	if !ok {
		return false, nil
	}
	logger := log.With().Str("module", "app.owner").Str("room_id", string(roomID)).Logger()

	won, err := m.registry.BeginTeardown(ctx, roomID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m.set(roomID, StateClosed)
		return false, nil
	case err != nil:
		m.set(roomID, prev)
		return false, err
	case !won:
		logger.Debug().Msg("teardown already claimed")
		m.set(roomID, StateClosed)
		return false, nil
	}

	f, err := core.SystemEnvelope(roomID, core.EventRoomClosed, reason, m.now()).Encode()
	if err != nil {
		return false, err
	}
	if err := m.pub.PublishOrLocal(ctx, roomID, f); err != nil {
		logger.Warn().Err(err).Msg("teardown notice not published")
	}
	if err := m.registry.Close(ctx, roomID); err != nil {
		logger.Error().Err(err).Msg("close room after teardown")
		m.set(roomID, StateClosed)
		return true, err
	}
	m.set(roomID, StateClosed)
	logger.Info().Str("reason", reason).Msg("room torn down")
	return true, nil
}

func (m *OwnerLifecycleMonitor) Forget(roomID domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, roomID)
}

// PruneClosed drops Closed entries for rooms keep reports false.
func (m *OwnerLifecycleMonitor) PruneClosed(keep func(domain.RoomID) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.states {
		if s == StateClosed && !keep(id) {
			delete(m.states, id)
			n++
		}
	}
	return n
}
