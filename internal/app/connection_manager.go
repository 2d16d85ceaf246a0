package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

// ActivityHook is told when a room gains or loses local connections.
type ActivityHook interface {
	StartListener(ctx context.Context, roomID domain.RoomID) error
	StopListener(roomID domain.RoomID)
}

type connEntry struct {
	Conn   domain.Connection
	Handle core.SignalConnection
}

// ConnectionManager owns this process's room -> connection -> handle map.
// All access goes through its methods; the lock is never held while
// calling the hook or a handle.
type ConnectionManager struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]map[domain.ConnectionID]*connEntry
	hook   ActivityHook
	policy Policy
}

func NewConnectionManager(policy Policy) *ConnectionManager {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &ConnectionManager{
		rooms:  make(map[domain.RoomID]map[domain.ConnectionID]*connEntry),
		policy: policy,
	}
}

func (m *ConnectionManager) SetActivityHook(h ActivityHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Register adds the handle and makes sure the room has a ready listener.
// If the listener cannot start the entry is rolled back.
func (m *ConnectionManager) Register(ctx context.Context, conn domain.Connection, h core.SignalConnection) error {
	m.mu.Lock()
	room, ok := m.rooms[conn.RoomID]
	if !ok {
		room = make(map[domain.ConnectionID]*connEntry)
		m.rooms[conn.RoomID] = room
	}
	room[conn.ID] = &connEntry{Conn: conn, Handle: h}
	first := len(room) == 1
	hook := m.hook
	m.mu.Unlock()

	log.Info().Str("module", "app.connections").Str("room_id", string(conn.RoomID)).Str("connection_id", string(conn.ID)).Bool("first", first).Msg("registered connection")

	if hook == nil {
		return nil
	}
	if err := hook.StartListener(ctx, conn.RoomID); err != nil {
		m.Unregister(conn.RoomID, conn.ID)
		return err
	}
	return nil
}

// Unregister reports whether the connection was present.
func (m *ConnectionManager) Unregister(roomID domain.RoomID, connID domain.ConnectionID) bool {
	m.mu.Lock()
	room := m.rooms[roomID]
	_, ok := room[connID]
	delete(room, connID)
	empty := ok && len(room) == 0
	if empty {
		delete(m.rooms, roomID)
	}
	hook := m.hook
	m.mu.Unlock()

	if !ok {
		return false
	}
	log.Info().Str("module", "app.connections").Str("room_id", string(roomID)).Str("connection_id", string(connID)).Bool("room_idle", empty).Msg("unregistered connection")
	if empty && hook != nil {
		hook.StopListener(roomID)
	}
	return true
}

func (m *ConnectionManager) snapshot(roomID domain.RoomID) []*connEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[roomID]
	out := make([]*connEntry, 0, len(room))
	for _, e := range room {
		out = append(out, e)
	}
	return out
}

// BroadcastLocal sends f to every local handle of the room concurrently.
// A failing or panicking target never stops delivery to the others and is
// reported in Dropped.
func (m *ConnectionManager) BroadcastLocal(roomID domain.RoomID, f core.Frame) core.PublishResult {
	targets := m.snapshot(roomID)

	var (
		wg  conc.WaitGroup
		mu  sync.Mutex
		res core.PublishResult
	)
	for _, e := range targets {
		wg.Go(func() {
			sent := false
			// runs on panic too, so a panicking handle counts as dropped
			defer func() {
				mu.Lock()
				defer mu.Unlock()
				if sent {
					res.SendTo++
					return
				}
				res.Dropped = append(res.Dropped, e.Conn.ID)
			}()
			sent = e.Handle.TrySend(f) == nil
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		log.Error().Str("module", "app.connections").Str("room_id", string(roomID)).Str("panic", r.String()).Msg("send panicked")
	}

	for _, id := range res.Dropped {
		switch m.policy.OnBackPressure(roomID, id) {
		case KickMember:
			m.Close(roomID, id)
		case DropFrame, NoAction:
		}
	}
	log.Debug().Str("module", "app.connections").Str("room_id", string(roomID)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Close unregisters the connection and closes its transport.
func (m *ConnectionManager) Close(roomID domain.RoomID, connID domain.ConnectionID) bool {
	h, ok := m.Handle(roomID, connID)
	if !ok {
		return false
	}
	m.Unregister(roomID, connID)
	h.Close()
	return true
}

// CloseRoom delivers final (if any) to every local handle, then closes them
// all. It returns how many connections were closed.
func (m *ConnectionManager) CloseRoom(roomID domain.RoomID, final core.Frame) int {
	m.mu.Lock()
	room := m.rooms[roomID]
	delete(m.rooms, roomID)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil && room != nil {
		hook.StopListener(roomID)
	}
	for _, e := range room {
		if final != nil {
			_ = e.Handle.TrySend(final)
		}
		if rc, ok := e.Handle.(core.ReasonCloser); ok {
			rc.CloseWithReason(core.CloseRoomGone, "room closed")
			continue
		}
		e.Handle.Close()
	}
	if len(room) > 0 {
		log.Info().Str("module", "app.connections").Str("room_id", string(roomID)).Int("closed", len(room)).Msg("closed room locally")
	}
	return len(room)
}

func (m *ConnectionManager) Handle(roomID domain.RoomID, connID domain.ConnectionID) (core.SignalConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rooms[roomID][connID]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

func (m *ConnectionManager) LocalCount(roomID domain.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

func (m *ConnectionManager) Connections(roomID domain.RoomID) []domain.Connection {
	entries := m.snapshot(roomID)
	out := make([]domain.Connection, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Conn)
	}
	return out
}

// ActiveRooms lists rooms with at least one local connection, sorted.
func (m *ConnectionManager) ActiveRooms() []domain.RoomID {
	m.mu.RLock()
	out := make([]domain.RoomID, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
