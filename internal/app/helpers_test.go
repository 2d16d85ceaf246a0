package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ephemeral/internal/adapters/store"
	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

var errHandleFull = errors.New("handle full")

type fakeHandle struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	code   int
	fail   bool
	panics bool
}

func (h *fakeHandle) TrySend(f core.Frame) error {
	if h.panics {
		panic("send exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail || h.closed {
		return errHandleFull
	}
	h.frames = append(h.frames, f)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) CloseWithReason(code int, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.code = code
	h.closed = true
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) envelopes(t *testing.T) []core.Envelope {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.Envelope, 0, len(h.frames))
	for _, f := range h.frames {
		env, err := core.DecodeEnvelope(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (h *fakeHandle) waitFor(t *testing.T, n int) []core.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.frames) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return h.envelopes(t)
}

func countEvents(envs []core.Envelope, event string) int {
	n := 0
	for _, e := range envs {
		if e.Event == event {
			n++
		}
	}
	return n
}

// node is one process worth of wiring against a shared store.
type node struct {
	registry *store.Registry
	conns    *ConnectionManager
	bridge   *PubSubBridge
	presence *PresenceCoordinator
	owners   *OwnerLifecycleMonitor
}

func newStore(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newNode(t *testing.T, rdb *redis.Client, name string) *node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conns := NewConnectionManager(nil)
	bridge := NewPubSubBridge(ctx, store.NewBus(rdb), conns, 20*time.Millisecond)
	conns.SetActivityHook(bridge)
	registry := store.NewRegistry(rdb, core.PlainSecret{}, name)
	t.Cleanup(func() {
		cancel()
		sctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = bridge.Shutdown(sctx)
	})
	return &node{
		registry: registry,
		conns:    conns,
		bridge:   bridge,
		presence: NewPresenceCoordinator(bridge),
		owners:   NewOwnerLifecycleMonitor(registry, bridge),
	}
}

func (n *node) createRoom(t *testing.T, p core.CreateRoomParams) *domain.Room {
	t.Helper()
	if p.ExpirySeconds == 0 {
		p.ExpirySeconds = 60
	}
	if p.MaxUsers == 0 {
		p.MaxUsers = 10
	}
	room, err := n.registry.CreateRoom(context.Background(), p)
	require.NoError(t, err)
	return room
}

// join admits name through the store and registers a fake handle locally.
func (n *node) join(t *testing.T, roomID domain.RoomID, name string) (domain.Connection, *fakeHandle, int) {
	t.Helper()
	c, err := domain.NewConnection(roomID, name)
	require.NoError(t, err)
	res, err := n.registry.TryJoin(context.Background(), roomID, "", *c)
	require.NoError(t, err)
	h := &fakeHandle{}
	require.NoError(t, n.conns.Register(context.Background(), *c, h))
	return *c, h, res.Count
}

func messageFrame(t *testing.T, c domain.Connection, text string) core.Frame {
	t.Helper()
	f, err := core.MessageEnvelope(c, text, time.Now()).Encode()
	require.NoError(t, err)
	return f
}
