package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRegistry(rdb, core.PlainSecret{}, "node-a"), mr, rdb
}

func createRoom(t *testing.T, r *Registry, p core.CreateRoomParams) *domain.Room {
	t.Helper()
	if p.ExpirySeconds == 0 {
		p.ExpirySeconds = 60
	}
	if p.MaxUsers == 0 {
		p.MaxUsers = 10
	}
	room, err := r.CreateRoom(context.Background(), p)
	require.NoError(t, err)
	return room
}

func conn(t *testing.T, roomID domain.RoomID, name string) domain.Connection {
	t.Helper()
	c, err := domain.NewConnection(roomID, name)
	require.NoError(t, err)
	return *c
}

func TestCreateRoomRejectsNonPositive(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.CreateRoom(ctx, core.CreateRoomParams{ExpirySeconds: 0, MaxUsers: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
	_, err = r.CreateRoom(ctx, core.CreateRoomParams{ExpirySeconds: 10, MaxUsers: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
	_, err = r.CreateRoom(ctx, core.CreateRoomParams{ExpirySeconds: 10, MaxUsers: 1, OwnerName: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestCreateAndGetRoom(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{
		Name:          "standup",
		Password:      "pw",
		ExpirySeconds: 30,
		MaxUsers:      3,
		OwnerName:     "Alice",
		Preferences:   domain.Preferences{DestroyOnOwnerOffline: true},
	})

	assert.Equal(t, 30*time.Second, mr.TTL(metaKey(room.ID)))

	got, err := r.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Name)
	assert.Equal(t, 3, got.MaxUsers)
	assert.Equal(t, "Alice", got.OwnerName)
	assert.True(t, got.HasPassword())
	assert.True(t, got.Preferences.DestroyOnOwnerOffline)
	assert.WithinDuration(t, room.ExpiresAt, got.ExpiresAt, time.Millisecond)
}

func TestGetRoomExpiresWithoutClose(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{ExpirySeconds: 1, MaxUsers: 2})

	mr.FastForward(2 * time.Second)

	_, err := r.GetRoom(context.Background(), room.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTryJoinWrongPasswordDoesNotMutate(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{Password: "pw"})

	_, err := r.TryJoin(context.Background(), room.ID, "nope", conn(t, room.ID, "Bob"))
	assert.ErrorIs(t, err, domain.ErrWrongPassword)
	assert.False(t, mr.Exists(membersKey(room.ID)))

	res, err := r.TryJoin(context.Background(), room.ID, "pw", conn(t, room.ID, "Bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestTryJoinUnknownRoom(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.TryJoin(context.Background(), "missing", "", conn(t, "missing", "Bob"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTryJoinConcurrentRespectsCapacity(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	const capacity, joiners = 5, 40
	room := createRoom(t, r, core.CreateRoomParams{MaxUsers: capacity})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		full     int
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := domain.NewConnection(room.ID, "guest")
			if err != nil {
				t.Error(err)
				return
			}
			_, err = r.TryJoin(context.Background(), room.ID, "", *c)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domain.ErrFull):
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, admitted)
	assert.Equal(t, joiners-capacity, full)
	n, err := r.MemberCount(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, n)
}

func TestTryJoinCountsAndRejoin(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{MaxUsers: 2})
	ctx := context.Background()

	alice := conn(t, room.ID, "Alice")
	res, err := r.TryJoin(ctx, room.ID, "", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	res, err = r.TryJoin(ctx, room.ID, "", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count, "same connection id is not counted twice")

	res, err = r.TryJoin(ctx, room.ID, "", conn(t, room.ID, "Bob"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	_, err = r.TryJoin(ctx, room.ID, "", conn(t, room.ID, "Carol"))
	assert.ErrorIs(t, err, domain.ErrFull)
}

func TestMembershipExpiresWithMeta(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{ExpirySeconds: 10})

	mr.FastForward(4 * time.Second)
	_, err := r.TryJoin(context.Background(), room.ID, "", conn(t, room.ID, "Bob"))
	require.NoError(t, err)

	metaTTL := mr.TTL(metaKey(room.ID))
	assert.InDelta(t, metaTTL.Milliseconds(), mr.TTL(membersKey(room.ID)).Milliseconds(), 5)
	assert.InDelta(t, metaTTL.Milliseconds(), mr.TTL(connsKey(room.ID)).Milliseconds(), 5)

	mr.FastForward(7 * time.Second)
	assert.False(t, mr.Exists(metaKey(room.ID)))
	assert.False(t, mr.Exists(membersKey(room.ID)))
	assert.False(t, mr.Exists(connsKey(room.ID)))
}

func TestLeaveIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{})
	ctx := context.Background()

	bob := conn(t, room.ID, "Bob")
	_, err := r.TryJoin(ctx, room.ID, "", bob)
	require.NoError(t, err)
	_, err = r.TryJoin(ctx, room.ID, "", conn(t, room.ID, "Carol"))
	require.NoError(t, err)

	first, err := r.Leave(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, first.Removed)
	assert.Equal(t, 1, first.Count)
	require.NotNil(t, first.Connection)
	assert.Equal(t, "Bob", first.Connection.DisplayName)

	second, err := r.Leave(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, second.Removed)
	assert.Equal(t, 1, second.Count)
	assert.Nil(t, second.Connection)

	_, err = r.Leave(ctx, "missing", bob.ID)
	assert.NoError(t, err)
}

func TestMembersListsDescriptors(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{})
	ctx := context.Background()
	for _, name := range []string{"Alice", "Bob"} {
		_, err := r.TryJoin(ctx, room.ID, "", conn(t, room.ID, name))
		require.NoError(t, err)
	}

	members, err := r.Members(ctx, room.ID)
	require.NoError(t, err)
	names := []string{members[0].DisplayName, members[1].DisplayName}
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, names)
}

func TestCloseIsIdempotent(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	room := createRoom(t, r, core.CreateRoomParams{})
	ctx := context.Background()
	_, err := r.TryJoin(ctx, room.ID, "", conn(t, room.ID, "Bob"))
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx, room.ID))
	require.NoError(t, r.Close(ctx, room.ID))

	assert.False(t, mr.Exists(metaKey(room.ID)))
	assert.False(t, mr.Exists(membersKey(room.ID)))
	_, err = r.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBeginTeardownHasSingleWinner(t *testing.T) {
	r, _, rdb := newTestRegistry(t)
	other := NewRegistry(rdb, core.PlainSecret{}, "node-b")
	room := createRoom(t, r, core.CreateRoomParams{})
	ctx := context.Background()

	won, err := r.BeginTeardown(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = other.BeginTeardown(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, won)

	_, err = r.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.TryJoin(ctx, room.ID, "", conn(t, room.ID, "Alice"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.BeginTeardown(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBcryptRegistry(t *testing.T) {
	_, _, rdb := newTestRegistry(t)
	r := NewRegistry(rdb, core.BcryptSecret{Cost: 4}, "node-a")
	room := createRoom(t, r, core.CreateRoomParams{Password: "pw"})
	assert.NotEqual(t, "pw", room.Password)

	_, err := r.TryJoin(context.Background(), room.ID, "pw", conn(t, room.ID, "Bob"))
	assert.NoError(t, err)
	_, err = r.TryJoin(context.Background(), room.ID, "bad", conn(t, room.ID, "Eve"))
	assert.ErrorIs(t, err, domain.ErrWrongPassword)
}

func TestBackendUnavailable(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	mr.Close()

	_, err := r.CreateRoom(context.Background(), core.CreateRoomParams{ExpirySeconds: 5, MaxUsers: 2})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	_, err = r.GetRoom(context.Background(), "any")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestBusRoundTrip(t *testing.T) {
	_, _, rdb := newTestRegistry(t)
	bus := NewBus(rdb)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Receive(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrNoMessage)

	require.NoError(t, bus.Publish(ctx, "r1", core.Frame(`{"hello":1}`)))
	require.NoError(t, bus.Publish(ctx, "r2", core.Frame(`other room`)))

	var got core.Frame
	require.Eventually(t, func() bool {
		f, err := sub.Receive(ctx, 50*time.Millisecond)
		if err != nil {
			return false
		}
		got = f
		return true
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"hello":1}`, string(got))

	_, err = sub.Receive(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrNoMessage, "no cross-room leakage")
}

func TestBusPublishFailsWhenStoreDown(t *testing.T) {
	_, mr, rdb := newTestRegistry(t)
	bus := NewBus(rdb)
	mr.Close()
	err := bus.Publish(context.Background(), "r1", core.Frame("x"))
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "room:channel:abc", ChannelName("abc"))
}
