package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDisplayName(t *testing.T) {
	name, err := NormalizeDisplayName("  Alice ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	_, err = NormalizeDisplayName("   ")
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	_, err = NormalizeDisplayName(strings.Repeat("x", MaxDisplayNameLen+1))
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)

	// multi-byte names are limited by runes, not bytes
	_, err = NormalizeDisplayName(strings.Repeat("é", MaxDisplayNameLen))
	assert.NoError(t, err)
}

func TestNewConnectionMintsUniqueIDs(t *testing.T) {
	a, err := NewConnection("room", "Alice")
	require.NoError(t, err)
	b, err := NewConnection("room", "Alice")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, RoomID("room"), a.RoomID)
	assert.False(t, a.ConnectedAt.IsZero())
}

func TestRoomHelpers(t *testing.T) {
	id := NewRoomID()
	assert.Len(t, string(id), 32)
	assert.NotContains(t, string(id), "-")

	now := time.Now()
	r := &Room{ID: id, OwnerName: "Alice", ExpiresAt: now.Add(time.Second)}
	assert.False(t, r.HasPassword())
	assert.False(t, r.IsExpired(now))
	assert.True(t, r.IsExpired(now.Add(time.Second)))
	assert.True(t, r.IsOwner("Alice"))
	assert.False(t, r.IsOwner("alice"))

	anon := &Room{}
	assert.False(t, anon.IsOwner(""))
}
