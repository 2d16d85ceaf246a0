package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type RoomID string

// Preferences are owner-chosen flags fixed at creation.
type Preferences struct {
	DestroyOnOwnerOffline bool `json:"destroy_on_owner_offline"`
}

// Room is the shared metadata of an ephemeral room.
// Password holds whatever the SecretPolicy stored (plain or hashed).
type Room struct {
	ID          RoomID      `json:"room_id"`
	Name        string      `json:"name"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	MaxUsers    int         `json:"max_users"`
	OwnerName   string      `json:"owner_name"`
	Password    string      `json:"-"`
	Preferences Preferences `json:"preferences"`
}

// NewRoomID returns an unguessable 32-char hex id (uuid v4 without dashes).
func NewRoomID() RoomID {
	return RoomID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (r *Room) HasPassword() bool { return r.Password != "" }

func (r *Room) IsExpired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// IsOwner matches by display name; a second user presenting the same name
// is indistinguishable from the owner.
func (r *Room) IsOwner(displayName string) bool {
	return r.OwnerName != "" && r.OwnerName == displayName
}
