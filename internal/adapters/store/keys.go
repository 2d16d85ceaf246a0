package store

import "github.com/dkeye/Ephemeral/internal/domain"

func metaKey(id domain.RoomID) string    { return "room:meta:" + string(id) }
func membersKey(id domain.RoomID) string { return "room:members:" + string(id) }
func connsKey(id domain.RoomID) string   { return "room:conns:" + string(id) }

// ChannelName is the pub/sub topic of a room. It is never stored.
func ChannelName(id domain.RoomID) string { return "room:channel:" + string(id) }

// meta hash fields
const (
	fieldID        = "id"
	fieldName      = "name"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldMaxUsers  = "max_users"
	fieldOwnerName = "owner_name"
	fieldPassword  = "password"
	fieldPrefs     = "preferences"
	fieldClosing   = "closing"
)
