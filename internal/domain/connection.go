// Package domain contains entity without logic, just meta-data
package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxConnectionIDLen = 36
	MaxDisplayNameLen  = 36
)

type ConnectionID string

// Connection is one client's live session in a room.
// The socket itself never leaves the process; this is only its descriptor.
type Connection struct {
	ID          ConnectionID `json:"connection_id"`
	RoomID      RoomID       `json:"room_id"`
	DisplayName string       `json:"display_name"`
	ConnectedAt time.Time    `json:"connected_at"`
}

// NewConnection mints a fresh connection id for a socket joining roomID.
func NewConnection(roomID RoomID, displayName string) (*Connection, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	return &Connection{
		ID:          ConnectionID(uuid.NewString()),
		RoomID:      roomID,
		DisplayName: name,
		ConnectedAt: time.Now().UTC(),
	}, nil
}

// NormalizeDisplayName trims surrounding whitespace and checks length.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
