package app

import "github.com/dkeye/Ephemeral/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a local connection whose send failed.
type Policy interface {
	OnBackPressure(roomID domain.RoomID, connID domain.ConnectionID) BackpressureAction
}

// SimplePolicy treats any failed delivery as an implicit disconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.ConnectionID) BackpressureAction {
	return KickMember
}
