package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Ephemeral/internal/domain"
)

// Frame is a raw encoded envelope as it travels over the bus and the socket.
type Frame []byte

// ErrNoMessage is returned by Subscription.Receive when the wait elapsed
// without a message. It is not a failure.
var ErrNoMessage = errors.New("no message")

// ErrBusClosed marks a subscription failure that retrying cannot fix
// (closed client, rejected credentials).
var ErrBusClosed = errors.New("bus closed")

// SignalConnection abstracts for a client messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ReasonCloser is implemented by transports that can tell the peer why they
// were closed.
type ReasonCloser interface {
	CloseWithReason(code int, reason string)
}

// Application close codes sent to clients.
const (
	CloseInvalid      = 4400
	CloseUnauthorized = 4401
	CloseNotFound     = 4404
	CloseFull         = 4409
	CloseRoomGone     = 4410
	CloseUnavailable  = 4503
)

// CloseCode maps a join or teardown error to its close code.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return CloseNotFound
	case errors.Is(err, domain.ErrWrongPassword):
		return CloseUnauthorized
	case errors.Is(err, domain.ErrFull):
		return CloseFull
	case errors.Is(err, domain.ErrInvalidParameters), errors.Is(err, domain.ErrDisplayNameEmpty), errors.Is(err, domain.ErrDisplayNameTooLong):
		return CloseInvalid
	default:
		return CloseUnavailable
	}
}

// CreateRoomParams carries the already-defaulted creation request.
type CreateRoomParams struct {
	Name          string
	Password      string
	ExpirySeconds int
	MaxUsers      int
	OwnerName     string
	Preferences   domain.Preferences
}

// JoinResult is the membership state right after an admitted join.
type JoinResult struct {
	Room  *domain.Room
	Count int
}

// LeaveResult reports whether the call removed anything and the count after it.
// Connection is the stored descriptor of the removed member, if any.
type LeaveResult struct {
	Removed    bool
	Count      int
	Connection *domain.Connection
}

// RoomRegistry is the shared-store view of rooms and their membership sets.
// Every implementation must make TryJoin's capacity check and insert atomic.
type RoomRegistry interface {
	CreateRoom(ctx context.Context, p CreateRoomParams) (*domain.Room, error)
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	TryJoin(ctx context.Context, id domain.RoomID, password string, conn domain.Connection) (JoinResult, error)
	Leave(ctx context.Context, id domain.RoomID, connID domain.ConnectionID) (LeaveResult, error)
	Close(ctx context.Context, id domain.RoomID) error

	BeginTeardown(ctx context.Context, id domain.RoomID) (bool, error)
	Members(ctx context.Context, id domain.RoomID) ([]domain.Connection, error)
	MemberCount(ctx context.Context, id domain.RoomID) (int, error)
}

// Subscription is one live subscription to a room channel.
type Subscription interface {
	// Receive waits at most timeout for the next payload.
	Receive(ctx context.Context, timeout time.Duration) (Frame, error)
	Close() error
}

// Bus is the cross-process fan-out transport, one channel per room.
type Bus interface {
	Publish(ctx context.Context, roomID domain.RoomID, f Frame) error
	Subscribe(ctx context.Context, roomID domain.RoomID) (Subscription, error)
}

// PublishResult reports local delivery stats/backpressure.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ConnectionID
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
	DisplayName  string              `json:"display_name"`
	ConnectedAt  time.Time           `json:"connected_at"`
}

func NewMemberDTO(c domain.Connection) MemberDTO {
	return MemberDTO{ConnectionID: c.ID, DisplayName: c.DisplayName, ConnectedAt: c.ConnectedAt}
}
