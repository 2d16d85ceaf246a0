package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/app"
	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

// RoomDetails is the public view of a room.
type RoomDetails struct {
	Room   *domain.Room
	Online []core.MemberDTO
}

func (o *Orchestrator) secrets() core.SecretPolicy {
	if o.Secrets != nil {
		return o.Secrets
	}
	return core.PlainSecret{}
}

func (o *Orchestrator) CreateRoom(ctx context.Context, p core.CreateRoomParams) (*domain.Room, error) {
	return o.Registry.CreateRoom(ctx, p)
}

// RoomDetails requires the room password when one is set.
func (o *Orchestrator) RoomDetails(ctx context.Context, id domain.RoomID, password string) (*RoomDetails, error) {
	room, err := o.authorize(ctx, id, password)
	if err != nil {
		return nil, err
	}
	members, err := o.Registry.Members(ctx, id)
	if err != nil {
		return nil, err
	}
	online := make([]core.MemberDTO, 0, len(members))
	for _, m := range members {
		online = append(online, core.NewMemberDTO(m))
	}
	return &RoomDetails{Room: room, Online: online}, nil
}

// CheckJoin validates a join ahead of opening a socket. It does not admit
// anyone, so Full here is advisory.
func (o *Orchestrator) CheckJoin(ctx context.Context, id domain.RoomID, password, displayName string) (*domain.Room, string, error) {
	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return nil, "", fmt.Errorf("%w: display_name: %w", domain.ErrInvalidParameters, err)
	}
	room, err := o.authorize(ctx, id, password)
	if err != nil {
		return nil, "", err
	}
	n, err := o.Registry.MemberCount(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if n >= room.MaxUsers {
		return nil, "", domain.ErrFull
	}
	return room, name, nil
}

func (o *Orchestrator) authorize(ctx context.Context, id domain.RoomID, password string) (*domain.Room, error) {
	room, err := o.Registry.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if !core.CheckSecret(o.secrets(), room.Password, password) {
		return nil, domain.ErrWrongPassword
	}
	return room, nil
}

// Join admits a new connection into the room and binds it to h.
// On success h has already been sent the welcome notice and the room has
// been told the connection is online.
func (o *Orchestrator) Join(ctx context.Context, id domain.RoomID, password, displayName string, h core.SignalConnection) (*domain.Connection, *domain.Room, error) {
	conn, err := domain.NewConnection(id, displayName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: display_name: %w", domain.ErrInvalidParameters, err)
	}
	logger := log.With().Str("module", "orch").Str("room_id", string(id)).Str("connection_id", string(conn.ID)).Logger()

	res, err := o.Registry.TryJoin(ctx, id, password, *conn)
	if err != nil {
		logger.Info().Err(err).Msg("join rejected")
		return nil, nil, err
	}

	if err := o.Conns.Register(ctx, *conn, h); err != nil {
		logger.Error().Err(err).Msg("register failed, rolling back membership")
		if _, lerr := o.Registry.Leave(context.WithoutCancel(ctx), id, conn.ID); lerr != nil {
			logger.Warn().Err(lerr).Msg("rollback leave")
		}
		return nil, nil, err
	}
	o.Owners.OnConnect(res.Room, *conn)

	welcome := core.SystemEnvelope(id, core.EventWelcome, "welcome to "+roomLabel(res.Room), o.now())
	welcome.ConnectionID = conn.ID
	welcome.DisplayName = conn.DisplayName
	if f, err := welcome.Encode(); err == nil {
		_ = h.TrySend(f)
	}
	if err := o.Presence.Online(ctx, *conn, res.Count); err != nil {
		logger.Warn().Err(err).Msg("online presence")
	}
	logger.Info().Str("display_name", conn.DisplayName).Int("online", res.Count).Msg("joined")
	return conn, res.Room, nil
}

func roomLabel(r *domain.Room) string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.ID)
}

// Disconnect is the single exit path for a transport that went away.
// It is safe to call more than once.
func (o *Orchestrator) Disconnect(ctx context.Context, conn domain.Connection) {
	o.Conns.Unregister(conn.RoomID, conn.ID)
	if _, err := o.leave(ctx, conn.RoomID, conn.ID, &conn); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room_id", string(conn.RoomID)).Str("connection_id", string(conn.ID)).Msg("disconnect leave")
	}
}

// Leave removes connID from the room. A connection held by this process is
// closed and leaves through Disconnect; otherwise the store entry is removed
// directly. Leaving twice is not an error.
func (o *Orchestrator) Leave(ctx context.Context, id domain.RoomID, connID domain.ConnectionID) error {
	if o.Conns.Close(id, connID) {
		return nil
	}
	_, err := o.leave(ctx, id, connID, nil)
	return err
}

// leave runs the presence and owner hooks only when the store reports an
// actual removal, so each departure is announced once.
func (o *Orchestrator) leave(ctx context.Context, id domain.RoomID, connID domain.ConnectionID, known *domain.Connection) (bool, error) {
	res, err := o.Registry.Leave(ctx, id, connID)
	if err != nil {
		return false, err
	}
	if !res.Removed {
		return false, nil
	}
	conn := domain.Connection{ID: connID, RoomID: id}
	switch {
	case known != nil:
		conn = *known
	case res.Connection != nil:
		conn = *res.Connection
	}
	if err := o.Presence.Offline(ctx, conn, res.Count); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room_id", string(id)).Msg("offline presence")
	}

	room, err := o.Registry.GetRoom(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return true, err
		}
		return true, nil
	}
	if _, err := o.Owners.OnDisconnect(ctx, room, conn); err != nil {
		return true, err
	}
	return true, nil
}

// CloseRoom lets the owner end the room for everyone.
func (o *Orchestrator) CloseRoom(ctx context.Context, id domain.RoomID, password, requester string) error {
	room, err := o.authorize(ctx, id, password)
	if err != nil {
		return err
	}
	name, _ := domain.NormalizeDisplayName(requester)
	if !room.IsOwner(name) {
		return domain.ErrNotOwner
	}
	_, err = o.Owners.Teardown(ctx, id, app.ReasonClosedByOwner)
	return err
}
