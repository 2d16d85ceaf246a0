package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

// Registry is the Redis implementation of core.RoomRegistry.
type Registry struct {
	rdb     *redis.Client
	secrets core.SecretPolicy
	node    string
	now     func() time.Time
}

// NewRegistry panics on a nil client; node names this process in teardown claims.
func NewRegistry(rdb *redis.Client, secrets core.SecretPolicy, node string) *Registry {
	if rdb == nil {
		panic("redis client cannot be nil for Registry")
	}
	if secrets == nil {
		secrets = core.PlainSecret{}
	}
	return &Registry{rdb: rdb, secrets: secrets, node: node, now: time.Now}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis: failed to %s: %w", domain.ErrBackendUnavailable, op, err)
}

func (r *Registry) CreateRoom(ctx context.Context, p core.CreateRoomParams) (*domain.Room, error) {
	if p.ExpirySeconds <= 0 || p.MaxUsers <= 0 {
		return nil, fmt.Errorf("%w: expiry_seconds and max_users must be positive", domain.ErrInvalidParameters)
	}
	owner := ""
	if p.OwnerName != "" {
		name, err := domain.NormalizeDisplayName(p.OwnerName)
		if err != nil {
			return nil, fmt.Errorf("%w: owner_name: %w", domain.ErrInvalidParameters, err)
		}
		owner = name
	}
	sealed, err := r.secrets.Seal(p.Password)
	if err != nil {
		return nil, err
	}
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}

	ttl := time.Duration(p.ExpirySeconds) * time.Second
	now := r.now().UTC()
	room := &domain.Room{
		ID:          domain.NewRoomID(),
		Name:        p.Name,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		MaxUsers:    p.MaxUsers,
		OwnerName:   owner,
		Password:    sealed,
		Preferences: p.Preferences,
	}

	key := metaKey(room.ID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			fieldID:        string(room.ID),
			fieldName:      room.Name,
			fieldCreatedAt: room.CreatedAt.Format(time.RFC3339Nano),
			fieldExpiresAt: room.ExpiresAt.Format(time.RFC3339Nano),
			fieldMaxUsers:  room.MaxUsers,
			fieldOwnerName: room.OwnerName,
			fieldPassword:  room.Password,
			fieldPrefs:     string(prefs),
		})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return nil, unavailable("create room", err)
	}
	log.Info().Str("module", "store.registry").Str("room_id", string(room.ID)).Int("max_users", room.MaxUsers).Dur("ttl", ttl).Msg("room created")
	return room, nil
}

func (r *Registry) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	fields, err := r.rdb.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, unavailable("get room", err)
	}
	if len(fields) == 0 || fields[fieldClosing] != "" {
		return nil, domain.ErrNotFound
	}
	return decodeRoom(id, fields)
}

func decodeRoom(id domain.RoomID, f map[string]string) (*domain.Room, error) {
	maxUsers, err := strconv.Atoi(f[fieldMaxUsers])
	if err != nil {
		return nil, fmt.Errorf("room %s: bad max_users %q: %w", id, f[fieldMaxUsers], err)
	}
	created, err := time.Parse(time.RFC3339Nano, f[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("room %s: bad created_at: %w", id, err)
	}
	expires, err := time.Parse(time.RFC3339Nano, f[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("room %s: bad expires_at: %w", id, err)
	}
	var prefs domain.Preferences
	if raw := f[fieldPrefs]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
			return nil, fmt.Errorf("room %s: bad preferences: %w", id, err)
		}
	}
	return &domain.Room{
		ID:          id,
		Name:        f[fieldName],
		CreatedAt:   created,
		ExpiresAt:   expires,
		MaxUsers:    maxUsers,
		OwnerName:   f[fieldOwnerName],
		Password:    f[fieldPassword],
		Preferences: prefs,
	}, nil
}

func (r *Registry) TryJoin(ctx context.Context, id domain.RoomID, password string, conn domain.Connection) (core.JoinResult, error) {
	room, err := r.GetRoom(ctx, id)
	if err != nil {
		return core.JoinResult{}, err
	}
	if !core.CheckSecret(r.secrets, room.Password, password) {
		return core.JoinResult{}, domain.ErrWrongPassword
	}

	desc, err := json.Marshal(conn)
	if err != nil {
		return core.JoinResult{}, fmt.Errorf("encode connection: %w", err)
	}
	keys := []string{metaKey(id), membersKey(id), connsKey(id)}
	res, err := joinScript.Run(ctx, r.rdb, keys, string(conn.ID), string(desc)).Int64Slice()
	if err != nil {
		return core.JoinResult{}, unavailable("join room", err)
	}
	if len(res) != 2 {
		return core.JoinResult{}, fmt.Errorf("join room %s: unexpected script reply %v", id, res)
	}

	count := int(res[1])
	switch res[0] {
	case joinAdmitted:
		return core.JoinResult{Room: room, Count: count}, nil
	case joinFull:
		return core.JoinResult{}, domain.ErrFull
	default:
		return core.JoinResult{}, domain.ErrNotFound
	}
}

func (r *Registry) Leave(ctx context.Context, id domain.RoomID, connID domain.ConnectionID) (core.LeaveResult, error) {
	keys := []string{membersKey(id), connsKey(id)}
	res, err := leaveScript.Run(ctx, r.rdb, keys, string(connID)).Slice()
	if err != nil {
		return core.LeaveResult{}, unavailable("leave room", err)
	}
	if len(res) != 3 {
		return core.LeaveResult{}, fmt.Errorf("leave room %s: unexpected script reply %v", id, res)
	}
	removed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	out := core.LeaveResult{Removed: removed == 1, Count: int(count)}
	if raw, _ := res[2].(string); raw != "" {
		var c domain.Connection
		if err := json.Unmarshal([]byte(raw), &c); err == nil {
			out.Connection = &c
		} else {
			log.Warn().Err(err).Str("module", "store.registry").Str("room_id", string(id)).Msg("bad connection descriptor")
		}
	}
	return out, nil
}

func (r *Registry) Close(ctx context.Context, id domain.RoomID) error {
	if err := r.rdb.Del(ctx, metaKey(id), membersKey(id), connsKey(id)).Err(); err != nil {
		return unavailable("close room", err)
	}
	log.Info().Str("module", "store.registry").Str("room_id", string(id)).Msg("room closed")
	return nil
}

func (r *Registry) BeginTeardown(ctx context.Context, id domain.RoomID) (bool, error) {
	res, err := teardownScript.Run(ctx, r.rdb, []string{metaKey(id)}, r.node).Int64()
	if err != nil {
		return false, unavailable("begin teardown", err)
	}
	if res < 0 {
		return false, domain.ErrNotFound
	}
	return res == 1, nil
}

func (r *Registry) Members(ctx context.Context, id domain.RoomID) ([]domain.Connection, error) {
	raw, err := r.rdb.HGetAll(ctx, connsKey(id)).Result()
	if err != nil {
		return nil, unavailable("list members", err)
	}
	out := make([]domain.Connection, 0, len(raw))
	for connID, desc := range raw {
		var c domain.Connection
		if err := json.Unmarshal([]byte(desc), &c); err != nil {
			c = domain.Connection{ID: domain.ConnectionID(connID), RoomID: id}
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Registry) MemberCount(ctx context.Context, id domain.RoomID) (int, error) {
	n, err := r.rdb.SCard(ctx, membersKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, unavailable("count members", err)
	}
	return int(n), nil
}
