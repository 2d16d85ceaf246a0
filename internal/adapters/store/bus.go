package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

// Bus is the Redis pub/sub implementation of core.Bus.
type Bus struct {
	rdb *redis.Client
}

func NewBus(rdb *redis.Client) *Bus {
	if rdb == nil {
		panic("redis client cannot be nil for Bus")
	}
	return &Bus{rdb: rdb}
}

func (b *Bus) Publish(ctx context.Context, roomID domain.RoomID, f core.Frame) error {
	if err := b.rdb.Publish(ctx, ChannelName(roomID), []byte(f)).Err(); err != nil {
		return unavailable("publish to "+ChannelName(roomID), err)
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription, so anything
// published after it returns is delivered.
func (b *Bus) Subscribe(ctx context.Context, roomID domain.RoomID) (core.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, ChannelName(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, classify(err)
	}
	return &subscription{ps: ps}, nil
}

type subscription struct {
	ps *redis.PubSub
}

func (s *subscription) Receive(ctx context.Context, timeout time.Duration) (core.Frame, error) {
	msg, err := s.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, core.ErrNoMessage
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	switch m := msg.(type) {
	case *redis.Message:
		return core.Frame(m.Payload), nil
	default:
		// subscription confirmations and pongs
		return nil, core.ErrNoMessage
	}
}

func (s *subscription) Close() error { return s.ps.Close() }

func classify(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", core.ErrBusClosed, err)
	}
	msg := err.Error()
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM"} {
		if strings.HasPrefix(msg, prefix) {
			return fmt.Errorf("%w: %w", core.ErrBusClosed, err)
		}
	}
	return unavailable("receive", err)
}
