package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

const DefaultPollInterval = 500 * time.Millisecond

// LocalDelivery is what the bridge needs from the connection manager.
type LocalDelivery interface {
	BroadcastLocal(roomID domain.RoomID, f core.Frame) core.PublishResult
	CloseRoom(roomID domain.RoomID, final core.Frame) int
	LocalCount(roomID domain.RoomID) int
}

type listener struct {
	roomID domain.RoomID
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	err    error // set before ready is closed
}

// PubSubBridge runs at most one bus listener per room with local connections
// and fans received envelopes out to them.
type PubSubBridge struct {
	bus    core.Bus
	local  LocalDelivery
	poll   time.Duration
	parent context.Context

	// OnFatal is called when a listener stops on an error retrying cannot fix.
	OnFatal func(roomID domain.RoomID, err error)

	mu       sync.Mutex
	active   map[domain.RoomID]*listener
	draining map[domain.RoomID]*listener
}

// NewPubSubBridge binds listener lifetimes to ctx.
func NewPubSubBridge(ctx context.Context, bus core.Bus, local LocalDelivery, poll time.Duration) *PubSubBridge {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &PubSubBridge{
		bus:      bus,
		local:    local,
		poll:     poll,
		parent:   ctx,
		active:   make(map[domain.RoomID]*listener),
		draining: make(map[domain.RoomID]*listener),
	}
}

// StartListener is idempotent. It returns once the room's subscription is
// confirmed, so frames published afterwards reach local connections.
func (b *PubSubBridge) StartListener(ctx context.Context, roomID domain.RoomID) error {
	b.mu.Lock()
	l, ok := b.active[roomID]
	if !ok {
		lctx, cancel := context.WithCancel(b.parent)
		l = &listener{
			roomID: roomID,
			cancel: cancel,
			ready:  make(chan struct{}),
			done:   make(chan struct{}),
		}
		prev := b.draining[roomID]
		b.active[roomID] = l
		go b.run(lctx, l, prev)
	}
	b.mu.Unlock()

	select {
	case <-l.ready:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopListener cancels the room's listener unless a connection arrived
// in the meantime.
func (b *PubSubBridge) StopListener(roomID domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.active[roomID]
	if !ok {
		return
	}
	if b.local.LocalCount(roomID) > 0 {
		return
	}
	delete(b.active, roomID)
	b.draining[roomID] = l
	l.cancel()
}

// Listening reports whether roomID has a live listener.
func (b *PubSubBridge) Listening(roomID domain.RoomID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[roomID]
	return ok
}

// Shutdown cancels every listener and waits for them to exit.
func (b *PubSubBridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	all := make([]*listener, 0, len(b.active)+len(b.draining))
	for id, l := range b.active {
		all = append(all, l)
		delete(b.active, id)
		b.draining[id] = l
		l.cancel()
	}
	for _, l := range b.draining {
		all = append(all, l)
	}
	b.mu.Unlock()

	for _, l := range all {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *PubSubBridge) Publish(ctx context.Context, roomID domain.RoomID, f core.Frame) error {
	return b.bus.Publish(ctx, roomID, f)
}

// PublishOrLocal publishes f and, when the bus is unreachable, delivers it
// to this process's connections only. The publish error is still returned.
func (b *PubSubBridge) PublishOrLocal(ctx context.Context, roomID domain.RoomID, f core.Frame) error {
	err := b.bus.Publish(ctx, roomID, f)
	if err == nil || !errors.Is(err, domain.ErrBackendUnavailable) {
		return err
	}
	env, derr := core.DecodeEnvelope(f)
	if derr != nil {
		return err
	}
	log.Warn().Err(err).Str("module", "bridge").Str("room_id", string(roomID)).Msg("bus unavailable, local delivery only")
	b.deliver(roomID, env, f)
	return err
}

func (b *PubSubBridge) deliver(roomID domain.RoomID, env core.Envelope, f core.Frame) {
	b.local.BroadcastLocal(roomID, f)
	if env.IsTerminal() {
		b.local.CloseRoom(roomID, nil)
	}
}

func (b *PubSubBridge) release(l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[l.roomID] == l {
		delete(b.active, l.roomID)
	}
	if b.draining[l.roomID] == l {
		delete(b.draining, l.roomID)
	}
}

func (b *PubSubBridge) run(ctx context.Context, l *listener, prev *listener) {
	defer close(l.done)
	defer b.release(l)

	logger := log.With().
		Str("module", "bridge").
		Str("room_id", string(l.roomID)).
		Logger()

	// the previous listener must be gone before a new one subscribes
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			l.err = ctx.Err()
			close(l.ready)
			return
		}
	}

	sub, err := b.bus.Subscribe(ctx, l.roomID)
	if err != nil {
		logger.Error().Err(err).Msg("subscribe failed")
		l.err = err
		close(l.ready)
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Debug().Err(err).Msg("unsubscribe")
		}
	}()
	close(l.ready)

	logger.Info().Msg("listener started")
	b.loop(ctx, sub, l.roomID, &logger)
	logger.Info().Msg("listener stopped")
}

func (b *PubSubBridge) loop(ctx context.Context, sub core.Subscription, roomID domain.RoomID, logger *zerolog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := sub.Receive(ctx, b.poll)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrNoMessage):
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, core.ErrBusClosed):
			logger.Error().Err(err).Msg("listener failed")
			if b.OnFatal != nil {
				b.OnFatal(roomID, err)
			}
			return
		default:
			logger.Warn().Err(err).Msg("receive failed, retrying")
			select {
			case <-time.After(b.poll):
				continue
			case <-ctx.Done():
				return
			}
		}

		env, err := core.DecodeEnvelope(f)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}
		if env.RoomID != roomID {
			logger.Warn().Str("envelope_room", string(env.RoomID)).Msg("dropping envelope for another room")
			continue
		}
		if ctx.Err() != nil {
			return
		}
		b.deliver(roomID, env, f)
		if env.IsTerminal() {
			return
		}
	}
}
