package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Ephemeral/internal/domain"
)

type EnvelopeType string

const (
	TypeSystem   EnvelopeType = "system"
	TypeMessage  EnvelopeType = "message"
	TypePresence EnvelopeType = "presence"
)

const (
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"

	EventWelcome     = "welcome"
	EventRoomClosed  = "room_closed"
	EventRateLimited = "rate_limited"
)

// Envelope is the single wire shape for all three variants.
// Fields not used by a variant are left empty and omitted.
type Envelope struct {
	Type         EnvelopeType        `json:"type"`
	Event        string              `json:"event,omitempty"`
	Message      string              `json:"message,omitempty"`
	Text         string              `json:"text,omitempty"`
	ConnectionID domain.ConnectionID `json:"connection_id,omitempty"`
	DisplayName  string              `json:"display_name,omitempty"`
	RoomID       domain.RoomID       `json:"room_id"`
	Timestamp    time.Time           `json:"timestamp"`
	OnlineCount  *int                `json:"online_count,omitempty"`
}

func SystemEnvelope(roomID domain.RoomID, event, message string, at time.Time) Envelope {
	return Envelope{Type: TypeSystem, Event: event, Message: message, RoomID: roomID, Timestamp: at.UTC()}
}

func MessageEnvelope(conn domain.Connection, text string, at time.Time) Envelope {
	return Envelope{
		Type:         TypeMessage,
		Text:         text,
		ConnectionID: conn.ID,
		DisplayName:  conn.DisplayName,
		RoomID:       conn.RoomID,
		Timestamp:    at.UTC(),
	}
}

func PresenceEnvelope(conn domain.Connection, event string, count int, at time.Time) Envelope {
	return Envelope{
		Type:         TypePresence,
		Event:        event,
		ConnectionID: conn.ID,
		DisplayName:  conn.DisplayName,
		RoomID:       conn.RoomID,
		Timestamp:    at.UTC(),
		OnlineCount:  &count,
	}
}

// IsTerminal reports whether the envelope announces the end of its room.
func (e Envelope) IsTerminal() bool {
	return e.Type == TypeSystem && e.Event == EventRoomClosed
}

func (e Envelope) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return Frame(b), nil
}

// DecodeEnvelope parses a bus payload and checks the variant's required fields.
func DecodeEnvelope(f Frame) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(f, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	if e.RoomID == "" {
		return Envelope{}, fmt.Errorf("%w: missing room_id", domain.ErrMalformedMessage)
	}
	switch e.Type {
	case TypeSystem:
	case TypeMessage:
		if e.ConnectionID == "" {
			return Envelope{}, fmt.Errorf("%w: message without connection_id", domain.ErrMalformedMessage)
		}
	case TypePresence:
		if e.Event != EventUserOnline && e.Event != EventUserOffline {
			return Envelope{}, fmt.Errorf("%w: unknown presence event %q", domain.ErrMalformedMessage, e.Event)
		}
		if e.OnlineCount == nil {
			return Envelope{}, fmt.Errorf("%w: presence without online_count", domain.ErrMalformedMessage)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, e.Type)
	}
	return e, nil
}

// ClientFrame is what a client may send on its socket.
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	ClientMessage = "message"
	ClientPing    = "ping"
)

// DecodeClientFrame rejects anything that is not a ping or a non-empty message
// within maxText runes (maxText <= 0 disables the limit).
func DecodeClientFrame(data []byte, maxText int) (ClientFrame, error) {
	var cf ClientFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	switch cf.Type {
	case ClientPing:
		return cf, nil
	case ClientMessage:
		if cf.Text == "" {
			return ClientFrame{}, fmt.Errorf("%w: empty text", domain.ErrMalformedMessage)
		}
		if maxText > 0 && len([]rune(cf.Text)) > maxText {
			return ClientFrame{}, fmt.Errorf("%w: text too long", domain.ErrMalformedMessage)
		}
		return cf, nil
	default:
		return ClientFrame{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, cf.Type)
	}
}
