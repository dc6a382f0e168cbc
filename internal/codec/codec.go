// Package codec turns raw platform wire data into domain values. Nothing in
// here performs I/O.
package codec

import (
	"errors"

	"chatcore/internal/domain"

	"github.com/google/uuid"
)

var ErrMalformed = errors.New("malformed frame")

type EventKind int

const (
	EventNone EventKind = iota
	EventMessage
	EventModeration
	EventRoomState
	EventControl
)

// Event is the decoded form of one inbound frame or item.
type Event struct {
	Kind       EventKind
	Message    *domain.Message
	Moderation *domain.ModerationEvent
	RoomState  *domain.RoomState
	Control    string // protocol-level verb the connection must act on
}

func messageEvent(m *domain.Message) Event { return Event{Kind: EventMessage, Message: m} }

func moderationEvent(ev domain.ModerationEvent) Event {
	return Event{Kind: EventModeration, Moderation: &ev}
}

func roomEvent(rs domain.RoomState) Event {
	if rs.Empty() {
		return Event{}
	}
	return Event{Kind: EventRoomState, RoomState: &rs}
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
