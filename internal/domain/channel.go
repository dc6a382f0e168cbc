package domain

import "context"

// Connection owns one chat session for one channel.
type Connection interface {
	Ref() ChannelRef
	// Start runs the connect/read/reconnect loop until Stop is called or
	// ctx is cancelled.
	Start(ctx context.Context, sink Sink) error
	Stop() error
	Send(ctx context.Context, text string) error
	State() ConnState
	// Nick is the authenticated login, empty when anonymous.
	Nick() string
	// Self describes the local user as the server last reported it, used
	// for local echo.
	Self() ChatUser
}

// Sink receives everything a Connection produces. Implementations must be
// safe for concurrent use by many connections.
type Sink interface {
	Messages(channel string, msgs []*Message)
	Moderation(channel string, ev ModerationEvent)
	RoomState(channel string, rs RoomState)
	State(channel string, st StateChange)
}

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StateKind is the caller-facing connection status.
type StateKind string

const (
	StatusConnected    StateKind = "connected"
	StatusDisconnected StateKind = "disconnected"
	StatusError        StateKind = "error"
)

type StateChange struct {
	Channel string
	Kind    StateKind
	Detail  string
}
