package domain

// MessageBatch is one delivery of messages for a channel.
type MessageBatch struct {
	Channel  string
	Messages []*Message
}

// EventBus carries the outbound notification streams to the UI/CLI layer.
type EventBus interface {
	Sink
	AssetReady(key string)

	MessageBatches() <-chan MessageBatch
	ModerationEvents() <-chan ModerationEvent
	ConnectionStates() <-chan StateChange
	RoomStates() <-chan RoomState
	Assets() <-chan string
	Close()
}
