package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
)

const publishTimeout = 10 * time.Second

// Hub is a Go-channel based event bus with one typed stream per
// notification kind.
type Hub struct {
	messages   chan domain.MessageBatch
	moderation chan domain.ModerationEvent
	states     chan domain.StateChange
	rooms      chan domain.RoomState
	assets     chan string

	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Hub whose streams are buffered with bufferSize entries.
func New(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		messages:   make(chan domain.MessageBatch, bufferSize),
		moderation: make(chan domain.ModerationEvent, bufferSize),
		states:     make(chan domain.StateChange, bufferSize),
		rooms:      make(chan domain.RoomState, bufferSize),
		assets:     make(chan string, bufferSize*4),
		timeout:    publishTimeout,
		logger:     logger,
	}
}

// publish blocks up to the publish timeout if the stream is full instead
// of dropping.
func publish[T any](h *Hub, ch chan T, v T, stream, channel string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		h.logger.Debug("publish on closed bus", "stream", stream, "channel", channel)
		return
	}

	select {
	case ch <- v:
		return
	default:
	}

	h.logger.Warn("bus stream full, waiting...", "stream", stream, "channel", channel)
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case ch <- v:
	case <-timer.C:
		metrics.BusDropped.WithLabelValues(stream).Inc()
		h.logger.Error("event dropped: stream full", "stream", stream, "channel", channel, "waited", h.timeout)
	}
}

func (h *Hub) Messages(channel string, msgs []*domain.Message) {
	if len(msgs) == 0 {
		return
	}
	publish(h, h.messages, domain.MessageBatch{Channel: channel, Messages: msgs}, "messages", channel)
}

func (h *Hub) Moderation(channel string, ev domain.ModerationEvent) {
	ev.Channel = channel
	publish(h, h.moderation, ev, "moderation", channel)
}

func (h *Hub) RoomState(channel string, rs domain.RoomState) {
	rs.Channel = channel
	publish(h, h.rooms, rs, "roomstate", channel)
}

func (h *Hub) State(channel string, st domain.StateChange) {
	st.Channel = channel
	publish(h, h.states, st, "state", channel)
}

// AssetReady never waits: a dropped repaint hint is harmless.
func (h *Hub) AssetReady(key string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.assets <- key:
	default:
		h.logger.Debug("asset notification dropped", "key", key)
	}
}

func (h *Hub) MessageBatches() <-chan domain.MessageBatch     { return h.messages }
func (h *Hub) ModerationEvents() <-chan domain.ModerationEvent { return h.moderation }
func (h *Hub) ConnectionStates() <-chan domain.StateChange     { return h.states }
func (h *Hub) RoomStates() <-chan domain.RoomState             { return h.rooms }
func (h *Hub) Assets() <-chan string                           { return h.assets }

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		h.closed = true
		close(h.messages)
		close(h.moderation)
		close(h.states)
		close(h.rooms)
		close(h.assets)
	}
}
