package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Lifecycle event types recorded by the manager.
const (
	EventChannelOpened       = "channel.opened"
	EventChannelClosed       = "channel.closed"
	EventPlatformReconnected = "platform.reconnected"
	EventMetadataLoaded      = "metadata.loaded"
	EventGlobalsLoaded       = "globals.loaded"
	EventSendFailed          = "send.failed"
)

// Event is one lifecycle record.
type Event struct {
	Type    string
	Channel string // ChannelRef.Key(), empty for global events
	Fields  map[string]any
	Time    time.Time
}

type EventHandler func(Event)

// Journal is a topic-based log of lifecycle events with a bounded replay
// history. Handlers run synchronously on the recording goroutine.
type Journal struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewJournal(maxHistory int, logger *slog.Logger) *Journal {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		handlers:   make(map[string][]namedHandler),
		maxHistory: maxHistory,
		logger:     logger,
	}
}

// On registers a handler for eventType, or for every type with "*". It
// returns the id Off takes.
func (j *Journal) On(eventType string, handler EventHandler) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	id := eventType + "-" + strconv.Itoa(j.nextID)
	j.handlers[eventType] = append(j.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (j *Journal) Off(eventType, handlerID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	handlers := j.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			j.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Record appends ev to the history and runs the matching handlers. A
// panicking handler is logged and skipped. Safe on a nil Journal.
func (j *Journal) Record(ev Event) {
	if j == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	j.mu.Lock()
	if len(j.history) >= j.maxHistory {
		j.history = j.history[1:]
	}
	j.history = append(j.history, ev)
	handlers := make([]namedHandler, 0, len(j.handlers[ev.Type])+len(j.handlers["*"]))
	handlers = append(handlers, j.handlers[ev.Type]...)
	handlers = append(handlers, j.handlers["*"]...)
	j.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					j.logger.Error("journal handler panic", "event", ev.Type, "handler", h.ID, "panic", r)
				}
			}()
			h.Handler(ev)
		}()
	}
}

// Replay returns recorded events of eventType ("*" for all) at or after
// since.
func (j *Journal) Replay(eventType string, since time.Time) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []Event
	for _, e := range j.history {
		if e.Time.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.history)
}
