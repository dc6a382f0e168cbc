package manager

import (
	"strings"
	"sync"

	"chatcore/internal/domain"
)

// recentIndex is a ring of the last messages of a channel, kept so
// moderation events can find their targets.
type recentIndex struct {
	mu   sync.Mutex
	buf  []*domain.Message
	next int
	full bool
	byID map[string]*domain.Message
}

func newRecentIndex(limit int) *recentIndex {
	if limit < 1 {
		limit = 1
	}
	return &recentIndex{
		buf:  make([]*domain.Message, limit),
		byID: make(map[string]*domain.Message, limit),
	}
}

func (r *recentIndex) add(msg *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := r.buf[r.next]; old != nil && r.byID[old.ID] == old {
		delete(r.byID, old.ID)
	}
	r.buf[r.next] = msg
	if msg.ID != "" {
		r.byID[msg.ID] = msg
	}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *recentIndex) lookup(id string) *domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *recentIndex) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// apply flips Moderated on the messages ev targets and returns how many
// flipped for the first time.
func (r *recentIndex) apply(ev domain.ModerationEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	flip := func(msg *domain.Message) {
		if msg != nil && msg.MarkModerated() {
			n++
		}
	}
	switch ev.Kind {
	case domain.ModDelete:
		flip(r.byID[ev.TargetMessageID])
	case domain.ModBan, domain.ModTimeout:
		for _, msg := range r.buf {
			if msg != nil && targets(ev, msg) {
				flip(msg)
			}
		}
	case domain.ModClear:
		for _, msg := range r.buf {
			flip(msg)
		}
	}
	return n
}

func targets(ev domain.ModerationEvent, msg *domain.Message) bool {
	if ev.TargetUserID != "" {
		return msg.User.ID == ev.TargetUserID
	}
	return ev.TargetLogin != "" && strings.EqualFold(msg.User.Login, ev.TargetLogin)
}
