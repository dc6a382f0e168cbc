package manager

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/domain"
)

// maxQueuedBadges bounds the badges remembered while a channel's badge map
// is still loading.
const maxQueuedBadges = 256

type connRun struct {
	conn   domain.Connection
	cancel context.CancelFunc
	done   chan struct{}
}

// stop waits for the connection goroutine. A nil run is a no-op.
func (r *connRun) stop() {
	if r == nil {
		return
	}
	r.conn.Stop()
	r.cancel()
	<-r.done
}

type emoteSet struct {
	emotes    map[string]domain.Emote
	fetchedAt time.Time
}

// channelState is everything the manager keeps for one open channel.
type channelState struct {
	ref    domain.ChannelRef
	ctx    context.Context
	cancel context.CancelFunc
	recent *recentIndex

	mu          sync.Mutex
	run         *connRun
	emotes      map[string]domain.Emote
	gen         uint64
	badges      domain.BadgeMap
	badgesReady bool
	queued      map[string]domain.Badge

	merged       map[string]domain.Emote
	mergedLocal  uint64
	mergedGlobal uint64
}

func newChannelState(parent context.Context, ref domain.ChannelRef, recentLimit int) *channelState {
	ctx, cancel := context.WithCancel(parent)
	st := &channelState{
		ref:    ref,
		ctx:    ctx,
		cancel: cancel,
		recent: newRecentIndex(recentLimit),
		queued: make(map[string]domain.Badge),
	}
	// YouTube badges carry their own image URLs.
	if ref.Platform == domain.PlatformYouTube {
		st.badgesReady = true
	}
	return st
}

func (s *channelState) setRun(r *connRun) {
	s.mu.Lock()
	s.run = r
	s.mu.Unlock()
}

func (s *channelState) takeRun() *connRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.run
	s.run = nil
	return r
}

func (s *channelState) conn() domain.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.conn
}

func (s *channelState) setEmotes(list []domain.Emote) {
	m := indexEmotes(list)
	s.mu.Lock()
	s.emotes = m
	s.gen++
	s.mu.Unlock()
}

func (s *channelState) emoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emotes)
}

// setBadges installs the badge map and hands back the badges that arrived
// before it.
func (s *channelState) setBadges(m domain.BadgeMap) []domain.Badge {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badges = m
	s.badgesReady = true
	pending := make([]domain.Badge, 0, len(s.queued))
	for _, b := range s.queued {
		pending = append(pending, b)
	}
	clear(s.queued)
	return pending
}

// badgeMap reports false while the map is still loading.
func (s *channelState) badgeMap() (domain.BadgeMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badges, s.badgesReady
}

func (s *channelState) queueBadge(b domain.Badge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) < maxQueuedBadges {
		s.queued[b.CacheKey()] = b
	}
}

// indexEmotes maps names to emotes. The first emote with a name wins.
func indexEmotes(list []domain.Emote) map[string]domain.Emote {
	m := make(map[string]domain.Emote, len(list))
	for _, e := range list {
		if e.Name == "" {
			continue
		}
		if _, ok := m[e.Name]; !ok {
			m[e.Name] = e
		}
	}
	return m
}
