package manager

import (
	"slices"
	"strings"
	"unicode"

	"chatcore/internal/assetcache"
	"chatcore/internal/domain"
	"chatcore/internal/matcher"
	"chatcore/internal/provider"
)

// sink is what connections report to. Every batch is decorated before it
// reaches the bus.
type sink struct{ m *Manager }

func (s sink) Messages(key string, msgs []*domain.Message) {
	st := s.m.channel(key)
	if st == nil {
		return
	}
	s.m.process(st, msgs)
	s.m.events.Messages(key, msgs)
}

func (s sink) Moderation(key string, ev domain.ModerationEvent) {
	st := s.m.channel(key)
	if st == nil {
		return
	}
	if n := st.recent.apply(ev); n > 0 {
		s.m.logger.Debug("messages moderated", "channel", key, "kind", ev.Kind, "count", n)
	}
	s.m.events.Moderation(key, ev)
}

func (s sink) RoomState(key string, rs domain.RoomState) {
	if s.m.channel(key) == nil || rs.Empty() {
		return
	}
	s.m.events.RoomState(key, rs)
}

func (s sink) State(key string, sc domain.StateChange) {
	s.m.events.State(key, sc)
}

// process resolves badges, finds third-party emotes, requests every image
// the batch references, flags mentions and indexes the messages for
// moderation.
func (m *Manager) process(st *channelState, msgs []*domain.Message) {
	emotes := m.mergedEmotes(st)
	var nick string
	if conn := st.conn(); conn != nil {
		nick = conn.Nick()
	}

	for _, msg := range msgs {
		if m.settings.Emotes.ShowBadges {
			m.resolveBadges(st, msg)
		}
		m.matchEmotes(msg, emotes)
		m.requestSpans(msg.Spans)
		if nick != "" && !strings.EqualFold(msg.User.Login, nick) && mentions(msg.Text, nick) {
			msg.Mention = true
		}
		st.recent.add(msg)
	}
}

// matchEmotes adds spans for emote names outside the native spans and
// reports whether any were found.
func (m *Manager) matchEmotes(msg *domain.Message, emotes map[string]domain.Emote) bool {
	if len(emotes) == 0 {
		return false
	}
	spans := matcher.Find(msg.Text, emotes, msg.Claimed())
	msg.MergeSpans(spans)
	return len(spans) > 0
}

func (m *Manager) resolveBadges(st *channelState, msg *domain.Message) {
	badges, ready := st.badgeMap()
	for i := range msg.User.Badges {
		b := &msg.User.Badges[i]
		if b.ImageURL == "" {
			if !ready {
				st.queueBadge(*b)
				continue
			}
			b.ImageURL = lookupBadge(badges, *b)
		}
		m.requestBadge(*b)
	}
}

// lookupBadge finds a badge image, falling back to the nearest subscriber
// tier.
func lookupBadge(badges domain.BadgeMap, b domain.Badge) string {
	if len(badges) == 0 {
		return ""
	}
	u, _ := provider.SubscriberBadge(badges, b.ID)
	return u
}

func (m *Manager) requestBadge(b domain.Badge) {
	if m.cache == nil || b.ImageURL == "" {
		return
	}
	m.request(assetcache.BadgeImageSet(b), assetcache.PriorityHigh)
}

func (m *Manager) requestSpans(spans []domain.Span) {
	if m.cache == nil {
		return
	}
	for _, sp := range spans {
		m.request(assetcache.EmoteImageSet(sp.Emote), assetcache.PriorityHigh)
	}
}

func (m *Manager) request(set assetcache.ImageSet, priority assetcache.Priority) {
	if spec, ok := set.Select(requestScale); ok {
		m.cache.Request(spec.Key, spec.URL, priority, spec.FallbackURL, spec.Animated)
	}
}

// mentions reports whether text contains @nick as a whole word, ignoring
// case.
func mentions(text, nick string) bool {
	lower := []rune(strings.ToLower(text))
	want := []rune("@" + strings.ToLower(nick))
	for i := 0; i+len(want) <= len(lower); i++ {
		if !slices.Equal(lower[i:i+len(want)], want) {
			continue
		}
		if i > 0 && isNickRune(lower[i-1]) {
			continue
		}
		if end := i + len(want); end < len(lower) && isNickRune(lower[end]) {
			continue
		}
		return true
	}
	return false
}

func isNickRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
