package manager

import (
	"context"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"chatcore/internal/assetcache"
	"chatcore/internal/bus"
	"chatcore/internal/domain"
	"chatcore/internal/provider"
)

// Global emote sets, merged below a channel's own emotes.
const (
	commonSetKey = "global"      // third-party globals, every platform
	twitchSetKey = "twitch"      // twitch native globals
	userSetKey   = "twitch:user" // emotes the signed-in twitch account owns
)

// loadMetadata fills a freshly opened channel's emote and badge maps and
// makes sure the global sets are loaded.
func (m *Manager) loadMetadata(st *channelState) {
	ctx, cancel := context.WithTimeout(st.ctx, fetchTimeout)
	defer cancel()

	var g errgroup.Group
	if m.settings.Emotes.Show {
		g.Go(func() error {
			m.ensureGlobal(ctx, commonSetKey, func(ctx context.Context) ([]domain.Emote, error) {
				return m.providers.FetchGlobal(ctx, m.settings.Emotes.Providers)
			})
			return nil
		})
		if st.ref.Platform == domain.PlatformTwitch && m.twitch != nil {
			g.Go(func() error {
				m.ensureGlobal(ctx, twitchSetKey, m.twitch.GlobalEmotes)
				return nil
			})
		}
	}
	g.Go(func() error {
		m.loadChannel(ctx, st)
		return nil
	})
	g.Wait()
}

// loadChannel serves the stored sets first and fetches again once they
// are older than the channel TTL.
func (m *Manager) loadChannel(ctx context.Context, st *channelState) {
	if st.ref.Platform == domain.PlatformYouTube {
		return
	}
	key := st.ref.Key()
	stored := false

	if m.store != nil {
		emotes, emotesAt, eerr := m.store.LoadEmotes(ctx, key)
		badges, badgesAt, berr := m.store.LoadBadges(ctx, key)
		if eerr != nil || berr != nil {
			m.logger.Warn("stored channel metadata unreadable", "channel", key, "error", firstErr(eerr, berr))
		}
		if !emotesAt.IsZero() {
			st.setEmotes(emotes)
		}
		if !badgesAt.IsZero() {
			m.applyBadges(st, badges)
			stored = true
		}
		now := m.now()
		if !emotesAt.IsZero() && !badgesAt.IsZero() &&
			now.Sub(emotesAt) < channelTTL && now.Sub(badgesAt) < channelTTL {
			m.logger.Debug("channel metadata fresh", "channel", key)
			return
		}
	}

	var r fetchResult
	switch st.ref.Platform {
	case domain.PlatformTwitch:
		r = m.fetchTwitch(ctx, st.ref)
	case domain.PlatformKick:
		r = m.fetchKick(ctx, st.ref)
	}
	emotes, badges, ok := r.emotes, r.badges, r.resolved
	if ctx.Err() != nil {
		return
	}

	if ok {
		st.setEmotes(emotes)
	}
	if ok || !stored {
		m.applyBadges(st, badges)
	}

	// a partial result is served but not persisted, so the next open
	// fetches again instead of trusting it for a full TTL
	if m.store != nil && ok && r.complete {
		if err := m.store.SaveEmotes(ctx, key, emotes); err != nil {
			m.logger.Warn("store save failed", "channel", key, "error", err)
		}
		if err := m.store.SaveBadges(ctx, key, badges); err != nil {
			m.logger.Warn("store save failed", "channel", key, "error", err)
		}
	}
	m.logger.Info("channel metadata loaded", "channel", key, "emotes", len(emotes), "badges", len(badges))
	m.journal.Record(bus.Event{Type: bus.EventMetadataLoaded, Channel: key, Fields: map[string]any{
		"emotes":   len(emotes),
		"badges":   len(badges),
		"complete": ok && r.complete,
	}})
}

// fetchResult is one channel's metadata. resolved means the channel was
// found; complete means no source failed.
type fetchResult struct {
	emotes   []domain.Emote
	badges   domain.BadgeMap
	resolved bool
	complete bool
}

// fetchTwitch resolves the channel id first. Global badges are returned
// even when it did not resolve.
func (m *Manager) fetchTwitch(ctx context.Context, ref domain.ChannelRef) fetchResult {
	id, err := m.twitchUserID(ctx, ref.ID)
	if err != nil {
		m.logger.Warn("twitch channel unresolved", "channel", ref.Key(), "error", err)
	}

	var (
		native, thirdParty []domain.Emote
		badges             domain.BadgeMap
		failed             atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	if m.twitch != nil {
		g.Go(func() error {
			var err error
			if badges, err = m.twitch.Badges(gctx, id); err != nil {
				m.logger.Warn("twitch badges unavailable", "channel", ref.Key(), "error", err)
				failed.Store(true)
			}
			return nil
		})
	}
	if id != "" && m.settings.Emotes.Show {
		if m.twitch != nil {
			g.Go(func() error {
				var err error
				if native, err = m.twitch.ChannelEmotes(gctx, domain.PlatformTwitch, id); err != nil {
					m.logger.Warn("twitch channel emotes unavailable", "channel", ref.Key(), "error", err)
				failed.Store(true)
				}
				return nil
			})
		}
		g.Go(func() error {
			var err error
			if thirdParty, err = m.providers.FetchChannel(gctx, domain.PlatformTwitch, id, m.settings.Emotes.Providers); err != nil {
				failed.Store(true)
			}
			return nil
		})
	}
	g.Wait()

	return fetchResult{
		emotes:   append(native, thirdParty...),
		badges:   badges,
		resolved: id != "",
		complete: !failed.Load(),
	}
}

func (m *Manager) fetchKick(ctx context.Context, ref domain.ChannelRef) fetchResult {
	badges := provider.SystemBadges()
	if m.kick == nil {
		return fetchResult{badges: badges}
	}
	ch, err := m.kick.Channel(ctx, ref.ID)
	if err != nil {
		m.logger.Warn("kick channel unavailable", "channel", ref.Key(), "error", err)
		return fetchResult{badges: badges}
	}
	m.saveResolved(ctx, kickResolved(ref.ID, ch))
	for id, u := range ch.Badges {
		badges[id] = u
	}

	r := fetchResult{badges: badges, resolved: true, complete: true}
	if m.settings.Emotes.Show {
		r.emotes, err = m.providers.FetchChannel(ctx, domain.PlatformKick, strconv.FormatInt(ch.UserID, 10), m.settings.Emotes.Providers)
		r.complete = err == nil
	}
	return r
}

// applyBadges installs the map and requests the badges that were waiting
// for it.
func (m *Manager) applyBadges(st *channelState, badges domain.BadgeMap) {
	for _, b := range st.setBadges(badges) {
		if b.ImageURL = lookupBadge(badges, b); b.ImageURL != "" {
			m.requestBadge(b)
		}
	}
}

// ensureGlobal loads a global set once per TTL. Concurrent callers share
// one fetch.
func (m *Manager) ensureGlobal(ctx context.Context, key string, fetch func(context.Context) ([]domain.Emote, error)) {
	if m.globalFresh(key) {
		return
	}
	m.sf.Do(key, func() (any, error) {
		if m.globalFresh(key) {
			return nil, nil
		}
		list, err := fetch(ctx)
		if err != nil {
			m.logger.Warn("global emote fetch failed", "set", key, "error", err)
			return nil, err
		}
		m.setGlobal(key, list)
		m.prefetch(list)
		m.logger.Info("global emotes loaded", "set", key, "emotes", len(list))
		m.journal.Record(bus.Event{Type: bus.EventGlobalsLoaded, Fields: map[string]any{"set": key, "emotes": len(list)}})
		return nil, nil
	})
}

func (m *Manager) globalFresh(key string) bool {
	m.globalMu.RLock()
	defer m.globalMu.RUnlock()
	set := m.globals[key]
	return set != nil && m.now().Sub(set.fetchedAt) < globalTTL
}

func (m *Manager) setGlobal(key string, list []domain.Emote) {
	set := &emoteSet{emotes: indexEmotes(list), fetchedAt: m.now()}
	m.globalMu.Lock()
	m.globals[key] = set
	m.globalMu.Unlock()
	m.globalGen.Add(1)
}

func (m *Manager) dropGlobal(key string) {
	m.globalMu.Lock()
	_, ok := m.globals[key]
	delete(m.globals, key)
	m.globalMu.Unlock()
	if ok {
		m.globalGen.Add(1)
	}
}

// mergedEmotes is the name map the matcher runs on, in precedence order:
// channel, user, platform globals, common globals. It is rebuilt only when
// one of its parts changed. Nil when emotes are hidden.
func (m *Manager) mergedEmotes(st *channelState) map[string]domain.Emote {
	if !m.settings.Emotes.Show {
		return nil
	}
	gen := m.globalGen.Load()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.merged != nil && st.mergedLocal == st.gen && st.mergedGlobal == gen {
		return st.merged
	}

	merged := make(map[string]domain.Emote, len(st.emotes))
	add := func(src map[string]domain.Emote) {
		for name, e := range src {
			if _, ok := merged[name]; !ok {
				merged[name] = e
			}
		}
	}
	add(st.emotes)

	m.globalMu.RLock()
	if st.ref.Platform == domain.PlatformTwitch {
		if set := m.globals[userSetKey]; set != nil {
			add(set.emotes)
		}
		if set := m.globals[twitchSetKey]; set != nil {
			add(set.emotes)
		}
	}
	if set := m.globals[commonSetKey]; set != nil {
		add(set.emotes)
	}
	m.globalMu.RUnlock()

	st.merged, st.mergedLocal, st.mergedGlobal = merged, st.gen, gen
	return merged
}

// prefetch warms the cache with a global set at low priority.
func (m *Manager) prefetch(list []domain.Emote) {
	if m.cache == nil {
		return
	}
	for _, e := range list {
		m.request(assetcache.EmoteImageSet(e), assetcache.PriorityLow)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
