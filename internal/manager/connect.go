package manager

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"chatcore/internal/channel"
	"chatcore/internal/domain"
	"chatcore/internal/provider"
	"chatcore/internal/store"
)

// ConnFactory creates the connection for one channel.
type ConnFactory func(ref domain.ChannelRef, creds Credentials) (domain.Connection, error)

// platformConn is the default ConnFactory.
func (m *Manager) platformConn(ref domain.ChannelRef, creds Credentials) (domain.Connection, error) {
	batch := channel.BatchConfig{
		MaxBatch:   m.settings.Chat.BatchSize,
		FlushEvery: time.Duration(m.settings.Chat.FlushMillis) * time.Millisecond,
	}

	switch ref.Platform {
	case domain.PlatformTwitch:
		cfg := channel.TwitchConfig{
			Token:   creds.TwitchToken,
			Limiter: channel.NewRateLimiter(m.settings.Chat.SendBurst, float64(m.settings.Chat.SendPerMin)),
			Batch:   batch,
			Logger:  m.logger,
		}
		if m.twitch != nil {
			cfg.Validate = m.validateTwitch
		}
		return channel.NewTwitch(ref, cfg), nil

	case domain.PlatformKick:
		var auth *channel.KickAuth
		if creds.KickAccessToken != "" {
			auth = channel.NewKickAuth(creds.KickClientID, creds.KickClientSecret,
				creds.KickAccessToken, creds.KickRefreshToken, m.httpClient)
			auth.OnRefresh = func(tok *oauth2.Token) {
				m.logger.Info("kick token refreshed", "expiry", tok.Expiry)
				if m.onKickRefresh != nil {
					m.onKickRefresh(tok.AccessToken, tok.RefreshToken)
				}
			}
		}
		return channel.NewKick(ref, channel.KickConfig{
			Resolve:    m.resolveKick,
			Auth:       auth,
			Username:   creds.KickUsername,
			HTTPClient: m.httpClient,
			Batch:      batch,
			Logger:     m.logger,
		}), nil

	case domain.PlatformYouTube:
		return channel.NewYouTube(ref, channel.YouTubeConfig{
			Cookies:    creds.YouTubeCookies,
			HTTPClient: m.httpClient,
			Batch:      batch,
			Logger:     m.logger,
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupported, ref.Platform)
}

// validateTwitch checks the token for the IRC login and, once the account
// is known, starts loading the emotes it may use everywhere.
func (m *Manager) validateTwitch(ctx context.Context, token string) (channel.TokenInfo, error) {
	info, err := m.twitch.ValidateToken(ctx, token)
	if err != nil {
		return channel.TokenInfo{}, err
	}
	if info.UserID != "" {
		userID := info.UserID
		m.spawn(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
			defer cancel()
			m.ensureGlobal(ctx, userSetKey, func(ctx context.Context) ([]domain.Emote, error) {
				return m.twitch.UserEmotes(ctx, userID)
			})
		})
	}
	return channel.TokenInfo{Login: info.Login, UserID: info.UserID, Scopes: info.Scopes}, nil
}

// resolveKick serves chatroom ids from the store before asking Kick.
func (m *Manager) resolveKick(ctx context.Context, slug string) (int64, int64, error) {
	if m.store != nil {
		r, err := m.store.LookupResolved(ctx, domain.PlatformKick, slug)
		if err != nil {
			m.logger.Warn("store lookup failed", "slug", slug, "error", err)
		} else if r != nil && r.ChatroomID != 0 {
			userID, _ := strconv.ParseInt(r.UserID, 10, 64)
			return r.ChatroomID, userID, nil
		}
	}
	if m.kick == nil {
		return 0, 0, fmt.Errorf("resolve kick channel %s: no kick client", slug)
	}
	ch, err := m.kick.Channel(ctx, slug)
	if err != nil {
		return 0, 0, err
	}
	m.saveResolved(ctx, kickResolved(slug, ch))
	return ch.ChatroomID, ch.UserID, nil
}

func kickResolved(slug string, ch provider.KickChannel) store.Resolved {
	return store.Resolved{
		Platform:   domain.PlatformKick,
		Login:      slug,
		UserID:     strconv.FormatInt(ch.UserID, 10),
		ChatroomID: ch.ChatroomID,
	}
}

// twitchUserID resolves a login through the store, then the API.
func (m *Manager) twitchUserID(ctx context.Context, login string) (string, error) {
	if m.store != nil {
		r, err := m.store.LookupResolved(ctx, domain.PlatformTwitch, login)
		if err != nil {
			m.logger.Warn("store lookup failed", "login", login, "error", err)
		} else if r != nil && r.UserID != "" {
			return r.UserID, nil
		}
	}
	if m.twitch == nil {
		return "", fmt.Errorf("resolve twitch user %s: no twitch client", login)
	}
	id, err := m.twitch.ResolveUserID(ctx, login)
	if err != nil {
		return "", err
	}
	m.saveResolved(ctx, store.Resolved{Platform: domain.PlatformTwitch, Login: login, UserID: id})
	return id, nil
}

func (m *Manager) saveResolved(ctx context.Context, r store.Resolved) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveResolved(ctx, r); err != nil {
		m.logger.Warn("store save failed", "platform", r.Platform, "login", r.Login, "error", err)
	}
}
