package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"chatcore/internal/domain"
)

const (
	HelixAPI         = "https://api.twitch.tv/helix"
	IVRAPI           = "https://api.ivr.fi"
	TwitchIDAPI      = "https://id.twitch.tv"
	TwitchBadgesAPI  = "https://badges.twitch.tv"
	twitchEmoteCDN   = "https://static-cdn.jtvnw.net/emoticons/v2/"
	maxUserEmotePage = 20
)

type TwitchConfig struct {
	HelixBase  string // default HelixAPI
	IVRBase    string // default IVRAPI
	IDBase     string // default TwitchIDAPI
	BadgesBase string // default TwitchBadgesAPI
	ClientID   string
	Token      string // OAuth token; Helix calls are skipped without it
	Client     *Client
}

// Twitch wraps the Helix endpoints plus the public fallbacks used when no
// token is configured.
type Twitch struct {
	cfg    TwitchConfig
	client *Client
}

func NewTwitch(cfg TwitchConfig) *Twitch {
	if cfg.HelixBase == "" {
		cfg.HelixBase = HelixAPI
	}
	if cfg.IVRBase == "" {
		cfg.IVRBase = IVRAPI
	}
	if cfg.IDBase == "" {
		cfg.IDBase = TwitchIDAPI
	}
	if cfg.BadgesBase == "" {
		cfg.BadgesBase = TwitchBadgesAPI
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(Client{})
	}
	cfg.Token = strings.TrimPrefix(cfg.Token, "oauth:")
	return &Twitch{cfg: cfg, client: cfg.Client}
}

func (p *Twitch) Name() string { return "twitch" }

func (p *Twitch) hasHelix() bool { return p.cfg.Token != "" && p.cfg.ClientID != "" }

func (p *Twitch) helixHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.cfg.Token)
	h.Set("Client-Id", p.cfg.ClientID)
	return h
}

func (p *Twitch) helix(ctx context.Context, path string, q url.Values, out any) error {
	u := strings.TrimRight(p.cfg.HelixBase, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return p.client.getJSON(ctx, p.Name(), u, p.helixHeader(), out)
}

// ResolveUserID maps a login to the numeric user id. Numeric input is
// returned as is.
func (p *Twitch) ResolveUserID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return "", fmt.Errorf("resolve user id: empty login")
	}
	if isDigits(login) {
		return login, nil
	}
	var sources []source[string]
	if p.hasHelix() {
		sources = append(sources, source[string]{name: "helix", fn: func(ctx context.Context) (string, error) {
			var resp struct {
				Data []struct {
					ID string `json:"id"`
				} `json:"data"`
			}
			if err := p.helix(ctx, "/users", url.Values{"login": {login}}, &resp); err != nil {
				return "", err
			}
			if len(resp.Data) == 0 || resp.Data[0].ID == "" {
				return "", errEmpty
			}
			return resp.Data[0].ID, nil
		}})
	}
	sources = append(sources, source[string]{name: "ivr", fn: func(ctx context.Context) (string, error) {
		var users []struct {
			ID string `json:"id"`
		}
		u := strings.TrimRight(p.cfg.IVRBase, "/") + "/v2/twitch/user?" + url.Values{"login": {login}}.Encode()
		if err := p.client.getJSON(ctx, "ivr", u, nil, &users); err != nil {
			return "", err
		}
		if len(users) == 0 || users[0].ID == "" {
			return "", errEmpty
		}
		return users[0].ID, nil
	}})
	return failover(ctx, p.client.Logger, "resolve "+login, sources...)
}

type helixEmote struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Format []string `json:"format"`
}

type helixEmotes struct {
	Data       []helixEmote `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

func parseHelixEmotes(list []helixEmote) []domain.Emote {
	out := make([]domain.Emote, 0, len(list))
	for _, e := range list {
		if e.ID == "" || e.Name == "" {
			continue
		}
		out = append(out, domain.Emote{
			ID:          e.ID,
			Name:        e.Name,
			URLTemplate: twitchEmoteCDN + e.ID + "/default/dark/{size}",
			Provider:    "twitch",
			Animated:    slices.Contains(e.Format, "animated"),
		})
	}
	return out
}

// GlobalEmotes needs a token; without one it returns nothing.
func (p *Twitch) GlobalEmotes(ctx context.Context) ([]domain.Emote, error) {
	if !p.hasHelix() {
		return nil, nil
	}
	var resp helixEmotes
	if err := p.helix(ctx, "/chat/emotes/global", nil, &resp); err != nil {
		return nil, err
	}
	return parseHelixEmotes(resp.Data), nil
}

// ChannelEmotes expects the numeric broadcaster id.
func (p *Twitch) ChannelEmotes(ctx context.Context, platform domain.Platform, channelID string) ([]domain.Emote, error) {
	if platform != domain.PlatformTwitch || !p.hasHelix() {
		return nil, nil
	}
	var resp helixEmotes
	if err := p.helix(ctx, "/chat/emotes", url.Values{"broadcaster_id": {channelID}}, &resp); err != nil {
		return nil, err
	}
	return parseHelixEmotes(resp.Data), nil
}

// UserEmotes returns every emote the authenticated user may use, following
// pagination.
func (p *Twitch) UserEmotes(ctx context.Context, userID string) ([]domain.Emote, error) {
	if !p.hasHelix() || userID == "" {
		return nil, nil
	}
	var (
		out    []domain.Emote
		cursor string
	)
	for page := 0; page < maxUserEmotePage; page++ {
		q := url.Values{"user_id": {userID}}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var resp helixEmotes
		if err := p.helix(ctx, "/chat/emotes/user", q, &resp); err != nil {
			return out, err
		}
		out = append(out, parseHelixEmotes(resp.Data)...)
		cursor = resp.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return out, nil
}

type helixBadgeSet struct {
	SetID    string `json:"set_id"`
	Versions []struct {
		ID         string `json:"id"`
		ImageURL1x string `json:"image_url_1x"`
		ImageURL2x string `json:"image_url_2x"`
	} `json:"versions"`
}

// Badges returns the global and channel badge images keyed by
// "set/version". Helix is preferred; the public badge API is the fallback.
func (p *Twitch) Badges(ctx context.Context, broadcasterID string) (domain.BadgeMap, error) {
	var sources []source[domain.BadgeMap]
	if p.hasHelix() {
		sources = append(sources, source[domain.BadgeMap]{name: "helix", fn: func(ctx context.Context) (domain.BadgeMap, error) {
			m := domain.BadgeMap{}
			var global struct {
				Data []helixBadgeSet `json:"data"`
			}
			gerr := p.helix(ctx, "/chat/badges/global", nil, &global)
			addHelixBadges(m, global.Data)
			if broadcasterID != "" {
				var channel struct {
					Data []helixBadgeSet `json:"data"`
				}
				if err := p.helix(ctx, "/chat/badges", url.Values{"broadcaster_id": {broadcasterID}}, &channel); err != nil {
					p.client.Logger.Debug("channel badges unavailable", "broadcaster", broadcasterID, "error", err)
				}
				addHelixBadges(m, channel.Data)
			}
			if len(m) == 0 {
				return nil, errors.Join(errEmpty, gerr)
			}
			return m, nil
		}})
	}
	sources = append(sources, source[domain.BadgeMap]{name: "public", fn: p.publicBadges})
	return failover(ctx, p.client.Logger, "twitch badges", sources...)
}

func addHelixBadges(m domain.BadgeMap, sets []helixBadgeSet) {
	for _, set := range sets {
		for _, v := range set.Versions {
			u := v.ImageURL2x
			if u == "" {
				u = v.ImageURL1x
			}
			if set.SetID != "" && v.ID != "" && u != "" {
				m[set.SetID+"/"+v.ID] = u
			}
		}
	}
}

func (p *Twitch) publicBadges(ctx context.Context) (domain.BadgeMap, error) {
	var resp struct {
		BadgeSets map[string]struct {
			Versions map[string]struct {
				ImageURL1x string `json:"image_url_1x"`
				ImageURL2x string `json:"image_url_2x"`
			} `json:"versions"`
		} `json:"badge_sets"`
	}
	u := strings.TrimRight(p.cfg.BadgesBase, "/") + "/v1/badges/global/display"
	if err := p.client.getJSON(ctx, "twitch_badges", u, nil, &resp); err != nil {
		return nil, err
	}
	m := domain.BadgeMap{}
	for set, data := range resp.BadgeSets {
		for version, v := range data.Versions {
			u := v.ImageURL2x
			if u == "" {
				u = v.ImageURL1x
			}
			if u != "" {
				m[set+"/"+version] = u
			}
		}
	}
	if len(m) == 0 {
		return nil, errEmpty
	}
	return m, nil
}

// TokenInfo is what id.twitch.tv reports for a token.
type TokenInfo struct {
	Login    string   `json:"login"`
	UserID   string   `json:"user_id"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// ValidateToken checks token against id.twitch.tv. A rejected token yields
// domain.ErrAuthMissing.
func (p *Twitch) ValidateToken(ctx context.Context, token string) (TokenInfo, error) {
	token = strings.TrimPrefix(token, "oauth:")
	if token == "" {
		return TokenInfo{}, domain.ErrAuthMissing
	}
	h := http.Header{}
	h.Set("Authorization", "OAuth "+token)
	var info TokenInfo
	err := p.client.getJSON(ctx, "twitch_id", strings.TrimRight(p.cfg.IDBase, "/")+"/oauth2/validate", h, &info)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		return TokenInfo{}, fmt.Errorf("validate token: %w", domain.ErrAuthMissing)
	}
	if err != nil {
		return TokenInfo{}, fmt.Errorf("validate token: %w", err)
	}
	if info.Login == "" {
		return TokenInfo{}, fmt.Errorf("validate token: %w", domain.ErrAuthMissing)
	}
	return info, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
