package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"chatcore/internal/domain"
)

const (
	KickAPI       = "https://kick.com/api/v2"
	kickBadgeBase = "https://www.kickdatabase.com/kickBadges/"
	kickUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"
)

// Kick does not serve images for its built-in badges; these are the
// community-hosted equivalents.
var kickSystemBadges = map[string]string{
	"broadcaster": "broadcaster.svg",
	"moderator":   "moderator.svg",
	"vip":         "vip.svg",
	"og":          "og.svg",
	"founder":     "founder.svg",
	"staff":       "staff.svg",
	"verified":    "verified.svg",
	"sub_gifter":  "subGifter.svg",
}

type KickConfig struct {
	APIBase string // default KickAPI
	Client  *Client
}

// Kick looks up channel metadata on kick.com.
type Kick struct {
	base   string
	client *Client
}

func NewKick(cfg KickConfig) *Kick {
	if cfg.APIBase == "" {
		cfg.APIBase = KickAPI
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(Client{})
	}
	return &Kick{base: strings.TrimRight(cfg.APIBase, "/"), client: cfg.Client}
}

func (p *Kick) Name() string { return "kick" }

// KickChannel is the part of the channel document chat needs.
type KickChannel struct {
	Slug       string
	ChatroomID int64
	UserID     int64
	// Badges holds subscriber badges as "subscriber/<months>" plus a bare
	// "subscriber" entry for the lowest tier.
	Badges domain.BadgeMap
}

func (p *Kick) Channel(ctx context.Context, slug string) (KickChannel, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	var resp struct {
		Slug     string `json:"slug"`
		UserID   int64  `json:"user_id"`
		Chatroom struct {
			ID int64 `json:"id"`
		} `json:"chatroom"`
		SubscriberBadges []struct {
			Months     int `json:"months"`
			BadgeImage struct {
				Src string `json:"src"`
			} `json:"badge_image"`
		} `json:"subscriber_badges"`
	}
	h := http.Header{}
	h.Set("User-Agent", kickUserAgent)
	if err := p.client.getJSON(ctx, p.Name(), p.base+"/channels/"+url.PathEscape(slug), h, &resp); err != nil {
		return KickChannel{}, fmt.Errorf("kick channel %s: %w", slug, err)
	}
	if resp.Chatroom.ID == 0 {
		return KickChannel{}, fmt.Errorf("kick channel %s: no chatroom", slug)
	}

	ch := KickChannel{Slug: slug, ChatroomID: resp.Chatroom.ID, UserID: resp.UserID, Badges: domain.BadgeMap{}}
	sort.Slice(resp.SubscriberBadges, func(i, j int) bool {
		return resp.SubscriberBadges[i].Months < resp.SubscriberBadges[j].Months
	})
	for _, b := range resp.SubscriberBadges {
		if b.BadgeImage.Src == "" {
			continue
		}
		ch.Badges["subscriber/"+strconv.Itoa(b.Months)] = b.BadgeImage.Src
		if _, ok := ch.Badges["subscriber"]; !ok {
			ch.Badges["subscriber"] = b.BadgeImage.Src
		}
	}
	return ch, nil
}

// Resolve returns the chatroom and broadcaster ids of slug.
func (p *Kick) Resolve(ctx context.Context, slug string) (chatroomID, broadcasterUserID int64, err error) {
	ch, err := p.Channel(ctx, slug)
	if err != nil {
		return 0, 0, err
	}
	return ch.ChatroomID, ch.UserID, nil
}

// SystemBadges returns image URLs for Kick's built-in badges.
func SystemBadges() domain.BadgeMap {
	m := make(domain.BadgeMap, len(kickSystemBadges))
	for id, file := range kickSystemBadges {
		m[id] = kickBadgeBase + file
	}
	return m
}

// SubscriberBadge finds the image for a "subscriber/<months>" badge id:
// the exact tier when present, else the highest tier not above months.
func SubscriberBadge(m domain.BadgeMap, id string) (string, bool) {
	if u, ok := m[id]; ok {
		return u, true
	}
	rest, ok := strings.CutPrefix(id, "subscriber/")
	if !ok {
		return "", false
	}
	months, err := strconv.Atoi(rest)
	if err != nil {
		return "", false
	}
	best, bestURL := -1, ""
	for k, u := range m {
		tier, ok := strings.CutPrefix(k, "subscriber/")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(tier)
		if err != nil || n > months || n <= best {
			continue
		}
		best, bestURL = n, u
	}
	if best < 0 {
		u, ok := m["subscriber"]
		return u, ok
	}
	return bestURL, true
}
