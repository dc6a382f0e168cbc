package provider

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"chatcore/internal/domain"
)

const FFZAPI = "https://api.frankerfacez.com"

type FFZConfig struct {
	APIBase string // default FFZAPI
	Client  *Client
}

// FFZ fetches FrankerFaceZ emote sets. Channel lookups exist for Twitch only.
type FFZ struct {
	base   string
	client *Client
}

func NewFFZ(cfg FFZConfig) *FFZ {
	if cfg.APIBase == "" {
		cfg.APIBase = FFZAPI
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(Client{})
	}
	return &FFZ{base: strings.TrimRight(cfg.APIBase, "/"), client: cfg.Client}
}

func (p *FFZ) Name() string { return "ffz" }

type ffzEmote struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	URLs     map[string]string `json:"urls"`
	Animated map[string]string `json:"animated"`
	Modifier bool              `json:"modifier"`
}

type ffzSet struct {
	Emoticons []ffzEmote `json:"emoticons"`
}

func (p *FFZ) GlobalEmotes(ctx context.Context) ([]domain.Emote, error) {
	var resp struct {
		DefaultSets []int64           `json:"default_sets"`
		Sets        map[string]ffzSet `json:"sets"`
	}
	if err := p.client.getJSON(ctx, p.Name(), p.base+"/v1/set/global", nil, &resp); err != nil {
		return nil, err
	}
	var out []domain.Emote
	for _, id := range resp.DefaultSets {
		out = append(out, parseFFZ(resp.Sets[strconv.FormatInt(id, 10)].Emoticons)...)
	}
	return out, nil
}

func (p *FFZ) ChannelEmotes(ctx context.Context, platform domain.Platform, channelID string) ([]domain.Emote, error) {
	if platform != domain.PlatformTwitch {
		return nil, nil
	}
	var resp struct {
		Sets map[string]ffzSet `json:"sets"`
	}
	err := p.client.getJSON(ctx, p.Name(), p.base+"/v1/room/id/"+url.PathEscape(channelID), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Sets))
	for id := range resp.Sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []domain.Emote
	for _, id := range ids {
		out = append(out, parseFFZ(resp.Sets[id].Emoticons)...)
	}
	return out, nil
}

func parseFFZ(list []ffzEmote) []domain.Emote {
	out := make([]domain.Emote, 0, len(list))
	for _, e := range list {
		if e.ID == 0 || e.Name == "" {
			continue
		}
		urls, animated := e.URLs, false
		if len(e.Animated) > 0 {
			urls, animated = e.Animated, true
		}
		tmpl := ffzTemplate(urls)
		if tmpl == "" {
			continue
		}
		out = append(out, domain.Emote{
			ID:          strconv.FormatInt(e.ID, 10),
			Name:        e.Name,
			URLTemplate: tmpl,
			Provider:    "ffz",
			ZeroWidth:   e.Modifier,
			Animated:    animated,
		})
	}
	return out
}

// ffzTemplate picks the 2x url (else 1x) and turns its trailing scale
// segment into {size} when the CDN layout allows it.
func ffzTemplate(urls map[string]string) string {
	scale := "2"
	u := urls[scale]
	if u == "" {
		scale = "1"
		u = urls[scale]
	}
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "//") {
		u = "https:" + u
	}
	if strings.HasSuffix(u, "/"+scale) {
		return strings.TrimSuffix(u, scale) + "{size}"
	}
	return u
}
