package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"chatcore/internal/domain"
)

const (
	BTTVAPI = "https://api.betterttv.net"
	bttvCDN = "https://cdn.betterttv.net/emote/"
)

// BTTV marks overlay emotes only through this fixed list of codes.
var bttvZeroWidth = map[string]bool{
	"SoSnowy":   true,
	"IceCold":   true,
	"SantaHat":  true,
	"TopHat":    true,
	"ReinDeer":  true,
	"CandyCane": true,
	"cvMask":    true,
	"cvHazmat":  true,
}

type BTTVConfig struct {
	APIBase string // default BTTVAPI
	Client  *Client
}

// BTTV fetches BetterTTV emotes. Channel lookups exist for Twitch only.
type BTTV struct {
	base   string
	client *Client
}

func NewBTTV(cfg BTTVConfig) *BTTV {
	if cfg.APIBase == "" {
		cfg.APIBase = BTTVAPI
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(Client{})
	}
	return &BTTV{base: strings.TrimRight(cfg.APIBase, "/"), client: cfg.Client}
}

func (p *BTTV) Name() string { return "bttv" }

type bttvEmote struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	ImageType string `json:"imageType"`
	Animated  bool   `json:"animated"`
}

func (p *BTTV) GlobalEmotes(ctx context.Context) ([]domain.Emote, error) {
	var list []bttvEmote
	if err := p.client.getJSON(ctx, p.Name(), p.base+"/3/cached/emotes/global", nil, &list); err != nil {
		return nil, err
	}
	return parseBTTV(list), nil
}

func (p *BTTV) ChannelEmotes(ctx context.Context, platform domain.Platform, channelID string) ([]domain.Emote, error) {
	if platform != domain.PlatformTwitch {
		return nil, nil
	}
	var user struct {
		ChannelEmotes []bttvEmote `json:"channelEmotes"`
		SharedEmotes  []bttvEmote `json:"sharedEmotes"`
	}
	err := p.client.getJSON(ctx, p.Name(), p.base+"/3/cached/users/twitch/"+url.PathEscape(channelID), nil, &user)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return append(parseBTTV(user.ChannelEmotes), parseBTTV(user.SharedEmotes)...), nil
}

func parseBTTV(list []bttvEmote) []domain.Emote {
	out := make([]domain.Emote, 0, len(list))
	for _, e := range list {
		if e.ID == "" || e.Code == "" {
			continue
		}
		out = append(out, domain.Emote{
			ID:          e.ID,
			Name:        e.Code,
			URLTemplate: bttvCDN + e.ID + "/{size}x",
			Provider:    "bttv",
			ZeroWidth:   bttvZeroWidth[e.Code],
			Animated:    e.Animated || e.ImageType == "gif",
		})
	}
	return out
}
