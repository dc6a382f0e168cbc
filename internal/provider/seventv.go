package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"chatcore/internal/domain"
)

const SevenTVAPI = "https://7tv.io"

type SevenTVConfig struct {
	APIBase string // default SevenTVAPI
	Client  *Client
}

// SevenTV fetches 7TV emote sets. It serves every platform.
type SevenTV struct {
	base   string
	client *Client
}

func NewSevenTV(cfg SevenTVConfig) *SevenTV {
	if cfg.APIBase == "" {
		cfg.APIBase = SevenTVAPI
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(Client{})
	}
	return &SevenTV{base: strings.TrimRight(cfg.APIBase, "/"), client: cfg.Client}
}

func (p *SevenTV) Name() string { return "7tv" }

type sevenTVHost struct {
	URL string `json:"url"`
}

type sevenTVEmoteData struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Flags    int         `json:"flags"`
	Animated bool        `json:"animated"`
	Host     sevenTVHost `json:"host"`
}

type sevenTVEmote struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Flags int               `json:"flags"`
	Data  *sevenTVEmoteData `json:"data"`
}

type sevenTVSet struct {
	Emotes []sevenTVEmote `json:"emotes"`
}

func (p *SevenTV) GlobalEmotes(ctx context.Context) ([]domain.Emote, error) {
	var set sevenTVSet
	if err := p.client.getJSON(ctx, p.Name(), p.base+"/v3/emote-sets/global", nil, &set); err != nil {
		return nil, err
	}
	return parseSevenTV(set.Emotes), nil
}

func (p *SevenTV) ChannelEmotes(ctx context.Context, platform domain.Platform, channelID string) ([]domain.Emote, error) {
	var user struct {
		EmoteSet *sevenTVSet `json:"emote_set"`
	}
	u := p.base + "/v3/users/" + url.PathEscape(string(platform)) + "/" + url.PathEscape(channelID)
	err := p.client.getJSON(ctx, p.Name(), u, nil, &user)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if user.EmoteSet == nil {
		return nil, nil
	}
	return parseSevenTV(user.EmoteSet.Emotes), nil
}

func parseSevenTV(list []sevenTVEmote) []domain.Emote {
	out := make([]domain.Emote, 0, len(list))
	for _, e := range list {
		// Active emotes wrap the emote itself in "data"; bare emotes do not.
		d := sevenTVEmoteData{ID: e.ID, Name: e.Name, Flags: e.Flags}
		if e.Data != nil {
			d = *e.Data
		}
		id := d.ID
		if id == "" {
			id = e.ID
		}
		name := e.Name
		if name == "" {
			name = d.Name
		}
		if id == "" || name == "" {
			continue
		}
		base := d.Host.URL
		if base == "" {
			base = "//cdn.7tv.app/emote/" + id
		}
		if strings.HasPrefix(base, "//") {
			base = "https:" + base
		}
		out = append(out, domain.Emote{
			ID:          id,
			Name:        name,
			URLTemplate: strings.TrimRight(base, "/") + "/{size}x.webp",
			Provider:    "7tv",
			ZeroWidth:   d.Flags&1 != 0,
			Animated:    d.Animated,
		})
	}
	return out
}
