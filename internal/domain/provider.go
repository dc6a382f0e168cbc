package domain

import "context"

// EmoteProvider is implemented by every third-party and platform emote
// source.
type EmoteProvider interface {
	Name() string
	GlobalEmotes(ctx context.Context) ([]Emote, error)
	// ChannelEmotes returns the emotes of one channel. Providers that do not
	// serve the platform return an empty list.
	ChannelEmotes(ctx context.Context, platform Platform, channelID string) ([]Emote, error)
}

// BadgeMap maps a badge id ("name/version") to its image URL.
type BadgeMap map[string]string
