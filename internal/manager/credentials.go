package manager

import (
	"chatcore/internal/config"
	"chatcore/internal/domain"
)

// Credentials are the per-platform secrets connections are built with.
type Credentials struct {
	TwitchToken    string
	TwitchClientID string

	KickAccessToken  string
	KickRefreshToken string
	KickClientID     string
	KickClientSecret string
	KickUsername     string

	YouTubeCookies string
}

func CredentialsFromConfig(cfg *config.Config) Credentials {
	return Credentials{
		TwitchToken:      cfg.Twitch.Token,
		TwitchClientID:   cfg.Twitch.ClientID,
		KickAccessToken:  cfg.Kick.AccessToken,
		KickRefreshToken: cfg.Kick.RefreshToken,
		KickClientID:     cfg.Kick.ClientID,
		KickClientSecret: cfg.Kick.ClientSecret,
		KickUsername:     cfg.Kick.Username,
		YouTubeCookies:   cfg.YouTube.Cookies,
	}
}

// merge takes platform p's fields from other and keeps the rest.
func (c Credentials) merge(p domain.Platform, other Credentials) Credentials {
	switch p {
	case domain.PlatformTwitch:
		c.TwitchToken = other.TwitchToken
		c.TwitchClientID = other.TwitchClientID
	case domain.PlatformKick:
		c.KickAccessToken = other.KickAccessToken
		c.KickRefreshToken = other.KickRefreshToken
		c.KickClientID = other.KickClientID
		c.KickClientSecret = other.KickClientSecret
		c.KickUsername = other.KickUsername
	case domain.PlatformYouTube:
		c.YouTubeCookies = other.YouTubeCookies
	}
	return c
}
