package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const KickTokenURL = "https://id.kick.com/oauth/token"

// KickAuth hands out Kick bearer tokens and can force a refresh after the
// API rejects one.
type KickAuth struct {
	config *oauth2.Config
	client *http.Client

	// OnRefresh, if set, receives every newly minted token so it can be
	// persisted.
	OnRefresh func(*oauth2.Token)

	mu   sync.Mutex
	src  oauth2.TokenSource
	last string
}

// NewKickAuth builds a token source from stored credentials. client may be
// nil.
func NewKickAuth(clientID, clientSecret, accessToken, refreshToken string, client *http.Client) *KickAuth {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  KickTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	a := &KickAuth{config: cfg, client: client, last: accessToken}
	a.src = cfg.TokenSource(a.ctx(), &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	})
	return a
}

// SetTokenURL points refreshes at another endpoint.
func (a *KickAuth) SetTokenURL(u string) {
	a.mu.Lock()
	a.config.Endpoint.TokenURL = u
	a.mu.Unlock()
}

func (a *KickAuth) ctx() context.Context {
	ctx := context.Background()
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	}
	return ctx
}

// Token returns the current access token, refreshing it when expired.
func (a *KickAuth) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	src := a.src
	a.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("kick: empty access token")
	}
	a.noteToken(tok)
	return tok, nil
}

// ForceRefresh discards the cached access token and trades the refresh
// token for a new one.
func (a *KickAuth) ForceRefresh() (*oauth2.Token, error) {
	a.mu.Lock()
	cur, err := a.src.Token()
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if cur.RefreshToken == "" {
		a.mu.Unlock()
		return nil, errors.New("kick: no refresh token")
	}
	expired := *cur
	expired.Expiry = time.Now().Add(-time.Minute)
	a.src = a.config.TokenSource(a.ctx(), &expired)
	src := a.src
	a.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	a.noteToken(tok)
	return tok, nil
}

func (a *KickAuth) noteToken(tok *oauth2.Token) {
	a.mu.Lock()
	changed := tok.AccessToken != a.last
	a.last = tok.AccessToken
	hook := a.OnRefresh
	a.mu.Unlock()
	if changed && hook != nil {
		hook(tok)
	}
}
