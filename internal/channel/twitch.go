package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"chatcore/internal/codec"
	"chatcore/internal/domain"
	"chatcore/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	TwitchIRCURL = "wss://irc-ws.chat.twitch.tv:443"

	// Twitch pings roughly every five minutes.
	twitchReadTimeout  = 6 * time.Minute
	twitchWriteTimeout = 10 * time.Second
	twitchSendScope    = "chat:edit"
)

var errReconnectRequested = errors.New("server requested reconnect")

// TokenInfo is what a token validation reports.
type TokenInfo struct {
	Login  string
	UserID string
	Scopes []string
}

// TokenValidator checks an OAuth token and returns the login it belongs to.
type TokenValidator func(ctx context.Context, token string) (TokenInfo, error)

// TwitchConfig configures a Twitch IRC connection.
type TwitchConfig struct {
	URL      string // default TwitchIRCURL
	Token    string // OAuth token without the "oauth:" prefix; empty for anonymous
	Validate TokenValidator
	Dialer   *websocket.Dialer
	Limiter  *RateLimiter
	Batch    BatchConfig
	Logger   *slog.Logger
}

// NewTwitch creates a connection for one Twitch channel.
func NewTwitch(ref domain.ChannelRef, cfg TwitchConfig) *Conn {
	if cfg.URL == "" {
		cfg.URL = TwitchIRCURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(twitchSendBurst, twitchSendPerMinute)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &twitchSession{
		url:      cfg.URL,
		channel:  strings.ToLower(strings.TrimPrefix(ref.ID, "#")),
		key:      ref.Key(),
		token:    strings.TrimPrefix(cfg.Token, "oauth:"),
		validate: cfg.Validate,
		dialer:   cfg.Dialer,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger.With("platform", "twitch", "channel", ref.Key()),
	}
	return newConn(ref, s, cfg.Batch, cfg.Logger)
}

type twitchSession struct {
	url      string
	channel  string
	key      string
	validate TokenValidator
	dialer   *websocket.Dialer
	limiter  *RateLimiter
	logger   *slog.Logger

	mu      sync.Mutex
	token   string
	nick    string
	anon    bool
	canSend bool
	self    domain.ChatUser
	ws      *websocket.Conn

	writeMu sync.Mutex
}

func (s *twitchSession) Open(ctx context.Context) error {
	nick, token, canSend := s.login(ctx)

	ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial twitch irc: %w", err)
	}

	s.mu.Lock()
	s.ws = ws
	s.nick = nick
	s.anon = token == ""
	s.canSend = canSend
	s.self = domain.ChatUser{Login: nick, DisplayName: nick, Platform: domain.PlatformTwitch}
	s.mu.Unlock()

	lines := []string{"CAP REQ :twitch.tv/membership twitch.tv/tags twitch.tv/commands"}
	if token != "" {
		lines = append(lines, "PASS oauth:"+token)
	}
	lines = append(lines, "NICK "+nick, "JOIN #"+s.channel)
	for _, l := range lines {
		if err := s.writeLine(l); err != nil {
			return fmt.Errorf("twitch handshake: %w", err)
		}
	}
	return nil
}

// login resolves the identity to connect with. Validation failures fall
// back to an anonymous login.
func (s *twitchSession) login(ctx context.Context) (nick, token string, canSend bool) {
	s.mu.Lock()
	token = s.token
	s.mu.Unlock()

	if token != "" && s.validate != nil {
		info, err := s.validate(ctx, token)
		if err == nil && info.Login != "" {
			return strings.ToLower(info.Login), token, slices.Contains(info.Scopes, twitchSendScope)
		}
		s.logger.Warn("twitch token rejected, joining anonymously", "error", err)
		s.dropToken()
	}
	return fmt.Sprintf("justinfan%d", 10000+rand.IntN(90000)), "", false
}

func (s *twitchSession) dropToken() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *twitchSession) conn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

func (s *twitchSession) Serve(ctx context.Context, emit func(codec.Event)) error {
	ws := s.conn()
	if ws == nil {
		return domain.ErrNotConnected
	}
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		ws.SetReadDeadline(time.Now().Add(twitchReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("twitch read: %w", err)
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			if err := s.handleLine(line, emit); err != nil {
				return err
			}
		}
	}
}

func (s *twitchSession) handleLine(line string, emit func(codec.Event)) error {
	m, err := codec.ParseIRC(line)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("twitch").Inc()
		s.logger.Debug("skip malformed irc line", "error", err)
		return nil
	}
	ev := codec.DecodeTwitch(m, s.key)
	if ev.Kind != codec.EventControl {
		if ev.Kind != codec.EventNone {
			emit(ev)
		}
		return nil
	}

	switch ev.Control {
	case "PING":
		return s.writeLine("PONG :" + m.Trailing)
	case "RECONNECT":
		return errReconnectRequested
	case "NOTICE":
		if codec.IsLoginFailure(m.Trailing) {
			s.dropToken()
			return fmt.Errorf("twitch login failed: %s", m.Trailing)
		}
		s.logger.Info("twitch notice", "msg_id", m.Tags["msg-id"], "text", m.Trailing)
	case "GLOBALUSERSTATE", "USERSTATE":
		s.updateSelf(m.Tags)
	}
	return nil
}

func (s *twitchSession) updateSelf(tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anon {
		return
	}
	if d := tags["display-name"]; d != "" {
		s.self.DisplayName = d
	}
	if id := tags["user-id"]; id != "" {
		s.self.ID = id
	}
	if c, ok := tags["color"]; ok {
		s.self.Color = c
	}
	if b, ok := tags["badges"]; ok {
		s.self.Badges = codec.ParseBadges(b)
	}
}

func (s *twitchSession) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	canSend := s.canSend
	s.mu.Unlock()
	if !canSend {
		return domain.ErrAuthMissing
	}
	text = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(text))
	if text == "" {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.writeLine("PRIVMSG #" + s.channel + " :" + text)
}

func (s *twitchSession) writeLine(line string) error {
	ws := s.conn()
	if ws == nil {
		return domain.ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(twitchWriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func (s *twitchSession) Close() error {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

func (s *twitchSession) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anon {
		return ""
	}
	return s.nick
}

func (s *twitchSession) Self() domain.ChatUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.self
	u.Badges = slices.Clone(s.self.Badges)
	return u
}
