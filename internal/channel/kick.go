package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatcore/internal/codec"
	"chatcore/internal/domain"
	"chatcore/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	KickPusherURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.3.0&flash=false"
	KickChatAPI   = "https://api.kick.com/public/v1/chat"

	kickHandshakeTimeout = 10 * time.Second
	// Pusher pings well inside its 120s activity timeout.
	kickReadTimeout  = 3 * time.Minute
	kickWriteTimeout = 10 * time.Second
)

// ChatroomResolver maps a channel slug to its chatroom and broadcaster ids.
type ChatroomResolver func(ctx context.Context, slug string) (chatroomID, broadcasterUserID int64, err error)

// KickConfig configures a Kick Pusher connection.
type KickConfig struct {
	URL              string // default KickPusherURL
	SendURL          string // default KickChatAPI
	Resolve          ChatroomResolver
	Auth             *KickAuth // nil means read-only
	Username         string    // the authenticated account, for mentions
	HTTPClient       *http.Client
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	Batch            BatchConfig
	Logger           *slog.Logger
}

// NewKick creates a connection for one Kick channel.
func NewKick(ref domain.ChannelRef, cfg KickConfig) *Conn {
	if cfg.URL == "" {
		cfg.URL = KickPusherURL
	}
	if cfg.SendURL == "" {
		cfg.SendURL = KickChatAPI
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = kickHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &kickSession{
		cfg:           cfg,
		slug:          strings.ToLower(ref.ID),
		key:           ref.Key(),
		chatroomID:    ref.ChatroomID,
		broadcasterID: ref.BroadcasterUserID,
		logger:        cfg.Logger.With("platform", "kick", "channel", ref.Key()),
	}
	return newConn(ref, s, cfg.Batch, cfg.Logger)
}

type kickSession struct {
	cfg    KickConfig
	slug   string
	key    string
	logger *slog.Logger

	mu            sync.Mutex
	chatroomID    int64
	broadcasterID int64
	ws            *websocket.Conn

	writeMu sync.Mutex
}

func (s *kickSession) ids() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatroomID, s.broadcasterID
}

func (s *kickSession) Open(ctx context.Context) error {
	chatroom, _ := s.ids()
	if chatroom == 0 {
		if s.cfg.Resolve == nil {
			return errors.New("kick: chatroom id unknown and no resolver configured")
		}
		room, user, err := s.cfg.Resolve(ctx, s.slug)
		if err != nil {
			return fmt.Errorf("resolve kick chatroom: %w", err)
		}
		s.mu.Lock()
		s.chatroomID, s.broadcasterID = room, user
		s.mu.Unlock()
		chatroom = room
	}

	ws, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial kick pusher: %w", err)
	}
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	if err := s.awaitEstablished(ctx, ws); err != nil {
		return err
	}
	if err := s.write(codec.SubscribeFrame(chatroom)); err != nil {
		return fmt.Errorf("kick subscribe: %w", err)
	}
	return nil
}

func (s *kickSession) awaitEstablished(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("kick handshake: %w", err)
		}
		f, err := codec.DecodePusher(data)
		if err != nil {
			continue
		}
		ev, _ := codec.DecodeKick(f, s.key)
		switch ev.Control {
		case codec.ControlEstablished:
			return nil
		case codec.ControlError:
			return fmt.Errorf("kick handshake: pusher error %s", string(f.Data))
		}
	}
}

func (s *kickSession) conn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

func (s *kickSession) Serve(ctx context.Context, emit func(codec.Event)) error {
	ws := s.conn()
	if ws == nil {
		return domain.ErrNotConnected
	}
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		ws.SetReadDeadline(time.Now().Add(kickReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kick read: %w", err)
		}

		f, err := codec.DecodePusher(data)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("kick").Inc()
			s.logger.Debug("skip malformed pusher frame", "error", err)
			continue
		}
		ev, err := codec.DecodeKick(f, s.key)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("kick").Inc()
			s.logger.Debug("skip undecodable kick event", "event", f.Event, "error", err)
			continue
		}

		switch ev.Kind {
		case codec.EventNone:
		case codec.EventControl:
			switch ev.Control {
			case codec.ControlPing:
				if err := s.write(codec.PongFrame()); err != nil {
					return fmt.Errorf("kick pong: %w", err)
				}
			case codec.ControlSubscribed:
				s.logger.Debug("kick chatroom subscribed")
			case codec.ControlError:
				s.logger.Warn("pusher error", "data", string(f.Data))
			}
		default:
			emit(ev)
		}
	}
}

func (s *kickSession) write(frame []byte) error {
	ws := s.conn()
	if ws == nil {
		return domain.ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(kickWriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// Send posts through the public chat API. A 401 forces one token refresh
// and retry.
func (s *kickSession) Send(ctx context.Context, text string) error {
	if s.cfg.Auth == nil {
		return domain.ErrAuthMissing
	}
	_, broadcaster := s.ids()
	if broadcaster == 0 {
		return errors.New("kick: broadcaster id unknown")
	}
	body, err := json.Marshal(map[string]any{
		"broadcaster_user_id": broadcaster,
		"content":             text,
		"type":                "user",
	})
	if err != nil {
		return err
	}

	tok, err := s.cfg.Auth.Token()
	if err != nil {
		return fmt.Errorf("kick token: %v: %w", err, domain.ErrAuthMissing)
	}
	status, err := s.post(ctx, body, tok.AccessToken)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		s.logger.Info("kick token rejected, refreshing")
		tok, err = s.cfg.Auth.ForceRefresh()
		if err != nil {
			return fmt.Errorf("kick token refresh: %v: %w", err, domain.ErrAuthMissing)
		}
		if status, err = s.post(ctx, body, tok.AccessToken); err != nil {
			return err
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("kick send: HTTP %d: %w", status, domain.ErrAuthMissing)
	case status >= 300:
		return fmt.Errorf("kick send: HTTP %d", status)
	}
	return nil
}

func (s *kickSession) post(ctx context.Context, body []byte, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SendURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kick send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func (s *kickSession) Close() error {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

func (s *kickSession) Nick() string {
	if s.cfg.Auth == nil {
		return ""
	}
	return strings.ToLower(s.cfg.Username)
}

// Kick echoes sends back through Pusher, so Self only carries the login.
func (s *kickSession) Self() domain.ChatUser {
	n := s.Nick()
	return domain.ChatUser{Login: n, DisplayName: s.cfg.Username, Platform: domain.PlatformKick}
}
