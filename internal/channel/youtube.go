package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatcore/internal/codec"
	"chatcore/internal/domain"
	"chatcore/internal/metrics"
)

const (
	YouTubeBaseURL = "https://www.youtube.com"

	youtubeOrigin      = "https://www.youtube.com"
	youtubeUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	youtubeMinPoll     = 500 * time.Millisecond
	youtubeMaxPoll     = 2 * time.Second
	youtubeMaxBodySize = 8 << 20

	// consecutive undecodable poll responses before the session is dropped
	youtubeMaxMalformed = 10
)

// YouTubeConfig configures a YouTube live chat poller.
type YouTubeConfig struct {
	BaseURL    string // default YouTubeBaseURL
	Cookies    string // browser cookie header; required for sending
	HTTPClient *http.Client
	MinPoll    time.Duration
	MaxPoll    time.Duration
	Batch      BatchConfig
	Logger     *slog.Logger
}

// NewYouTube creates a connection for one live video's chat. ref.ID is the
// video id.
func NewYouTube(ref domain.ChannelRef, cfg YouTubeConfig) *Conn {
	if cfg.BaseURL == "" {
		cfg.BaseURL = YouTubeBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = youtubeMinPoll
	}
	if cfg.MaxPoll < cfg.MinPoll {
		cfg.MaxPoll = youtubeMaxPoll
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &youtubeSession{
		cfg:     cfg,
		videoID: ref.ID,
		key:     ref.Key(),
		cookies: codec.ParseCookieString(cfg.Cookies),
		logger:  cfg.Logger.With("platform", "youtube", "channel", ref.Key()),
	}
	return newConn(ref, s, cfg.Batch, cfg.Logger)
}

type youtubeSession struct {
	cfg     YouTubeConfig
	videoID string
	key     string
	cookies map[string]string
	logger  *slog.Logger

	mu   sync.Mutex
	boot codec.LiveChatBootstrap
}

func (s *youtubeSession) bootstrap() codec.LiveChatBootstrap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boot
}

func (s *youtubeSession) Open(ctx context.Context) error {
	u := s.cfg.BaseURL + "/live_chat?is_popout=1&v=" + url.QueryEscape(s.videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	s.decorate(req)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("youtube live chat page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("youtube live chat page: HTTP %d", resp.StatusCode)
	}
	html, err := io.ReadAll(io.LimitReader(resp.Body, youtubeMaxBodySize))
	if err != nil {
		return fmt.Errorf("youtube live chat page: %w", err)
	}

	boot, err := codec.ParseLiveChatPage(html)
	if err != nil {
		return fmt.Errorf("no live chat for %s: %w", s.videoID, domain.ErrStreamEnded)
	}
	s.mu.Lock()
	s.boot = boot
	s.mu.Unlock()
	return nil
}

func (s *youtubeSession) Serve(ctx context.Context, emit func(codec.Event)) error {
	boot := s.bootstrap()
	continuation := boot.Continuation
	malformed := 0

	for {
		body, err := s.innertube(ctx, "live_chat/get_live_chat", map[string]any{
			"continuation": continuation,
		}, false)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		page, err := codec.DecodeLiveChat(body, s.key)
		if err != nil {
			// skip the page and poll the same continuation again
			metrics.FramesDropped.WithLabelValues("youtube").Inc()
			if malformed++; malformed >= youtubeMaxMalformed {
				return fmt.Errorf("%d malformed live chat pages in a row: %w", malformed, err)
			}
			s.logger.Warn("skipping malformed live chat page", "error", err)
			if !sleepCtx(ctx, s.cfg.MinPoll) {
				return ctx.Err()
			}
			continue
		}
		malformed = 0
		for _, ev := range page.Events {
			emit(ev)
		}
		if page.Ended {
			return domain.ErrStreamEnded
		}
		continuation = page.Continuation

		if !sleepCtx(ctx, s.pollDelay(page.Timeout)) {
			return ctx.Err()
		}
	}
}

// pollDelay follows the server's suggested cadence within the configured
// bounds.
func (s *youtubeSession) pollDelay(suggested time.Duration) time.Duration {
	switch {
	case suggested < s.cfg.MinPoll:
		return s.cfg.MinPoll
	case suggested > s.cfg.MaxPoll:
		return s.cfg.MaxPoll
	}
	return suggested
}

func (s *youtubeSession) Send(ctx context.Context, text string) error {
	if len(s.cookies) == 0 {
		return domain.ErrAuthMissing
	}
	if missing := codec.ValidateCookies(s.cookies); len(missing) > 0 {
		return fmt.Errorf("youtube cookies missing %s: %w", strings.Join(missing, ", "), domain.ErrAuthMissing)
	}
	boot := s.bootstrap()
	if boot.SendParams == "" {
		return fmt.Errorf("youtube chat does not accept messages from this account: %w", domain.ErrAuthMissing)
	}
	_, err := s.innertube(ctx, "live_chat/send_message", map[string]any{
		"params": boot.SendParams,
		"richMessage": map[string]any{
			"textSegments": []map[string]string{{"text": text}},
		},
	}, true)
	return err
}

// innertube posts one youtubei/v1 request and returns the body.
func (s *youtubeSession) innertube(ctx context.Context, endpoint string, payload map[string]any, auth bool) ([]byte, error) {
	boot := s.bootstrap()
	payload["context"] = map[string]any{
		"client": map[string]string{
			"clientName":    "WEB",
			"clientVersion": boot.ClientVersion,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/youtubei/v1/%s?key=%s&prettyPrint=false", s.cfg.BaseURL, endpoint, url.QueryEscape(boot.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.decorate(req)
	if auth {
		req.Header.Set("Authorization", codec.SAPISIDHash(s.cookies["SAPISID"], youtubeOrigin, time.Now()))
		req.Header.Set("X-Origin", youtubeOrigin)
		req.Header.Set("Origin", youtubeOrigin)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, youtubeMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("youtube %s: %w", endpoint, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("youtube %s: HTTP %d: %w", endpoint, resp.StatusCode, domain.ErrAuthMissing)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("youtube %s: HTTP %d", endpoint, resp.StatusCode)
	}
	return data, nil
}

func (s *youtubeSession) decorate(req *http.Request) {
	req.Header.Set("User-Agent", youtubeUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if len(s.cookies) > 0 {
		parts := make([]string, 0, len(s.cookies))
		for k, v := range s.cookies {
			parts = append(parts, k+"="+v)
		}
		req.Header.Set("Cookie", strings.Join(parts, "; "))
	}
}

// Polling holds no socket.
func (s *youtubeSession) Close() error { return nil }

// YouTube echoes sent messages through the poll, so no identity is needed.
func (s *youtubeSession) Nick() string { return "" }

func (s *youtubeSession) Self() domain.ChatUser {
	return domain.ChatUser{Platform: domain.PlatformYouTube}
}
