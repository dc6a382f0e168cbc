// Package browser signs in to YouTube through a real Chrome profile and
// reads back the session cookies chat sends are signed with.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"chatcore/internal/codec"
)

const (
	LoginURL = "https://accounts.google.com/ServiceLogin?service=youtube&continue=https%3A%2F%2Fwww.youtube.com%2F"

	userAgent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	pollInterval = 2 * time.Second
)

// cookieURLs scope the cookie read to the domains YouTube sends to.
var cookieURLs = []string{"https://www.youtube.com", "https://accounts.google.com", "https://www.google.com"}

var ErrNotSignedIn = errors.New("youtube session cookies missing")

// Capture drives a Chrome profile that persists between runs.
type Capture struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

type CaptureConfig struct {
	ProfileDir string // Chrome user data directory, keeps the session
	Headless   bool   // used by Cookies only, Login is always visible
	Logger     *slog.Logger
}

func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".chatcore", "chrome-profile")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Capture{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     cfg.Logger.With("component", "browser"),
	}
}

// newContext creates a chromedp context on the capture's profile. The
// caller must call cancel.
func (c *Capture) newContext(parent context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(c.profileDir, 0o700); err != nil {
		c.logger.Error("failed to create profile dir", "dir", c.profileDir, "error", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(c.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Login opens a visible browser on the Google sign-in page and waits
// until the profile holds every cookie a YouTube send needs. It returns
// the cookie header to store in the config.
func (c *Capture) Login(ctx context.Context) (string, error) {
	taskCtx, cancel := c.newContext(ctx, false)
	defer cancel()

	c.logger.Info("opening browser for youtube login", "profile", c.profileDir)
	if err := chromedp.Run(taskCtx, chromedp.Navigate(LoginURL)); err != nil {
		return "", fmt.Errorf("navigate to login page: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var missing []string
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("login aborted, still missing %s: %w", strings.Join(missing, ", "), ctx.Err())
		case <-ticker.C:
		}
		header, err := readCookies(taskCtx)
		if err != nil {
			return "", err
		}
		if missing = codec.ValidateCookies(codec.ParseCookieString(header)); len(missing) == 0 {
			c.logger.Info("youtube login captured", "profile", c.profileDir)
			return header, nil
		}
		c.logger.Debug("waiting for sign-in", "missing", missing)
	}
}

// Cookies reads the session from the profile without showing a window.
// It fails with ErrNotSignedIn when the profile has no complete session.
func (c *Capture) Cookies(ctx context.Context) (string, error) {
	taskCtx, cancel := c.newContext(ctx, c.headless)
	defer cancel()

	taskCtx, timeout := context.WithTimeout(taskCtx, 60*time.Second)
	defer timeout()

	if err := chromedp.Run(taskCtx, chromedp.Navigate("https://www.youtube.com")); err != nil {
		return "", fmt.Errorf("open youtube: %w", err)
	}
	header, err := readCookies(taskCtx)
	if err != nil {
		return "", err
	}
	if missing := codec.ValidateCookies(codec.ParseCookieString(header)); len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrNotSignedIn, strings.Join(missing, ", "))
	}
	return header, nil
}

func readCookies(ctx context.Context) (string, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs(cookieURLs).Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("read cookies: %w", err)
	}
	return CookieHeader(cookies), nil
}

// CookieHeader renders cookies as a Cookie header, sorted by name. When a
// name appears on several domains the youtube.com one wins.
func CookieHeader(cookies []*network.Cookie) string {
	byName := make(map[string]*network.Cookie, len(cookies))
	for _, ck := range cookies {
		if ck == nil || ck.Name == "" {
			continue
		}
		if prev, ok := byName[ck.Name]; ok && isYouTube(prev.Domain) && !isYouTube(ck.Domain) {
			continue
		}
		byName[ck.Name] = ck
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + byName[n].Value
	}
	return strings.Join(parts, "; ")
}

func isYouTube(domain string) bool {
	return strings.HasSuffix(strings.TrimPrefix(domain, "."), "youtube.com")
}
