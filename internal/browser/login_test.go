package browser

import (
	"testing"

	"github.com/chromedp/cdproto/network"

	"chatcore/internal/codec"
)

func TestCookieHeader(t *testing.T) {
	cookies := []*network.Cookie{
		{Name: "SID", Value: "google", Domain: ".google.com"},
		{Name: "SID", Value: "yt", Domain: ".youtube.com"},
		{Name: "HSID", Value: "h", Domain: ".youtube.com"},
		{Name: "SAPISID", Value: "s", Domain: ".google.com"},
		nil,
		{Name: "", Value: "skip"},
	}
	got := CookieHeader(cookies)
	want := "HSID=h; SAPISID=s; SID=yt"
	if got != want {
		t.Fatalf("CookieHeader = %q, want %q", got, want)
	}
}

func TestCookieHeader_YouTubeWinsRegardlessOfOrder(t *testing.T) {
	cookies := []*network.Cookie{
		{Name: "SID", Value: "yt", Domain: "www.youtube.com"},
		{Name: "SID", Value: "google", Domain: ".google.com"},
	}
	if got := CookieHeader(cookies); got != "SID=yt" {
		t.Errorf("CookieHeader = %q", got)
	}
}

func TestCookieHeader_FeedsValidation(t *testing.T) {
	var cookies []*network.Cookie
	for _, name := range codec.RequiredCookies {
		cookies = append(cookies, &network.Cookie{Name: name, Value: "v", Domain: ".youtube.com"})
	}
	parsed := codec.ParseCookieString(CookieHeader(cookies))
	if missing := codec.ValidateCookies(parsed); len(missing) != 0 {
		t.Errorf("missing = %v", missing)
	}
	if missing := codec.ValidateCookies(codec.ParseCookieString(CookieHeader(cookies[1:]))); len(missing) != 1 {
		t.Errorf("missing = %v, want one", missing)
	}
}

func TestNewCapture_Defaults(t *testing.T) {
	c := NewCapture(CaptureConfig{})
	if c.profileDir == "" || c.logger == nil {
		t.Errorf("capture = %+v", c)
	}
	dir := t.TempDir()
	if c := NewCapture(CaptureConfig{ProfileDir: dir}); c.profileDir != dir {
		t.Errorf("profile = %q", c.profileDir)
	}
}
