package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatcore/internal/domain"
)

func TestParseRefs(t *testing.T) {
	refs, err := parseRefs([]string{"twitch:#forsen", "kick:xqc", "yt:abc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 || refs[0].ID != "forsen" || refs[2].Platform != domain.PlatformYouTube {
		t.Errorf("refs = %+v", refs)
	}
	if _, err := parseRefs([]string{"twitch:ok", "nope"}); err == nil {
		t.Error("bad ref accepted")
	}
}

func TestFormatMessage(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 30, 5, 0, time.UTC)
	msg := &domain.Message{
		Channel:   "twitch:forsen",
		User:      domain.ChatUser{Login: "viewer", DisplayName: "Viewer"},
		Text:      "hi @me KEKW",
		Timestamp: ts,
		Mention:   true,
		Spans:     []domain.Span{{Start: 7, End: 11}},
	}
	got := formatMessage(msg)
	want := "12:30:05 [twitch:forsen] Viewer: hi @me KEKW  (mention, 1 emotes)"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}

	msg = &domain.Message{Channel: "kick:x", User: domain.ChatUser{Login: "a"}, Text: "waves", Action: true, Timestamp: ts}
	if got := formatMessage(msg); !strings.HasSuffix(got, "* a waves") {
		t.Errorf("action = %q", got)
	}
}

func TestFormatModeration(t *testing.T) {
	got := formatModeration(domain.ModerationEvent{Kind: domain.ModTimeout, Channel: "twitch:x", TargetLogin: "troll", Duration: 10 * time.Minute})
	if got != "-- [twitch:x] troll timed out for 10m0s" {
		t.Errorf("got %q", got)
	}
	if got := formatModeration(domain.ModerationEvent{Kind: domain.ModBan, Channel: "kick:y", TargetUserID: "7"}); got != "-- [kick:y] 7 banned" {
		t.Errorf("got %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KiB"},
		{500 << 20, "500.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBackupRestore(t *testing.T) {
	src := t.TempDir()
	cfgPath := filepath.Join(src, "config.yaml")
	dbPath := filepath.Join(src, "chatcore.db")
	os.WriteFile(cfgPath, []byte("cache:\n  workers: 3\n"), 0o600)
	os.WriteFile(dbPath, []byte("sqlite bytes"), 0o600)

	files := backupFiles(cfgPath, dbPath)
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := createTarGz(archive, files); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	newCfg := filepath.Join(dst, "conf", "config.yaml")
	newDB := filepath.Join(dst, "data", "meta.db")
	restored, err := extractTarGz(archive, newDB, newCfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored = %v", restored)
	}
	if data, _ := os.ReadFile(newDB); string(data) != "sqlite bytes" {
		t.Errorf("db = %q", data)
	}
	if data, _ := os.ReadFile(newCfg); !strings.Contains(string(data), "workers: 3") {
		t.Errorf("config = %q", data)
	}
}

func TestWaitConnected(t *testing.T) {
	states := make(chan domain.StateChange, 3)
	states <- domain.StateChange{Channel: "kick:other", Kind: domain.StatusConnected}
	states <- domain.StateChange{Channel: "kick:me", Kind: domain.StatusDisconnected}
	states <- domain.StateChange{Channel: "kick:me", Kind: domain.StatusConnected}
	if err := waitConnected(t.Context(), states, "kick:me"); err != nil {
		t.Fatal(err)
	}

	states <- domain.StateChange{Channel: "kick:me", Kind: domain.StatusError, Detail: "auth failed"}
	if err := waitConnected(t.Context(), states, "kick:me"); err == nil || !strings.Contains(err.Error(), "auth failed") {
		t.Errorf("err = %v", err)
	}
}
