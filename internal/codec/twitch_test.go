package codec

import (
	"errors"
	"testing"
	"time"

	"chatcore/internal/domain"
)

func TestParseIRC_Privmsg(t *testing.T) {
	m, err := ParseIRC("@id=abc;user-id=1 :nick!nick@x PRIVMSG #ch :hello")
	if err != nil {
		t.Fatalf("ParseIRC: %v", err)
	}
	if m.Command != "PRIVMSG" || m.Trailing != "hello" || m.Nick() != "nick" {
		t.Fatalf("unexpected parse: %+v", m)
	}
	if len(m.Params) != 1 || m.Params[0] != "#ch" {
		t.Errorf("params = %v", m.Params)
	}

	ev := DecodeTwitch(m, "twitch:ch")
	if ev.Kind != EventMessage {
		t.Fatalf("kind = %v, want message", ev.Kind)
	}
	msg := ev.Message
	if msg.ID != "abc" || msg.User.ID != "1" || msg.Text != "hello" {
		t.Errorf("message = id %q user %q text %q", msg.ID, msg.User.ID, msg.Text)
	}
	if msg.User.Login != "nick" || msg.User.DisplayName != "nick" {
		t.Errorf("user = %+v", msg.User)
	}
}

func TestParseIRC_Malformed(t *testing.T) {
	for _, line := range []string{"", "\r\n", ":prefix-only"} {
		if _, err := ParseIRC(line); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseIRC(%q) err = %v, want ErrMalformed", line, err)
		}
	}
}

func TestParseIRC_TagsOnly(t *testing.T) {
	m, err := ParseIRC("@a=1")
	if err != nil {
		t.Fatalf("ParseIRC: %v", err)
	}
	if m.Command != "" || m.Tags["a"] != "1" {
		t.Errorf("unexpected: %+v", m)
	}
}

func TestParseIRC_Ping(t *testing.T) {
	m, err := ParseIRC("PING :tmi.twitch.tv")
	if err != nil {
		t.Fatalf("ParseIRC: %v", err)
	}
	if m.Command != "PING" || m.Trailing != "tmi.twitch.tv" {
		t.Fatalf("unexpected: %+v", m)
	}
	if ev := DecodeTwitch(m, "twitch:ch"); ev.Kind != EventControl || ev.Control != "PING" {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseTags_Unescape(t *testing.T) {
	tags := ParseTags(`@display-name=a\sb;system-msg=x\:y\\z;empty=;flag`)
	if tags["display-name"] != "a b" {
		t.Errorf("display-name = %q", tags["display-name"])
	}
	if tags["system-msg"] != `x;y\z` {
		t.Errorf("system-msg = %q", tags["system-msg"])
	}
	if v, ok := tags["empty"]; !ok || v != "" {
		t.Errorf("empty = %q, %v", v, ok)
	}
	if _, ok := tags["flag"]; !ok {
		t.Error("flag key missing")
	}
}

func TestParseEmotePositions(t *testing.T) {
	spans := ParseEmotePositions("25:9-13,0-4", "Kappa hi Kappa")
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Start != 0 || spans[0].End != 5 || spans[1].Start != 9 || spans[1].End != 14 {
		t.Errorf("spans = %+v", spans)
	}
	if spans[0].Emote.Name != "Kappa" || spans[0].Emote.Provider != "twitch" {
		t.Errorf("emote = %+v", spans[0].Emote)
	}
	if got := spans[0].Emote.URL("2.0"); got != "https://static-cdn.jtvnw.net/emoticons/v2/25/default/dark/2.0" {
		t.Errorf("url = %q", got)
	}
}

func TestParseEmotePositions_DropsOutOfRange(t *testing.T) {
	spans := ParseEmotePositions("25:0-4,20-30", "Kappa")
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
}

func TestParseEmotePositions_RuneOffsets(t *testing.T) {
	spans := ParseEmotePositions("25:4-8", "héé Kappa")
	if len(spans) != 1 || spans[0].Emote.Name != "Kappa" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestDecodeTwitch_Action(t *testing.T) {
	m, _ := ParseIRC(":bob!bob@x PRIVMSG #ch :\x01ACTION waves\x01")
	ev := DecodeTwitch(m, "twitch:ch")
	if !ev.Message.Action || ev.Message.Text != "waves" {
		t.Errorf("message = %+v", ev.Message)
	}
}

func TestDecodeTwitch_Badges(t *testing.T) {
	m, _ := ParseIRC("@badges=subscriber/12,moderator/1;display-name=Bob;color=#FF0000 :bob!bob@x PRIVMSG #ch :hi")
	msg := DecodeTwitch(m, "twitch:ch").Message
	if len(msg.User.Badges) != 2 || msg.User.Badges[0].ID != "subscriber/12" {
		t.Fatalf("badges = %+v", msg.User.Badges)
	}
	if msg.User.DisplayName != "Bob" || msg.User.Color != "#FF0000" {
		t.Errorf("user = %+v", msg.User)
	}
}

func TestDecodeTwitch_UserNotice(t *testing.T) {
	m, _ := ParseIRC(`@id=n1;login=bob;system-msg=bob\ssubscribed :tmi.twitch.tv USERNOTICE #ch :great stream`)
	msg := DecodeTwitch(m, "twitch:ch").Message
	if !msg.System || msg.SystemText != "bob subscribed" || msg.Text != "great stream" {
		t.Errorf("message = %+v", msg)
	}
	if msg.User.Login != "bob" {
		t.Errorf("login = %q", msg.User.Login)
	}
}

func TestDecodeTwitch_ClearChat(t *testing.T) {
	tests := []struct {
		line string
		kind domain.ModerationKind
		dur  time.Duration
	}{
		{":tmi.twitch.tv CLEARCHAT #ch", domain.ModClear, 0},
		{"@target-user-id=9 :tmi.twitch.tv CLEARCHAT #ch :bob", domain.ModBan, 0},
		{"@ban-duration=600;target-user-id=9 :tmi.twitch.tv CLEARCHAT #ch :bob", domain.ModTimeout, 10 * time.Minute},
	}
	for _, tt := range tests {
		m, err := ParseIRC(tt.line)
		if err != nil {
			t.Fatalf("ParseIRC(%q): %v", tt.line, err)
		}
		ev := DecodeTwitch(m, "twitch:ch")
		if ev.Kind != EventModeration {
			t.Fatalf("%q: kind = %v", tt.line, ev.Kind)
		}
		if ev.Moderation.Kind != tt.kind || ev.Moderation.Duration != tt.dur {
			t.Errorf("%q: got %+v", tt.line, ev.Moderation)
		}
	}
}

func TestDecodeTwitch_ClearMsg(t *testing.T) {
	m, _ := ParseIRC("@login=bob;target-msg-id=m-1 :tmi.twitch.tv CLEARMSG #ch :bad words")
	ev := DecodeTwitch(m, "twitch:ch")
	if ev.Kind != EventModeration || ev.Moderation.Kind != domain.ModDelete || ev.Moderation.TargetMessageID != "m-1" {
		t.Errorf("event = %+v", ev.Moderation)
	}
}

func TestDecodeTwitch_RoomState(t *testing.T) {
	m, _ := ParseIRC("@room-id=42;slow=10;subs-only=1 :tmi.twitch.tv ROOMSTATE #ch")
	ev := DecodeTwitch(m, "twitch:ch")
	if ev.Kind != EventRoomState {
		t.Fatalf("kind = %v", ev.Kind)
	}
	rs := ev.RoomState
	if rs.RoomID != "42" || rs.SlowSeconds == nil || *rs.SlowSeconds != 10 || rs.SubsOnly == nil || !*rs.SubsOnly {
		t.Errorf("room state = %+v", rs)
	}
	if rs.EmoteOnly != nil {
		t.Error("emote-only should be untouched")
	}
}

func TestIsLoginFailure(t *testing.T) {
	if !IsLoginFailure("Login authentication failed") {
		t.Error("expected failure")
	}
	if !IsLoginFailure("Login unsuccessful") {
		t.Error("expected failure")
	}
	if IsLoginFailure("This room is in slow mode") {
		t.Error("unexpected failure")
	}
}
