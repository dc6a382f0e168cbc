package codec

import (
	"encoding/json"
	"testing"
	"time"

	"chatcore/internal/domain"
)

func liveChatBody(t *testing.T, continuation map[string]any, actions ...map[string]any) []byte {
	t.Helper()
	var conts []map[string]any
	if continuation != nil {
		conts = append(conts, continuation)
	}
	b, err := json.Marshal(map[string]any{
		"continuationContents": map[string]any{
			"liveChatContinuation": map[string]any{
				"continuations": conts,
				"actions":       actions,
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func addItem(kind string, renderer map[string]any) map[string]any {
	return map[string]any{"addChatItemAction": map[string]any{"item": map[string]any{kind: renderer}}}
}

func TestDecodeLiveChat_TextMessage(t *testing.T) {
	body := liveChatBody(t,
		map[string]any{"timedContinuationData": map[string]any{"continuation": "next", "timeoutMs": 1500}},
		addItem("liveChatTextMessageRenderer", map[string]any{
			"id": "yt1",
			"message": map[string]any{"runs": []map[string]any{
				{"text": "hi "},
				{"emoji": map[string]any{
					"emojiId":       "UC/abc",
					"shortcuts":     []string{":wave:"},
					"isCustomEmoji": true,
					"image":         map[string]any{"thumbnails": []map[string]any{{"url": "https://yt3.ggpht.com/a=w24"}, {"url": "https://yt3.ggpht.com/a=w48"}}},
				}},
				{"text": " all"},
			}},
			"authorName":              map[string]any{"simpleText": "@alice"},
			"authorExternalChannelId": "UCalice",
			"timestampUsec":           "1700000000000000",
		}),
	)

	page, err := DecodeLiveChat(body, "youtube:vid")
	if err != nil {
		t.Fatalf("DecodeLiveChat: %v", err)
	}
	if page.Continuation != "next" || page.Timeout != 1500*time.Millisecond || page.Ended {
		t.Errorf("page = %+v", page)
	}
	if len(page.Events) != 1 || page.Events[0].Kind != EventMessage {
		t.Fatalf("events = %+v", page.Events)
	}
	msg := page.Events[0].Message
	if msg.ID != "yt1" || msg.Text != "hi :wave: all" {
		t.Errorf("message = %q %q", msg.ID, msg.Text)
	}
	if len(msg.Spans) != 1 || msg.Spans[0].Start != 3 || msg.Spans[0].End != 9 {
		t.Fatalf("spans = %+v", msg.Spans)
	}
	if msg.Spans[0].Emote.URLTemplate != "https://yt3.ggpht.com/a=w48" {
		t.Errorf("emote url = %q", msg.Spans[0].Emote.URLTemplate)
	}
	if msg.User.ID != "UCalice" || msg.User.Login != "alice" || msg.User.DisplayName != "@alice" {
		t.Errorf("user = %+v", msg.User)
	}
	if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestDecodeLiveChat_Ended(t *testing.T) {
	page, err := DecodeLiveChat(liveChatBody(t, nil), "youtube:vid")
	if err != nil {
		t.Fatalf("DecodeLiveChat: %v", err)
	}
	if !page.Ended {
		t.Error("expected ended page")
	}
}

func TestDecodeLiveChat_Malformed(t *testing.T) {
	if _, err := DecodeLiveChat([]byte("<html>"), "youtube:vid"); err == nil {
		t.Error("expected error")
	}
}

func TestDecodeLiveChat_Moderation(t *testing.T) {
	body := liveChatBody(t,
		map[string]any{"invalidationContinuationData": map[string]any{"continuation": "c", "timeoutMs": 1000}},
		map[string]any{"markChatItemAsDeletedAction": map[string]any{"targetItemId": "yt1"}},
		map[string]any{"markChatItemsByAuthorAsDeletedAction": map[string]any{"externalChannelId": "UCbob"}},
	)
	page, err := DecodeLiveChat(body, "youtube:vid")
	if err != nil {
		t.Fatalf("DecodeLiveChat: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("events = %d", len(page.Events))
	}
	if m := page.Events[0].Moderation; m.Kind != domain.ModDelete || m.TargetMessageID != "yt1" {
		t.Errorf("delete = %+v", m)
	}
	if m := page.Events[1].Moderation; m.Kind != domain.ModBan || m.TargetUserID != "UCbob" {
		t.Errorf("ban = %+v", m)
	}
}

func TestDecodeLiveChat_Paid(t *testing.T) {
	body := liveChatBody(t,
		map[string]any{"timedContinuationData": map[string]any{"continuation": "c"}},
		addItem("liveChatPaidMessageRenderer", map[string]any{
			"id":                 "p1",
			"purchaseAmountText": map[string]any{"simpleText": "$20.00"},
			"message":            map[string]any{"runs": []map[string]any{{"text": "gg"}}},
			"authorName":         map[string]any{"simpleText": "carol"},
		}),
	)
	page, _ := DecodeLiveChat(body, "youtube:vid")
	if len(page.Events) != 1 {
		t.Fatalf("events = %d", len(page.Events))
	}
	if msg := page.Events[0].Message; msg.HypeTier != "orange" || msg.Text != "gg" {
		t.Errorf("message = %+v", msg)
	}
}

func TestDecodeLiveChat_ModeChange(t *testing.T) {
	body := liveChatBody(t,
		map[string]any{"timedContinuationData": map[string]any{"continuation": "c"}},
		addItem("liveChatModeChangeMessageRenderer", map[string]any{
			"id":   "mc1",
			"text": map[string]any{"runs": []map[string]any{{"text": "Slow mode is on"}}},
			"icon": map[string]any{"iconType": "SLOW_MODE"},
		}),
	)
	page, _ := DecodeLiveChat(body, "youtube:vid")
	if len(page.Events) != 2 {
		t.Fatalf("events = %+v", page.Events)
	}
	rs := page.Events[0].RoomState
	if rs == nil || rs.SlowSeconds == nil || *rs.SlowSeconds != 30 || rs.Channel != "youtube:vid" {
		t.Errorf("room state = %+v", rs)
	}
	if msg := page.Events[1].Message; !msg.System || msg.SystemText != "Slow mode is on" {
		t.Errorf("system message = %+v", msg)
	}
}

func TestParseModeChange(t *testing.T) {
	tests := []struct {
		text, icon string
		check      func(domain.RoomState) bool
	}{
		{"Slow mode is on. Send a message every 10 seconds", "", func(r domain.RoomState) bool {
			return r.SlowSeconds != nil && *r.SlowSeconds == 10
		}},
		{"Slow mode is off", "", func(r domain.RoomState) bool {
			return r.SlowSeconds != nil && *r.SlowSeconds == 0
		}},
		{"Subscribers-only mode is on", "", func(r domain.RoomState) bool {
			return r.SubsOnly != nil && *r.SubsOnly
		}},
		{"Members-only mode is off", "", func(r domain.RoomState) bool {
			return r.MembersOnly != nil && !*r.MembersOnly
		}},
		{"Chat is now enabled for members", "TAB_SUBSCRIPTIONS", func(r domain.RoomState) bool {
			return r.MembersOnly != nil && *r.MembersOnly
		}},
	}
	for _, tt := range tests {
		rs, ok := ParseModeChange(tt.text, tt.icon)
		if !ok || !tt.check(rs) {
			t.Errorf("ParseModeChange(%q) = %+v, %v", tt.text, rs, ok)
		}
	}
	if _, ok := ParseModeChange("Welcome to live chat", ""); ok {
		t.Error("unrelated banner should not parse")
	}
}

func TestSuperchatTier(t *testing.T) {
	tests := map[float64]string{1: "blue", 2: "cyan", 5: "green", 10: "yellow", 20: "orange", 50: "magenta", 100: "red", 499: "red"}
	for amount, want := range tests {
		if got := SuperchatTier(amount); got != want {
			t.Errorf("SuperchatTier(%v) = %q, want %q", amount, got, want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := map[string]float64{
		"$5.00":     5,
		"$1,234.50": 1234.5,
		"€10,50":    10.5,
		"¥1,000":    1000,
		"free":      0,
	}
	for in, want := range tests {
		if got := ParseAmount(in); got != want {
			t.Errorf("ParseAmount(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCookies(t *testing.T) {
	c := ParseCookieString("SID=a; HSID=b;SSID=c; junk; APISID = d")
	if c["SID"] != "a" || c["SSID"] != "c" || c["APISID"] != "d" {
		t.Errorf("cookies = %v", c)
	}
	missing := ValidateCookies(c)
	if len(missing) != 1 || missing[0] != "SAPISID" {
		t.Errorf("missing = %v", missing)
	}
}

func TestSAPISIDHash(t *testing.T) {
	got := SAPISIDHash("abc123", "https://www.youtube.com", time.Unix(1700000000, 0))
	want := "SAPISIDHASH 1700000000_9e5071f149fc514366f78b22d1a169786d40ed32"
	if got != want {
		t.Errorf("SAPISIDHash = %q, want %q", got, want)
	}
}

func TestParseLiveChatPage(t *testing.T) {
	html := []byte(`<script>ytcfg.set({"INNERTUBE_API_KEY":"key1","INNERTUBE_CLIENT_VERSION":"2.2024"});
var ytInitialData = {"continuations":[{"timedContinuationData":{"continuation":"cont0","timeoutMs":5000}}],
"sendLiveChatMessageEndpoint":{"params":"sendp"}};</script>`)
	b, err := ParseLiveChatPage(html)
	if err != nil {
		t.Fatalf("ParseLiveChatPage: %v", err)
	}
	if b.APIKey != "key1" || b.ClientVersion != "2.2024" || b.Continuation != "cont0" || b.SendParams != "sendp" {
		t.Errorf("bootstrap = %+v", b)
	}

	if _, err := ParseLiveChatPage([]byte("<html>no chat</html>")); err == nil {
		t.Error("expected error for page without chat")
	}
}
