package codec

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/domain"
)

// Superchat colour tiers, highest first.
var superchatTiers = []struct {
	min  float64
	tier string
}{
	{100, "red"},
	{50, "magenta"},
	{20, "orange"},
	{10, "yellow"},
	{5, "green"},
	{2, "cyan"},
}

// SuperchatTier maps a paid amount to its colour tier.
func SuperchatTier(amount float64) string {
	for _, t := range superchatTiers {
		if amount >= t.min {
			return t.tier
		}
	}
	return "blue"
}

var amountRe = regexp.MustCompile(`[\d][\d.,]*`)

// ParseAmount extracts the numeric value from a display string like
// "$1,234.50" or "10,00 €".
func ParseAmount(s string) float64 {
	num := amountRe.FindString(s)
	if num == "" {
		return 0
	}
	lastDot := strings.LastIndexByte(num, '.')
	lastComma := strings.LastIndexByte(num, ',')
	if lastComma > lastDot && len(num)-lastComma-1 != 3 {
		num = strings.ReplaceAll(num, ".", "")
		num = strings.Replace(num, ",", ".", 1)
	} else {
		num = strings.ReplaceAll(num, ",", "")
	}
	v, _ := strconv.ParseFloat(num, 64)
	return v
}

type ytRun struct {
	Text  string `json:"text"`
	Emoji *struct {
		EmojiID   string   `json:"emojiId"`
		Shortcuts []string `json:"shortcuts"`
		IsCustom  bool     `json:"isCustomEmoji"`
		Image     struct {
			Thumbnails []struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"image"`
	} `json:"emoji"`
}

type ytText struct {
	SimpleText string  `json:"simpleText"`
	Runs       []ytRun `json:"runs"`
}

func (t ytText) String() string {
	if t.SimpleText != "" {
		return t.SimpleText
	}
	var b strings.Builder
	for _, r := range t.Runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

type ytBadge struct {
	Renderer struct {
		Tooltip string `json:"tooltip"`
		Icon    struct {
			IconType string `json:"iconType"`
		} `json:"icon"`
		CustomThumbnail struct {
			Thumbnails []struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"customThumbnail"`
	} `json:"liveChatAuthorBadgeRenderer"`
}

type ytRenderer struct {
	ID                string    `json:"id"`
	Message           ytText    `json:"message"`
	AuthorName        ytText    `json:"authorName"`
	AuthorChannelID   string    `json:"authorExternalChannelId"`
	TimestampUsec     string    `json:"timestampUsec"`
	AuthorBadges      []ytBadge `json:"authorBadges"`
	PurchaseAmount    ytText    `json:"purchaseAmountText"`
	HeaderSubtext     ytText    `json:"headerSubtext"`
	HeaderPrimaryText ytText    `json:"headerPrimaryText"`
	Text              ytText    `json:"text"`
	Subtext           ytText    `json:"subtext"`
	Icon              struct {
		IconType string `json:"iconType"`
	} `json:"icon"`
}

type ytAction struct {
	AddChatItem *struct {
		Item map[string]json.RawMessage `json:"item"`
	} `json:"addChatItemAction"`
	MarkDeleted *struct {
		TargetItemID string `json:"targetItemId"`
	} `json:"markChatItemAsDeletedAction"`
	MarkAuthorDeleted *struct {
		ExternalChannelID string `json:"externalChannelId"`
	} `json:"markChatItemsByAuthorAsDeletedAction"`
}

type ytContinuation struct {
	Continuation string `json:"continuation"`
	TimeoutMs    int    `json:"timeoutMs"`
}

type ytLiveChat struct {
	ContinuationContents struct {
		LiveChatContinuation struct {
			Continuations []struct {
				Invalidation *ytContinuation `json:"invalidationContinuationData"`
				Timed        *ytContinuation `json:"timedContinuationData"`
				Reload       *ytContinuation `json:"reloadContinuationData"`
			} `json:"continuations"`
			Actions []ytAction `json:"actions"`
		} `json:"liveChatContinuation"`
	} `json:"continuationContents"`
}

// LiveChatPage is one decoded get_live_chat response.
type LiveChatPage struct {
	Continuation string
	Timeout      time.Duration
	Ended        bool
	Events       []Event
}

// DecodeLiveChat decodes an innertube get_live_chat response body.
func DecodeLiveChat(body []byte, channel string) (LiveChatPage, error) {
	var raw ytLiveChat
	if err := json.Unmarshal(body, &raw); err != nil {
		return LiveChatPage{}, fmt.Errorf("live chat response: %w", ErrMalformed)
	}
	lc := raw.ContinuationContents.LiveChatContinuation

	var page LiveChatPage
	for _, c := range lc.Continuations {
		for _, cd := range []*ytContinuation{c.Invalidation, c.Timed, c.Reload} {
			if cd != nil && cd.Continuation != "" && page.Continuation == "" {
				page.Continuation = cd.Continuation
				page.Timeout = time.Duration(cd.TimeoutMs) * time.Millisecond
			}
		}
	}
	page.Ended = page.Continuation == ""

	for _, a := range lc.Actions {
		page.Events = append(page.Events, decodeYouTubeAction(a, channel)...)
	}
	return page, nil
}

// decodeYouTubeAction converts one innertube action. A mode change yields
// both a room state patch and a system message.
func decodeYouTubeAction(a ytAction, channel string) []Event {
	now := time.Now().UTC()
	switch {
	case a.MarkDeleted != nil && a.MarkDeleted.TargetItemID != "":
		return []Event{moderationEvent(domain.ModerationEvent{
			Kind: domain.ModDelete, Channel: channel, TargetMessageID: a.MarkDeleted.TargetItemID, Timestamp: now,
		})}
	case a.MarkAuthorDeleted != nil && a.MarkAuthorDeleted.ExternalChannelID != "":
		return []Event{moderationEvent(domain.ModerationEvent{
			Kind: domain.ModBan, Channel: channel, TargetUserID: a.MarkAuthorDeleted.ExternalChannelID, Timestamp: now,
		})}
	case a.AddChatItem != nil:
		return decodeYouTubeItem(a.AddChatItem.Item, channel)
	}
	return nil
}

func decodeYouTubeItem(item map[string]json.RawMessage, channel string) []Event {
	for kind, body := range item {
		var r ytRenderer
		if err := json.Unmarshal(body, &r); err != nil {
			return nil
		}
		switch kind {
		case "liveChatTextMessageRenderer":
			return []Event{messageEvent(youtubeMessage(r, channel))}
		case "liveChatPaidMessageRenderer":
			m := youtubeMessage(r, channel)
			m.HypeTier = SuperchatTier(ParseAmount(r.PurchaseAmount.String()))
			m.SystemText = r.PurchaseAmount.String()
			return []Event{messageEvent(m)}
		case "liveChatMembershipItemRenderer":
			m := youtubeMessage(r, channel)
			m.System = true
			m.SystemText = r.HeaderSubtext.String()
			if m.SystemText == "" {
				m.SystemText = r.HeaderPrimaryText.String()
			}
			return []Event{messageEvent(m)}
		case "liveChatModeChangeMessageRenderer":
			text := r.Text.String()
			if text == "" {
				return nil
			}
			var out []Event
			if rs, ok := ParseModeChange(text, r.Icon.IconType); ok {
				rs.Channel = channel
				out = append(out, roomEvent(rs))
			}
			out = append(out, messageEvent(&domain.Message{
				ID:         newID(r.ID),
				Channel:    channel,
				Platform:   domain.PlatformYouTube,
				Timestamp:  time.Now().UTC(),
				System:     true,
				SystemText: text,
				User:       domain.ChatUser{Platform: domain.PlatformYouTube},
			}))
			return out
		}
	}
	return nil
}

func youtubeMessage(r ytRenderer, channel string) *domain.Message {
	text, spans := youtubeRuns(r.Message.Runs)
	if text == "" {
		text = r.Message.SimpleText
	}
	ts := time.Now().UTC()
	if us, err := strconv.ParseInt(r.TimestampUsec, 10, 64); err == nil {
		ts = time.UnixMicro(us).UTC()
	}
	name := r.AuthorName.String()
	var badges []domain.Badge
	for _, b := range r.AuthorBadges {
		id := strings.ToLower(b.Renderer.Icon.IconType)
		url := ""
		if th := b.Renderer.CustomThumbnail.Thumbnails; len(th) > 0 {
			url = th[len(th)-1].URL
			if id == "" {
				id = "member/" + b.Renderer.Tooltip
			}
		}
		if id == "" {
			continue
		}
		badges = append(badges, domain.Badge{ID: id, Name: b.Renderer.Tooltip, ImageURL: url, Provider: "youtube"})
	}
	return &domain.Message{
		ID:        newID(r.ID),
		Channel:   channel,
		Platform:  domain.PlatformYouTube,
		Text:      text,
		Timestamp: ts,
		Spans:     spans,
		User: domain.ChatUser{
			ID:          r.AuthorChannelID,
			Login:       strings.TrimPrefix(name, "@"),
			DisplayName: name,
			Platform:    domain.PlatformYouTube,
			Badges:      badges,
		},
	}
}

// youtubeRuns joins text and emoji runs. Custom emoji become spans; plain
// unicode emoji are kept as text.
func youtubeRuns(runs []ytRun) (string, []domain.Span) {
	var (
		b     strings.Builder
		spans []domain.Span
		pos   int
	)
	for _, r := range runs {
		if r.Emoji == nil {
			b.WriteString(r.Text)
			pos += utf8.RuneCountInString(r.Text)
			continue
		}
		name := r.Emoji.EmojiID
		if len(r.Emoji.Shortcuts) > 0 {
			name = r.Emoji.Shortcuts[0]
		}
		if !r.Emoji.IsCustom {
			b.WriteString(r.Emoji.EmojiID)
			pos += utf8.RuneCountInString(r.Emoji.EmojiID)
			continue
		}
		url := ""
		if th := r.Emoji.Image.Thumbnails; len(th) > 0 {
			url = th[len(th)-1].URL
		}
		n := utf8.RuneCountInString(name)
		b.WriteString(name)
		spans = append(spans, domain.Span{
			Start: pos,
			End:   pos + n,
			Emote: domain.Emote{ID: r.Emoji.EmojiID, Name: name, URLTemplate: url, Provider: "youtube"},
		})
		pos += n
	}
	return b.String(), spans
}

var (
	onWordRe   = regexp.MustCompile(`\b(on|enabled|turned on)\b`)
	offWordRe  = regexp.MustCompile(`\b(off|disabled|turned off)\b`)
	slowSecsRe = regexp.MustCompile(`(\d+)\s*(?:seconds?|secs?|s)\b`)
)

// ParseModeChange interprets a mode-change banner ("Subscribers-only mode
// is on", "Slow mode is on. Send a message every 10 seconds").
func ParseModeChange(text, iconType string) (domain.RoomState, bool) {
	lower := strings.ToLower(text)
	enabled := onWordRe.MatchString(lower) && !offWordRe.MatchString(lower)

	switch {
	case strings.Contains(lower, "members-only") || iconType == "TAB_SUBSCRIPTIONS":
		return domain.RoomState{MembersOnly: boolPtr(enabled)}, true
	case strings.Contains(lower, "subscribers-only"):
		return domain.RoomState{SubsOnly: boolPtr(enabled)}, true
	case strings.Contains(lower, "slow mode") || iconType == "SLOW_MODE":
		if offWordRe.MatchString(lower) {
			return domain.RoomState{SlowSeconds: intPtr(0)}, true
		}
		secs := 30
		if m := slowSecsRe.FindStringSubmatch(lower); m != nil {
			secs, _ = strconv.Atoi(m[1])
		}
		return domain.RoomState{SlowSeconds: intPtr(secs)}, true
	}
	return domain.RoomState{}, false
}

// RequiredCookies must all be present for an authenticated session.
var RequiredCookies = []string{"SID", "HSID", "SSID", "APISID", "SAPISID"}

// ParseCookieString parses "a=1; b=2". Entries without '=' are skipped.
func ParseCookieString(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// ValidateCookies reports the required cookie names that are missing.
func ValidateCookies(cookies map[string]string) []string {
	var missing []string
	for _, name := range RequiredCookies {
		if cookies[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// SAPISIDHash builds the Authorization value YouTube expects from a
// cookie-authenticated client.
func SAPISIDHash(sapisid, origin string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	sum := sha1.Sum([]byte(ts + " " + sapisid + " " + origin))
	return "SAPISIDHASH " + ts + "_" + hex.EncodeToString(sum[:])
}

// LiveChatBootstrap holds what the popout page exposes for polling and
// sending.
type LiveChatBootstrap struct {
	APIKey        string
	ClientVersion string
	Continuation  string
	SendParams    string
}

var (
	apiKeyRe        = regexp.MustCompile(`"INNERTUBE_API_KEY"\s*:\s*"([^"]+)"`)
	clientVersionRe = regexp.MustCompile(`"INNERTUBE_CLIENT_VERSION"\s*:\s*"([^"]+)"`)
	continuationRe  = regexp.MustCompile(`"continuation"\s*:\s*"([^"]+)"`)
	sendParamsRe    = regexp.MustCompile(`"sendLiveChatMessageEndpoint"\s*:\s*\{\s*"params"\s*:\s*"([^"]+)"`)
)

// ParseLiveChatPage scrapes the popout live chat HTML. A page without a
// continuation means the stream has no live chat.
func ParseLiveChatPage(html []byte) (LiveChatBootstrap, error) {
	find := func(re *regexp.Regexp) string {
		if m := re.FindSubmatch(html); m != nil {
			return string(m[1])
		}
		return ""
	}
	b := LiveChatBootstrap{
		APIKey:        find(apiKeyRe),
		ClientVersion: find(clientVersionRe),
		Continuation:  find(continuationRe),
		SendParams:    find(sendParamsRe),
	}
	if b.APIKey == "" || b.Continuation == "" {
		return b, fmt.Errorf("live chat page: %w", ErrMalformed)
	}
	return b, nil
}
