package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"chatcore/internal/domain"
)

const TwitchEmoteURL = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/{size}"

// IRCMessage is one parsed IRC line.
type IRCMessage struct {
	Tags     map[string]string
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// Nick returns the nickname part of the prefix ("nick!user@host").
func (m IRCMessage) Nick() string {
	if i := strings.IndexByte(m.Prefix, '!'); i >= 0 {
		return m.Prefix[:i]
	}
	return ""
}

// ParseIRC parses "[@tags] [:prefix] COMMAND [params...] [:trailing]".
// A line carrying only a tag block yields an empty command.
func ParseIRC(line string) (IRCMessage, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return IRCMessage{}, ErrMalformed
	}
	var m IRCMessage

	rest := line
	if rest[0] == '@' {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			m.Tags = ParseTags(rest)
			return m, nil
		}
		m.Tags = ParseTags(rest[:sp])
		rest = strings.TrimLeft(rest[sp+1:], " ")
	}
	if rest == "" {
		return m, nil
	}

	if rest[0] == ':' {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return IRCMessage{}, fmt.Errorf("prefix without command: %w", ErrMalformed)
		}
		m.Prefix = rest[1:sp]
		rest = strings.TrimLeft(rest[sp+1:], " ")
	}

	if i := strings.Index(rest, " :"); i >= 0 {
		m.Trailing = rest[i+2:]
		rest = rest[:i]
	} else if strings.HasPrefix(rest, ":") {
		m.Trailing = rest[1:]
		rest = ""
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return IRCMessage{}, fmt.Errorf("missing command: %w", ErrMalformed)
	}
	m.Command = fields[0]
	m.Params = fields[1:]
	return m, nil
}

// ParseTags parses "@k=v;k2=v2". Keys without '=' map to "".
func ParseTags(raw string) map[string]string {
	raw = strings.TrimPrefix(raw, "@")
	tags := make(map[string]string)
	if raw == "" {
		return tags
	}
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		tags[k] = unescapeTag(v)
	}
	return tags
}

func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(v) {
			break
		}
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// ParseEmotePositions parses "id:a-b,c-d/id2:e-f". Raw ends are inclusive;
// returned spans use exclusive ends, rune offsets into text, sorted by start.
func ParseEmotePositions(tag, text string) []domain.Span {
	if tag == "" {
		return nil
	}
	runes := []rune(text)
	var spans []domain.Span
	for _, group := range strings.Split(tag, "/") {
		id, ranges, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			continue
		}
		for _, r := range strings.Split(ranges, ",") {
			a, b, ok := strings.Cut(r, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(a)
			end, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil || start < 0 || end < start {
				continue
			}
			end++
			var name string
			if end <= len(runes) {
				name = string(runes[start:end])
			} else if text != "" {
				continue
			}
			spans = append(spans, domain.Span{
				Start: start,
				End:   end,
				Emote: domain.Emote{
					ID:          id,
					Name:        name,
					URLTemplate: fmt.Sprintf(TwitchEmoteURL, id),
					Provider:    "twitch",
				},
			})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

// ParseBadges parses "name/version,name/version".
func ParseBadges(tag string) []domain.Badge {
	if tag == "" {
		return nil
	}
	var out []domain.Badge
	for _, b := range strings.Split(tag, ",") {
		name, version, ok := strings.Cut(b, "/")
		if !ok || name == "" {
			continue
		}
		out = append(out, domain.Badge{ID: name + "/" + version, Name: name, Provider: "twitch"})
	}
	return out
}

// DecodeTwitch maps a parsed IRC line to a domain event. Commands the
// connection must handle itself come back as EventControl.
func DecodeTwitch(m IRCMessage, channel string) Event {
	switch m.Command {
	case "PRIVMSG":
		return messageEvent(twitchMessage(m, channel, false))
	case "USERNOTICE":
		return messageEvent(twitchMessage(m, channel, true))
	case "CLEARCHAT":
		ev := domain.ModerationEvent{Kind: domain.ModClear, Channel: channel, Timestamp: tmiTime(m.Tags)}
		if m.Trailing != "" {
			ev.Kind = domain.ModBan
			ev.TargetLogin = m.Trailing
			ev.TargetUserID = m.Tags["target-user-id"]
			if d, err := strconv.Atoi(m.Tags["ban-duration"]); err == nil {
				ev.Kind = domain.ModTimeout
				ev.Duration = time.Duration(d) * time.Second
			}
		}
		return moderationEvent(ev)
	case "CLEARMSG":
		return moderationEvent(domain.ModerationEvent{
			Kind:            domain.ModDelete,
			Channel:         channel,
			TargetMessageID: m.Tags["target-msg-id"],
			TargetLogin:     m.Tags["login"],
			Timestamp:       tmiTime(m.Tags),
		})
	case "ROOMSTATE":
		return roomEvent(twitchRoomState(m.Tags, channel))
	case "PING", "RECONNECT", "NOTICE", "GLOBALUSERSTATE", "USERSTATE":
		return Event{Kind: EventControl, Control: m.Command}
	}
	return Event{}
}

func twitchMessage(m IRCMessage, channel string, system bool) *domain.Message {
	tags := m.Tags
	text := m.Trailing
	msg := &domain.Message{
		ID:           newID(tags["id"]),
		Channel:      channel,
		Platform:     domain.PlatformTwitch,
		Timestamp:    tmiTime(tags),
		FirstMessage: tags["first-msg"] == "1",
		HypeTier:     tags["pinned-chat-paid-level"],
		System:       system,
	}
	if system {
		msg.SystemText = tags["system-msg"]
	}
	if !system && strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		msg.Action = true
		text = text[len("\x01ACTION ") : len(text)-1]
	}
	msg.Text = text

	login := m.Nick()
	if login == "" {
		login = tags["login"]
	}
	display := tags["display-name"]
	if display == "" {
		display = login
	}
	msg.User = domain.ChatUser{
		ID:          tags["user-id"],
		Login:       login,
		DisplayName: display,
		Platform:    domain.PlatformTwitch,
		Color:       tags["color"],
		Badges:      ParseBadges(tags["badges"]),
	}
	if text != "" {
		msg.Spans = ParseEmotePositions(tags["emotes"], text)
	}
	return msg
}

func twitchRoomState(tags map[string]string, channel string) domain.RoomState {
	rs := domain.RoomState{Channel: channel, RoomID: tags["room-id"]}
	if v, ok := tags["subs-only"]; ok {
		rs.SubsOnly = boolPtr(v == "1")
	}
	if v, ok := tags["emote-only"]; ok {
		rs.EmoteOnly = boolPtr(v == "1")
	}
	if v, ok := tags["slow"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			rs.SlowSeconds = intPtr(n)
		}
	}
	if v, ok := tags["followers-only"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			rs.FollowersOnlyMinutes = intPtr(n)
		}
	}
	return rs
}

func tmiTime(tags map[string]string) time.Time {
	if ms, err := strconv.ParseInt(tags["tmi-sent-ts"], 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Now().UTC()
}

// IsLoginFailure reports whether a NOTICE text signals rejected credentials.
func IsLoginFailure(text string) bool {
	return strings.Contains(text, "Login") &&
		(strings.Contains(text, "unsuccessful") || strings.Contains(text, "failed"))
}
