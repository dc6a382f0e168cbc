package codec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/domain"
)

const (
	KickEmoteURL = "https://files.kick.com/emotes/%s/fullsize"

	pusherEstablished  = "pusher:connection_established"
	pusherPing         = "pusher:ping"
	pusherError        = "pusher:error"
	pusherSubscribed   = "pusher_internal:subscription_succeeded"
	kickChatMessage    = `App\Events\ChatMessageEvent`
	kickMessageDeleted = `App\Events\MessageDeletedEvent`
	kickUserBanned     = `App\Events\UserBannedEvent`
	kickRoomUpdated    = `App\Events\ChatroomUpdatedEvent`
)

// Control verbs returned for Pusher transport frames.
const (
	ControlEstablished = "established"
	ControlPing        = "ping"
	ControlSubscribed  = "subscribed"
	ControlError       = "error"
)

var kickEmoteRe = regexp.MustCompile(`\[emote:(\d+):([^\]]+)\]`)

// PusherFrame is the outer Pusher envelope. Data is usually a JSON string
// wrapping the real payload.
type PusherFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Payload returns the inner JSON, unwrapping the string form if needed.
func (f PusherFrame) Payload() ([]byte, error) {
	d := strings.TrimSpace(string(f.Data))
	if d == "" || d == "null" {
		return nil, nil
	}
	if d[0] != '"' {
		return []byte(d), nil
	}
	var inner string
	if err := json.Unmarshal(f.Data, &inner); err != nil {
		return nil, fmt.Errorf("pusher data string: %w", err)
	}
	if inner == "" {
		return nil, nil
	}
	return []byte(inner), nil
}

func DecodePusher(frame []byte) (PusherFrame, error) {
	var f PusherFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return f, fmt.Errorf("pusher frame: %w", ErrMalformed)
	}
	if f.Event == "" {
		return f, fmt.Errorf("pusher frame without event: %w", ErrMalformed)
	}
	return f, nil
}

func SubscribeFrame(chatroomID int64) []byte {
	b, _ := json.Marshal(map[string]any{
		"event": "pusher:subscribe",
		"data":  map[string]string{"auth": "", "channel": fmt.Sprintf("chatrooms.%d.v2", chatroomID)},
	})
	return b
}

func PongFrame() []byte { return []byte(`{"event":"pusher:pong","data":""}`) }

type kickBadge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count int    `json:"count"`
	Image struct {
		Src string `json:"src"`
	} `json:"image"`
}

type kickChatPayload struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Sender    struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
		Identity struct {
			Color  string      `json:"color"`
			Badges []kickBadge `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

type kickDeletedPayload struct {
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

type kickBannedPayload struct {
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
	} `json:"user"`
	Duration  int    `json:"duration"` // minutes
	ExpiresAt string `json:"expires_at"`
	Permanent bool   `json:"permanent"`
}

type kickModeToggle struct {
	Enabled bool `json:"enabled"`
}

type kickRoomPayload struct {
	SlowMode *struct {
		Enabled         bool `json:"enabled"`
		MessageInterval int  `json:"message_interval"`
	} `json:"slow_mode"`
	SubscribersMode *kickModeToggle `json:"subscribers_mode"`
	EmotesMode      *kickModeToggle `json:"emotes_mode"`
	FollowersMode   *struct {
		Enabled     bool `json:"enabled"`
		MinDuration int  `json:"min_duration"`
	} `json:"followers_mode"`
}

// DecodeKick maps a Pusher frame to a domain event.
func DecodeKick(f PusherFrame, channel string) (Event, error) {
	switch f.Event {
	case pusherEstablished:
		return Event{Kind: EventControl, Control: ControlEstablished}, nil
	case pusherPing:
		return Event{Kind: EventControl, Control: ControlPing}, nil
	case pusherSubscribed:
		return Event{Kind: EventControl, Control: ControlSubscribed}, nil
	case pusherError:
		return Event{Kind: EventControl, Control: ControlError}, nil
	}

	payload, err := f.Payload()
	if err != nil {
		return Event{}, err
	}
	if payload == nil {
		return Event{}, nil
	}

	switch f.Event {
	case kickChatMessage:
		var p kickChatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("kick chat message: %w", ErrMalformed)
		}
		return messageEvent(kickMessage(p, channel)), nil

	case kickMessageDeleted:
		var p kickDeletedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("kick message deleted: %w", ErrMalformed)
		}
		return moderationEvent(domain.ModerationEvent{
			Kind:            domain.ModDelete,
			Channel:         channel,
			TargetMessageID: p.Message.ID,
			Timestamp:       time.Now().UTC(),
		}), nil

	case kickUserBanned:
		var p kickBannedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("kick user banned: %w", ErrMalformed)
		}
		ev := domain.ModerationEvent{
			Kind:         domain.ModBan,
			Channel:      channel,
			TargetUserID: strconv.FormatInt(p.User.ID, 10),
			TargetLogin:  p.User.Slug,
			Timestamp:    time.Now().UTC(),
		}
		if !p.Permanent && (p.Duration > 0 || p.ExpiresAt != "") {
			ev.Kind = domain.ModTimeout
			ev.Duration = time.Duration(p.Duration) * time.Minute
		}
		return moderationEvent(ev), nil

	case kickRoomUpdated:
		var p kickRoomPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("kick chatroom updated: %w", ErrMalformed)
		}
		rs := domain.RoomState{Channel: channel}
		if p.SlowMode != nil {
			secs := 0
			if p.SlowMode.Enabled {
				secs = p.SlowMode.MessageInterval
			}
			rs.SlowSeconds = intPtr(secs)
		}
		if p.SubscribersMode != nil {
			rs.SubsOnly = boolPtr(p.SubscribersMode.Enabled)
		}
		if p.EmotesMode != nil {
			rs.EmoteOnly = boolPtr(p.EmotesMode.Enabled)
		}
		if p.FollowersMode != nil {
			mins := -1
			if p.FollowersMode.Enabled {
				mins = p.FollowersMode.MinDuration
			}
			rs.FollowersOnlyMinutes = intPtr(mins)
		}
		return roomEvent(rs), nil
	}
	return Event{}, nil
}

func kickMessage(p kickChatPayload, channel string) *domain.Message {
	text, spans := ExtractKickEmotes(p.Content)

	login := p.Sender.Slug
	if login == "" {
		login = p.Sender.Username
	}
	display := p.Sender.Username
	if display == "" {
		display = login
	}

	badges := make([]domain.Badge, 0, len(p.Sender.Identity.Badges))
	for _, b := range p.Sender.Identity.Badges {
		id := b.Type
		if b.Type == "subscriber" && b.Count > 0 {
			id = fmt.Sprintf("subscriber/%d", b.Count)
		}
		name := b.Text
		if name == "" {
			name = strings.ReplaceAll(b.Type, "_", " ")
		}
		badges = append(badges, domain.Badge{ID: id, Name: name, ImageURL: b.Image.Src, Provider: "kick"})
	}

	ts := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
		ts = t.UTC()
	}

	return &domain.Message{
		ID:        newID(p.ID),
		Channel:   channel,
		Platform:  domain.PlatformKick,
		Text:      text,
		Timestamp: ts,
		Spans:     spans,
		User: domain.ChatUser{
			ID:          strconv.FormatInt(p.Sender.ID, 10),
			Login:       login,
			DisplayName: display,
			Platform:    domain.PlatformKick,
			Color:       p.Sender.Identity.Color,
			Badges:      badges,
		},
	}
}

// ExtractKickEmotes replaces [emote:ID:name] markers with the emote name and
// returns the cleaned text with rune-offset spans.
func ExtractKickEmotes(content string) (string, []domain.Span) {
	matches := kickEmoteRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, nil
	}
	var (
		b     strings.Builder
		spans []domain.Span
		last  int
		pos   int
	)
	for _, m := range matches {
		before := content[last:m[0]]
		b.WriteString(before)
		pos += utf8.RuneCountInString(before)

		id := content[m[2]:m[3]]
		name := content[m[4]:m[5]]
		b.WriteString(name)
		n := utf8.RuneCountInString(name)
		spans = append(spans, domain.Span{
			Start: pos,
			End:   pos + n,
			Emote: domain.Emote{ID: id, Name: name, URLTemplate: fmt.Sprintf(KickEmoteURL, id), Provider: "kick"},
		})
		pos += n
		last = m[1]
	}
	b.WriteString(content[last:])
	return b.String(), spans
}
