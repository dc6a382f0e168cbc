package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
	PlatformYouTube Platform = "youtube"
)

// ParsePlatform maps a user-supplied name to a Platform.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformTwitch:
		return PlatformTwitch, true
	case PlatformKick:
		return PlatformKick, true
	case PlatformYouTube, "yt":
		return PlatformYouTube, true
	}
	return "", false
}

// ParseChannelRef reads "platform:id", e.g. "twitch:forsen" or "yt:dQw4w9WgXcQ".
func ParseChannelRef(s string) (ChannelRef, error) {
	name, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(id) == "" {
		return ChannelRef{}, fmt.Errorf("channel %q: want platform:id", s)
	}
	p, ok := ParsePlatform(name)
	if !ok {
		return ChannelRef{}, fmt.Errorf("channel %q: %w: %s", s, ErrUnsupported, name)
	}
	id = strings.TrimSpace(id)
	if p == PlatformTwitch {
		id = strings.TrimPrefix(id, "#")
	}
	return ChannelRef{Platform: p, ID: id}, nil
}

// ChannelRef identifies one chat room on one platform.
type ChannelRef struct {
	Platform Platform
	ID       string // twitch login, kick slug or youtube video id

	// Optional ids resolved ahead of time (kick).
	ChatroomID        int64
	BroadcasterUserID int64
}

// Key is the stable map key for a channel: "platform:id".
func (c ChannelRef) Key() string {
	return string(c.Platform) + ":" + strings.ToLower(c.ID)
}

type Badge struct {
	ID       string // "name/version"
	Name     string
	ImageURL string
	Provider string
}

func (b Badge) CacheKey() string { return b.Provider + ":" + b.ID }

type Emote struct {
	ID          string
	Name        string
	URLTemplate string // may contain {size}
	Provider    string
	ZeroWidth   bool
	Animated    bool
}

func (e Emote) CacheKey() string { return "emote:" + e.Provider + ":" + e.ID }

// URL fills the {size} placeholder of the template.
func (e Emote) URL(size string) string {
	return strings.ReplaceAll(e.URLTemplate, "{size}", size)
}

type ChatUser struct {
	ID          string
	Login       string
	DisplayName string
	Platform    Platform
	Color       string
	Badges      []Badge
}

// Key returns the identity of the user across platforms.
func (u ChatUser) Key() string { return string(u.Platform) + ":" + u.ID }

// Span marks [Start, End) in rune offsets of the message text.
type Span struct {
	Start int
	End   int
	Emote Emote
}

type Message struct {
	ID        string
	Channel   string // ChannelRef.Key()
	Platform  Platform
	User      ChatUser
	Text      string
	Timestamp time.Time
	Spans     []Span

	Action       bool
	System       bool
	FirstMessage bool
	Mention      bool
	HypeTier     string
	SystemText   string

	moderated atomic.Bool
}

// MarkModerated flips the moderated flag. It reports true only for the
// first call on a message.
func (m *Message) MarkModerated() bool {
	return m.moderated.CompareAndSwap(false, true)
}

func (m *Message) Moderated() bool { return m.moderated.Load() }

// MergeSpans adds extra spans and keeps the list sorted by start.
func (m *Message) MergeSpans(extra []Span) {
	if len(extra) == 0 {
		return
	}
	m.Spans = append(m.Spans, extra...)
	sort.SliceStable(m.Spans, func(i, j int) bool { return m.Spans[i].Start < m.Spans[j].Start })
}

// Claimed returns the spans' [start, end) ranges.
func (m *Message) Claimed() [][2]int {
	out := make([][2]int, len(m.Spans))
	for i, s := range m.Spans {
		out[i] = [2]int{s.Start, s.End}
	}
	return out
}

type ModerationKind string

const (
	ModDelete  ModerationKind = "delete"
	ModBan     ModerationKind = "ban"
	ModTimeout ModerationKind = "timeout"
	ModClear   ModerationKind = "clear"
)

type ModerationEvent struct {
	Kind            ModerationKind
	Channel         string
	TargetMessageID string
	TargetUserID    string
	TargetLogin     string
	Duration        time.Duration
	Timestamp       time.Time
}

// RoomState is a sparse patch: nil fields are unchanged.
type RoomState struct {
	Channel              string
	RoomID               string
	SubsOnly             *bool
	MembersOnly          *bool
	EmoteOnly            *bool
	SlowSeconds          *int
	FollowersOnlyMinutes *int
}

// Empty reports whether the patch carries no field.
func (r RoomState) Empty() bool {
	return r.RoomID == "" && r.SubsOnly == nil && r.MembersOnly == nil &&
		r.EmoteOnly == nil && r.SlowSeconds == nil && r.FollowersOnlyMinutes == nil
}
