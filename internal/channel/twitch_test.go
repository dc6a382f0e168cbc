package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatcore/internal/domain"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// ircServer is a scripted IRC-over-WebSocket peer. Each accepted
// connection is handed to handle.
func ircServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handle(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readUntil collects lines until one starts with prefix. Server handlers
// can outlive the test, so failures are reported through ok only.
func readUntil(c *websocket.Conn, prefix string) (lines []string, ok bool) {
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return lines, false
		}
		for _, l := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\r\n") {
			lines = append(lines, l)
			if strings.HasPrefix(l, prefix) {
				return lines, true
			}
		}
	}
}

// offer sends without blocking; later reconnects may find nobody listening.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeIRC(c *websocket.Conn, line string) error {
	return c.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func TestTwitch_AnonymousReadAndPing(t *testing.T) {
	handshake := make(chan []string, 1)
	pong := make(chan string, 1)
	url := ircServer(t, func(c *websocket.Conn) {
		lines, ok := readUntil(c, "JOIN")
		if !ok {
			return
		}
		offer(handshake, lines)
		writeIRC(c, "PING :tmi.twitch.tv")
		if lines, ok = readUntil(c, "PONG"); !ok {
			return
		}
		offer(pong, lines[len(lines)-1])
		writeIRC(c, "@id=abc;user-id=1 :nick!nick@x PRIVMSG #somechan :hello")
		c.SetReadDeadline(time.Time{})
		c.ReadMessage() // hold until the client leaves
	})

	ref := domain.ChannelRef{Platform: domain.PlatformTwitch, ID: "SomeChan"}
	conn := NewTwitch(ref, TwitchConfig{URL: url, Logger: testLogger(), Batch: BatchConfig{FlushEvery: 10 * time.Millisecond}})
	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- conn.Start(context.Background(), sink) }()
	defer func() { conn.Stop(); <-done }()

	lines := <-handshake
	if len(lines) != 3 {
		t.Fatalf("handshake = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "CAP REQ :") || !strings.Contains(lines[0], "twitch.tv/tags") {
		t.Errorf("cap line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "NICK justinfan") {
		t.Errorf("nick line = %q", lines[1])
	}
	if lines[2] != "JOIN #somechan" {
		t.Errorf("join line = %q", lines[2])
	}
	if got := <-pong; got != "PONG :tmi.twitch.tv" {
		t.Errorf("pong = %q", got)
	}

	sink.waitFor(t, "message", func() bool { return len(sink.msgs) == 1 })
	sink.mu.Lock()
	msg := sink.msgs[0]
	sink.mu.Unlock()
	if msg.ID != "abc" || msg.User.ID != "1" || msg.Text != "hello" || msg.Channel != "twitch:somechan" {
		t.Errorf("message = %+v", msg)
	}

	if conn.Nick() != "" {
		t.Errorf("anonymous nick = %q, want empty", conn.Nick())
	}
	if err := conn.Send(context.Background(), "hi"); !errors.Is(err, domain.ErrAuthMissing) {
		t.Errorf("anonymous send err = %v, want ErrAuthMissing", err)
	}
}

func TestTwitch_AuthenticatedSend(t *testing.T) {
	handshake := make(chan []string, 1)
	sent := make(chan string, 1)
	url := ircServer(t, func(c *websocket.Conn) {
		lines, ok := readUntil(c, "JOIN")
		if !ok {
			return
		}
		offer(handshake, lines)
		writeIRC(c, "@badges=broadcaster/1;color=#00FF00;display-name=Me;user-id=77 :tmi.twitch.tv GLOBALUSERSTATE")
		if lines, ok = readUntil(c, "PRIVMSG"); !ok {
			return
		}
		offer(sent, lines[len(lines)-1])
		c.SetReadDeadline(time.Time{})
		c.ReadMessage()
	})

	validate := func(ctx context.Context, token string) (TokenInfo, error) {
		if token != "tok" {
			return TokenInfo{}, errors.New("bad token")
		}
		return TokenInfo{Login: "Me", Scopes: []string{"chat:read", "chat:edit"}}, nil
	}
	ref := domain.ChannelRef{Platform: domain.PlatformTwitch, ID: "chan"}
	conn := NewTwitch(ref, TwitchConfig{URL: url, Token: "oauth:tok", Validate: validate, Logger: testLogger()})
	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- conn.Start(context.Background(), sink) }()
	defer func() { conn.Stop(); <-done }()

	lines := <-handshake
	if len(lines) != 4 || lines[1] != "PASS oauth:tok" || lines[2] != "NICK me" {
		t.Fatalf("handshake = %v", lines)
	}
	sink.waitFor(t, "connected", func() bool { return len(sink.states) > 0 })

	if err := conn.Send(context.Background(), "hello\nthere"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := <-sent; got != "PRIVMSG #chan :hello there" {
		t.Errorf("sent = %q", got)
	}
	if conn.Nick() != "me" {
		t.Errorf("nick = %q", conn.Nick())
	}
	eventually(t, "GLOBALUSERSTATE applied", func() bool { return conn.Self().DisplayName == "Me" })
	if self := conn.Self(); self.ID != "77" || len(self.Badges) != 1 || self.Color != "#00FF00" {
		t.Errorf("self = %+v", self)
	}
}

func TestTwitch_MissingEditScopeRefusesSend(t *testing.T) {
	url := ircServer(t, func(c *websocket.Conn) {
		if _, ok := readUntil(c, "JOIN"); !ok {
			return
		}
		c.SetReadDeadline(time.Time{})
		c.ReadMessage()
	})
	validate := func(ctx context.Context, token string) (TokenInfo, error) {
		return TokenInfo{Login: "me", Scopes: []string{"chat:read"}}, nil
	}
	conn := NewTwitch(domain.ChannelRef{Platform: domain.PlatformTwitch, ID: "chan"},
		TwitchConfig{URL: url, Token: "tok", Validate: validate, Logger: testLogger()})
	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- conn.Start(context.Background(), sink) }()
	defer func() { conn.Stop(); <-done }()

	sink.waitFor(t, "connected", func() bool { return len(sink.states) > 0 })
	if err := conn.Send(context.Background(), "hi"); !errors.Is(err, domain.ErrAuthMissing) {
		t.Errorf("err = %v, want ErrAuthMissing", err)
	}
}

func TestTwitch_LoginFailureFallsBackToAnonymous(t *testing.T) {
	nicks := make(chan string, 4)
	url := ircServer(t, func(c *websocket.Conn) {
		lines, ok := readUntil(c, "JOIN")
		if !ok {
			return
		}
		for _, l := range lines {
			if strings.HasPrefix(l, "NICK ") {
				offer(nicks, strings.TrimPrefix(l, "NICK "))
			}
		}
		if strings.Contains(strings.Join(lines, "\n"), "PASS ") {
			writeIRC(c, ":tmi.twitch.tv NOTICE * :Login authentication failed")
			return
		}
		c.SetReadDeadline(time.Time{})
		c.ReadMessage()
	})
	validate := func(ctx context.Context, token string) (TokenInfo, error) {
		return TokenInfo{Login: "me", Scopes: []string{"chat:edit"}}, nil
	}
	conn := NewTwitch(domain.ChannelRef{Platform: domain.PlatformTwitch, ID: "chan"},
		TwitchConfig{URL: url, Token: "tok", Validate: validate, Logger: testLogger()})
	conn.backoff = newBackoff(5*time.Millisecond, defaultJitter)

	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- conn.Start(context.Background(), sink) }()
	defer func() { conn.Stop(); <-done }()

	first := <-nicks
	if first != "me" {
		t.Fatalf("first nick = %q", first)
	}
	select {
	case second := <-nicks:
		if !strings.HasPrefix(second, "justinfan") {
			t.Errorf("second nick = %q, want anonymous", second)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect after login failure")
	}
}

func TestTwitch_ReconnectCommand(t *testing.T) {
	joins := make(chan struct{}, 4)
	url := ircServer(t, func(c *websocket.Conn) {
		if _, ok := readUntil(c, "JOIN"); !ok {
			return
		}
		offer(joins, struct{}{})
		writeIRC(c, ":tmi.twitch.tv RECONNECT")
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		c.ReadMessage()
	})
	conn := NewTwitch(domain.ChannelRef{Platform: domain.PlatformTwitch, ID: "chan"},
		TwitchConfig{URL: url, Logger: testLogger()})
	conn.backoff = newBackoff(5*time.Millisecond, defaultJitter)

	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- conn.Start(context.Background(), sink) }()
	defer func() { conn.Stop(); <-done }()

	for i := 0; i < 2; i++ {
		select {
		case <-joins:
		case <-time.After(3 * time.Second):
			t.Fatalf("join %d never arrived", i+1)
		}
	}
}
