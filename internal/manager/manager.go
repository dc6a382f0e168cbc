// Package manager owns the open chat channels: it creates connections,
// loads each channel's emotes and badges, decorates inbound messages and
// publishes everything on the event bus.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"chatcore/internal/assetcache"
	"chatcore/internal/bus"
	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/provider"
	"chatcore/internal/store"
)

const (
	channelTTL   = 10 * time.Minute
	globalTTL    = time.Hour
	fetchTimeout = 30 * time.Second

	// requestScale is the image scale requested for everything a message
	// references.
	requestScale = 2.0
)

var errShutdown = errors.New("manager shut down")

// AssetCache is the part of the asset cache the manager drives.
type AssetCache interface {
	Request(key, url string, priority assetcache.Priority, fallbackURL string, expectAnimated bool)
	Ready() <-chan string
	Stats() assetcache.Stats
}

// MetaStore persists resolved ids and fetched emote and badge sets.
type MetaStore interface {
	LookupResolved(ctx context.Context, platform domain.Platform, login string) (*store.Resolved, error)
	SaveResolved(ctx context.Context, r store.Resolved) error
	LoadEmotes(ctx context.Context, key string) ([]domain.Emote, time.Time, error)
	SaveEmotes(ctx context.Context, key string, emotes []domain.Emote) error
	LoadBadges(ctx context.Context, key string) (domain.BadgeMap, time.Time, error)
	SaveBadges(ctx context.Context, key string, badges domain.BadgeMap) error
}

type Config struct {
	Settings    *config.Config // nil means config.Defaults()
	Credentials Credentials
	Events      domain.EventBus // required
	Journal     *bus.Journal    // optional lifecycle log
	Cache       AssetCache      // nil disables image requests
	Providers   *provider.Fanout
	Twitch      *provider.Twitch
	Kick        *provider.Kick
	Store       MetaStore
	HTTPClient  *http.Client

	// Connect replaces the platform connections, mostly for tests.
	Connect ConnFactory

	// OnKickRefresh receives rotated Kick tokens so they can be saved.
	OnKickRefresh func(accessToken, refreshToken string)

	Logger *slog.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	settings      *config.Config
	events        domain.EventBus
	journal       *bus.Journal
	cache         AssetCache
	providers     *provider.Fanout
	twitch        *provider.Twitch
	kick          *provider.Kick
	store         MetaStore
	httpClient    *http.Client
	connect       ConnFactory
	onKickRefresh func(accessToken, refreshToken string)
	logger        *slog.Logger
	sink          sink
	now           func() time.Time

	mu       sync.Mutex
	creds    Credentials
	channels map[string]*channelState
	closed   bool

	globalMu  sync.RWMutex
	globals   map[string]*emoteSet
	globalGen atomic.Uint64
	sf        singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Manager, error) {
	if cfg.Events == nil {
		return nil, errors.New("manager: event bus is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = config.Defaults()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.SharedHTTPClient(provider.DefaultTimeout)
	}
	if cfg.Providers == nil {
		cfg.Providers = provider.NewFanout(nil, cfg.Logger)
	}

	m := &Manager{
		settings:      cfg.Settings,
		events:        cfg.Events,
		journal:       cfg.Journal,
		cache:         cfg.Cache,
		providers:     cfg.Providers,
		twitch:        cfg.Twitch,
		kick:          cfg.Kick,
		store:         cfg.Store,
		httpClient:    cfg.HTTPClient,
		connect:       cfg.Connect,
		onKickRefresh: cfg.OnKickRefresh,
		logger:        cfg.Logger.With("component", "manager"),
		now:           time.Now,
		creds:         cfg.Credentials,
		channels:      make(map[string]*channelState),
		globals:       make(map[string]*emoteSet),
	}
	m.sink = sink{m: m}
	if m.connect == nil {
		m.connect = m.platformConn
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.cache != nil {
		m.wg.Add(1)
		go m.forwardAssets()
	}
	return m, nil
}

// forwardAssets relays cache completions to the bus until either side
// shuts down.
func (m *Manager) forwardAssets() {
	defer m.wg.Done()
	ready := m.cache.Ready()
	for {
		select {
		case <-m.ctx.Done():
			return
		case key, ok := <-ready:
			if !ok {
				return
			}
			m.events.AssetReady(key)
		}
	}
}

// spawn runs fn on a tracked goroutine unless the manager is shutting down.
func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// Open starts a connection for ref. Opening an open channel is a no-op.
func (m *Manager) Open(ref domain.ChannelRef) error {
	if _, ok := domain.ParsePlatform(string(ref.Platform)); !ok {
		return fmt.Errorf("open %s: %w", ref.Key(), domain.ErrUnsupported)
	}
	if strings.TrimSpace(ref.ID) == "" {
		return fmt.Errorf("open %s: empty channel id", ref.Platform)
	}
	key := ref.Key()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errShutdown
	}
	if _, ok := m.channels[key]; ok {
		m.mu.Unlock()
		return nil
	}
	conn, err := m.connect(ref, m.creds)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open %s: %w", key, err)
	}
	st := newChannelState(m.ctx, ref, m.settings.Chat.RecentLimit)
	m.channels[key] = st
	m.startConn(st, conn)
	open := len(m.channels)
	m.mu.Unlock()

	metrics.OpenChannels.Set(float64(open))
	m.logger.Info("channel opened", "channel", key)
	m.journal.Record(bus.Event{Type: bus.EventChannelOpened, Channel: key})

	m.spawn(func(context.Context) { m.loadMetadata(st) })
	return nil
}

// startConn runs conn on its own goroutine.
func (m *Manager) startConn(st *channelState, conn domain.Connection) {
	ctx, cancel := context.WithCancel(st.ctx)
	run := &connRun{conn: conn, cancel: cancel, done: make(chan struct{})}
	st.setRun(run)
	go func() {
		defer close(run.done)
		if err := conn.Start(ctx, m.sink); err != nil {
			m.logger.Error("connection exited", "channel", st.ref.Key(), "error", err)
		}
	}()
}

// Close stops the channel's connection and forgets its state. Closing an
// unknown channel is a no-op.
func (m *Manager) Close(ref domain.ChannelRef) {
	key := ref.Key()
	m.mu.Lock()
	st, ok := m.channels[key]
	delete(m.channels, key)
	open := len(m.channels)
	m.mu.Unlock()
	if !ok {
		return
	}

	st.cancel()
	st.takeRun().stop()
	metrics.OpenChannels.Set(float64(open))
	m.logger.Info("channel closed", "channel", key)
	m.journal.Record(bus.Event{Type: bus.EventChannelClosed, Channel: key})
}

// Send posts text to an open channel. Twitch does not echo our own
// messages, so a local copy is published on success.
func (m *Manager) Send(ctx context.Context, ref domain.ChannelRef, text string) error {
	st := m.channel(ref.Key())
	if st == nil {
		return domain.ErrNotOpen
	}
	conn := st.conn()
	if conn == nil {
		return domain.ErrNotConnected
	}
	if err := conn.Send(ctx, text); err != nil {
		m.journal.Record(bus.Event{Type: bus.EventSendFailed, Channel: st.ref.Key(), Fields: map[string]any{"error": err.Error()}})
		return err
	}
	if ref.Platform == domain.PlatformTwitch {
		if text = strings.TrimSpace(text); text != "" {
			m.echo(st, conn, text)
		}
	}
	return nil
}

func (m *Manager) echo(st *channelState, conn domain.Connection, text string) {
	self := conn.Self()
	if self.Login == "" {
		self.Login = conn.Nick()
	}
	if self.DisplayName == "" {
		self.DisplayName = self.Login
	}
	self.Platform = st.ref.Platform
	msg := &domain.Message{
		ID:        uuid.NewString(),
		Channel:   st.ref.Key(),
		Platform:  st.ref.Platform,
		User:      self,
		Text:      text,
		Timestamp: m.now(),
	}
	if rest, ok := strings.CutPrefix(text, "/me "); ok {
		msg.Text = rest
		msg.Action = true
	}
	m.sink.Messages(st.ref.Key(), []*domain.Message{msg})
}

// ReconnectPlatform applies new credentials for one platform and rebuilds
// every connection of that platform. Other platforms are left alone.
func (m *Manager) ReconnectPlatform(platform domain.Platform, creds Credentials) error {
	m.mu.Lock()
	m.creds = m.creds.merge(platform, creds)
	current := m.creds
	var targets []*channelState
	for _, st := range m.channels {
		if st.ref.Platform == platform {
			targets = append(targets, st)
		}
	}
	m.mu.Unlock()

	if platform == domain.PlatformTwitch {
		m.dropGlobal(userSetKey)
	}

	var errs []error
	for _, st := range targets {
		if err := m.reconnect(st, current); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("platform reconnected", "platform", platform, "channels", len(targets))
	m.journal.Record(bus.Event{Type: bus.EventPlatformReconnected, Fields: map[string]any{
		"platform": string(platform),
		"channels": len(targets),
	}})
	return errors.Join(errs...)
}

func (m *Manager) reconnect(st *channelState, creds Credentials) error {
	key := st.ref.Key()
	conn, err := m.connect(st.ref, creds)
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", key, err)
	}

	st.takeRun().stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[key] != st {
		// closed meanwhile
		return nil
	}
	m.startConn(st, conn)
	return nil
}

// Backfill runs the emote matcher again over messages that were delivered
// before the channel's emotes were known. It returns how many messages
// gained spans. The caller must not read the messages concurrently.
func (m *Manager) Backfill(ref domain.ChannelRef, msgs []*domain.Message) int {
	st := m.channel(ref.Key())
	if st == nil {
		return 0
	}
	emotes := m.mergedEmotes(st)
	n := 0
	for _, msg := range msgs {
		if m.matchEmotes(msg, emotes) {
			m.requestSpans(msg.Spans)
			n++
		}
	}
	return n
}

// Snapshot is a point-in-time view of the manager and its cache.
type Snapshot struct {
	Cache        assetcache.Stats
	OpenChannels int
	GlobalEmotes int
}

func (m *Manager) Metrics() Snapshot {
	var s Snapshot
	if m.cache != nil {
		s.Cache = m.cache.Stats()
	}
	m.mu.Lock()
	s.OpenChannels = len(m.channels)
	m.mu.Unlock()

	m.globalMu.RLock()
	for _, set := range m.globals {
		s.GlobalEmotes += len(set.emotes)
	}
	m.globalMu.RUnlock()

	metrics.OpenChannels.Set(float64(s.OpenChannels))
	return s
}

// Channels lists the open channel keys.
func (m *Manager) Channels() []domain.ChannelRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChannelRef, 0, len(m.channels))
	for _, st := range m.channels {
		out = append(out, st.ref)
	}
	return out
}

// Shutdown closes every channel and waits for background work.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	refs := make([]domain.ChannelRef, 0, len(m.channels))
	for _, st := range m.channels {
		refs = append(refs, st.ref)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close(ref)
		}()
	}
	wg.Wait()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("manager stopped")
}

func (m *Manager) channel(key string) *channelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[key]
}
