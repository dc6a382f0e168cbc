package assetcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"chatcore/internal/metrics"
)

const readyBuffer = 1024

// Config configures a Cache. Zero values take the package defaults.
type Config struct {
	Dir         string // disk tier location; empty keeps the cache memory-only
	DiskBudget  int64  // bytes
	RescanEvery time.Duration

	StaticCap   int
	AnimatedCap int
	ExpireAfter time.Duration
	SweepEvery  time.Duration

	Workers     int
	PerHost     int // concurrent requests per host
	MaxAttempts int
	RetryDelay  time.Duration
	Cooldown    time.Duration
	HTTPClient  *http.Client

	EmoteHeight int     // px at scale 1
	Scale       float64 // display scale

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DiskBudget <= 0 {
		c.DiskBudget = DefaultDiskBudget
	}
	if c.RescanEvery <= 0 {
		c.RescanEvery = DefaultRescanEvery
	}
	if c.StaticCap <= 0 {
		c.StaticCap = DefaultStaticCap
	}
	if c.AnimatedCap <= 0 {
		c.AnimatedCap = DefaultAnimatedCap
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = DefaultExpireAfter
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PerHost <= 0 {
		c.PerHost = DefaultPerHost
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.EmoteHeight <= 0 {
		c.EmoteHeight = DefaultEmoteHeight
	}
	if c.Scale <= 0 {
		c.Scale = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type keyState int

const (
	stateQueued keyState = iota + 1
	stateDecoding
)

// Cache is the two-tier asset cache. A key is at any time in at most one of
// download queue, decode pipeline or memory.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	mem    *memoryTier
	disk   *diskTier
	dl     *downloader
	pipe   *pipeline
	ready  chan string
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	stopped bool // ready is closed
	pending map[string]keyState
	blocked map[string]time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache and starts its workers. Call Close to stop them.
func New(cfg Config) (*Cache, error) {
	cfg.applyDefaults()

	mem, err := newMemoryTier(cfg.StaticCap, cfg.AnimatedCap)
	if err != nil {
		return nil, fmt.Errorf("memory tier: %w", err)
	}
	c := &Cache{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "assetcache"),
		mem:     mem,
		ready:   make(chan string, readyBuffer),
		now:     time.Now,
		pending: make(map[string]keyState),
		blocked: make(map[string]time.Time),
	}
	if cfg.Dir != "" {
		if c.disk, err = newDiskTier(cfg.Dir, cfg.DiskBudget, cfg.RescanEvery, c.logger); err != nil {
			return nil, err
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	height := int(math.Round(float64(cfg.EmoteHeight) * cfg.Scale))
	c.pipe = newPipeline(height, c.logger, c.delivered, c.failed)
	c.pipe.start(c.ctx)
	c.dl = newDownloader(cfg.HTTPClient, cfg.Workers, cfg.PerHost, cfg.MaxAttempts, cfg.RetryDelay, c.logger, c.downloaded)
	c.dl.start(c.ctx, cfg.Workers)

	c.wg.Add(1)
	go c.sweepLoop()

	c.logger.Info("asset cache started",
		"dir", cfg.Dir,
		"disk_budget", cfg.DiskBudget,
		"workers", cfg.Workers,
		"per_host", cfg.PerHost,
	)
	return c, nil
}

// Get returns the asset for key without blocking. A disk hit schedules an
// asynchronous load and reports Loading; Ready() announces completion.
func (c *Cache) Get(key string) (Asset, Status) {
	if a, ok := c.mem.get(key); ok {
		metrics.CacheLookups.WithLabelValues("memory").Inc()
		return a, Ready
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		return Asset{}, Loading
	}
	if c.loadFromDiskLocked(key) {
		metrics.CacheLookups.WithLabelValues("disk").Inc()
		return Asset{}, Loading
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return Asset{}, Absent
}

// Request schedules a download of url for key. It does nothing when the key
// is resident, already in flight or cooling down after failures.
func (c *Cache) Request(key, url string, priority Priority, fallbackURL string, expectAnimated bool) {
	if key == "" || url == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.mem.contains(key) {
		return
	}
	if _, ok := c.pending[key]; ok {
		return
	}
	if until, ok := c.blocked[key]; ok {
		if c.now().Before(until) {
			return
		}
		delete(c.blocked, key)
	}
	if c.loadFromDiskLocked(key) {
		return
	}

	c.pending[key] = stateQueued
	c.dl.push(&DownloadTask{
		Key:            key,
		URL:            url,
		FallbackURL:    fallbackURL,
		Priority:       priority,
		ExpectAnimated: expectAnimated,
	})
}

// Put stores an already decoded asset. raw, when given, is persisted as the
// animation source; otherwise a still image is persisted re-encoded.
// A queued download for key is dropped and the result of one already
// running is discarded.
func (c *Cache) Put(key string, a Asset, raw []byte) {
	if key == "" || a.Image == nil {
		return
	}
	c.dl.remove(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, a, raw, true)
}

// Has reports whether key is in memory or on disk.
func (c *Cache) Has(key string) bool {
	if c.mem.contains(key) {
		return true
	}
	return c.disk != nil && c.disk.has(key)
}

// Blocked reports whether key is cooling down after failed attempts.
func (c *Cache) Blocked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.blocked[key]
	return ok && c.now().Before(until)
}

// Ready announces keys whose asset became resident. Slow readers lose
// notifications rather than stall the decode pipeline.
func (c *Cache) Ready() <-chan string { return c.ready }

func (c *Cache) Stats() Stats {
	static, animated := c.mem.lens()
	s := Stats{
		Static:   static,
		Animated: animated,
		Queued:   c.dl.queued(),
		Inflight: int(c.dl.inflight.Load()),
	}
	if c.disk != nil {
		s.DiskBytes = c.disk.size()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.Pending = len(c.pending)
	now := c.now()
	for _, until := range c.blocked {
		if now.Before(until) {
			s.Blocked++
		}
	}
	return s
}

// Prune rescans the disk tier and evicts down to the target if it is over
// budget. It returns the number of files removed.
func (c *Cache) Prune() (int, error) {
	if c.disk == nil {
		return 0, nil
	}
	return c.disk.enforce(true)
}

// Clear drops every memory entry. Disk files are left alone.
func (c *Cache) Clear() { c.mem.purge() }

// Close stops the workers, abandons queued downloads and flushes pending
// disk writes.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.dl.wait()
		c.pipe.wait()
		c.wg.Wait()
		if c.disk != nil {
			c.disk.close()
		}

		abandoned := len(c.dl.drain())
		c.mu.Lock()
		c.pending = make(map[string]keyState)
		c.stopped = true
		close(c.ready)
		c.mu.Unlock()
		c.logger.Info("asset cache stopped", "abandoned", abandoned)
	})
	return nil
}

// loadFromDiskLocked schedules a disk read for key if a file exists. When
// the pipeline is backed up the submit waits on a goroutine; the key stays
// Loading meanwhile.
func (c *Cache) loadFromDiskLocked(key string) bool {
	if c.closed || c.disk == nil || c.mem.contains(key) || !c.disk.has(key) {
		return false
	}
	job := &decodeJob{
		key: key,
		load: func() ([]byte, error) {
			data, _, err := c.disk.read(key)
			return data, err
		},
	}
	c.pending[key] = stateDecoding
	if c.pipe.trySubmit(job) {
		return true
	}

	pipe := c.pipe
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !pipe.submit(c.ctx, job) {
			c.clearPending(key)
		}
	}()
	return true
}

// downloaded runs on a download worker.
func (c *Cache) downloaded(t *DownloadTask, data []byte, err error) {
	if err != nil {
		if c.ctx.Err() != nil {
			c.clearPending(t.Key)
			return
		}
		c.block(t.Key, t.Attempts, err)
		return
	}

	c.mu.Lock()
	if c.pending[t.Key] != stateQueued {
		// settled by Put while the request was running
		c.mu.Unlock()
		return
	}
	c.pending[t.Key] = stateDecoding
	c.mu.Unlock()

	job := &decodeJob{key: t.Key, data: data, persist: true, expectAnimated: t.ExpectAnimated}
	if !c.pipe.submit(c.ctx, job) {
		c.clearPending(t.Key)
	}
}

func (c *Cache) delivered(job *decodeJob, a Asset) {
	var raw []byte
	if a.Animated() {
		raw = job.data
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[job.key] != stateDecoding {
		return
	}
	c.storeLocked(job.key, a, raw, job.persist)
}

// failed marks undecodable bytes so the same source is not fetched again
// until the cool-down passes.
func (c *Cache) failed(job *decodeJob, err error) {
	c.block(job.key, 0, err)
}

func (c *Cache) storeLocked(key string, a Asset, raw []byte, persist bool) {
	if c.stopped {
		return
	}

	c.mem.put(key, a)
	if persist && c.disk != nil && (raw != nil || !a.Animated()) {
		c.disk.enqueue(diskOp{key: key, raw: raw, img: a.Image})
	}
	delete(c.pending, key)
	delete(c.blocked, key)

	select {
	case c.ready <- key:
	default:
		metrics.BusDropped.WithLabelValues("asset_ready").Inc()
	}
}

func (c *Cache) block(key string, attempts int, err error) {
	c.mu.Lock()
	if _, ok := c.pending[key]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.blocked[key] = c.now().Add(c.cfg.Cooldown)
	c.mu.Unlock()

	level := slog.LevelWarn
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "asset blocked",
		"key", key,
		"attempts", attempts,
		"cooldown", c.cfg.Cooldown,
		"error", err,
	)
}

func (c *Cache) clearPending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.mem.sweep(c.cfg.ExpireAfter); n > 0 {
				c.logger.Debug("expired idle assets", "count", n)
			}
			c.dropExpiredBlocks()
		}
	}
}

func (c *Cache) dropExpiredBlocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, until := range c.blocked {
		if !now.Before(until) {
			delete(c.blocked, k)
		}
	}
}
