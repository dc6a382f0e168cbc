package assetcache

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitReady reads ready notifications until key shows up.
func waitReady(t *testing.T, c *Cache, key string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case k := <-c.Ready():
			if k == key {
				return
			}
		case <-deadline:
			t.Fatalf("%s never became ready (stats %+v)", key, c.Stats())
		}
	}
}

func drainReady(c *Cache) {
	for {
		select {
		case <-c.Ready():
		default:
			return
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// assetServer serves fixed bodies per path and counts hits.
type assetServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string]func(w http.ResponseWriter)
	hits   map[string]*atomic.Int32
}

func newAssetServer(t *testing.T) *assetServer {
	s := &assetServer{bodies: map[string]func(http.ResponseWriter){}, hits: map[string]*atomic.Int32{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		h := s.hits[r.URL.Path]
		if h == nil {
			h = &atomic.Int32{}
			s.hits[r.URL.Path] = h
		}
		body := s.bodies[r.URL.Path]
		s.mu.Unlock()
		h.Add(1)
		if body == nil {
			http.NotFound(w, r)
			return
		}
		body(w)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *assetServer) serve(path string, data []byte) {
	s.handle(path, func(w http.ResponseWriter) { w.Write(data) })
}

func (s *assetServer) handle(path string, fn func(w http.ResponseWriter)) {
	s.mu.Lock()
	s.bodies[path] = fn
	s.mu.Unlock()
}

func (s *assetServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.hits[path]; h != nil {
		return int(h.Load())
	}
	return 0
}

func TestCache_RequestDecodesStillImage(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/kappa.png", pngBytes(t, 56, 56, red))
	c := newTestCache(t, Config{})

	if _, st := c.Get("k"); st != Absent {
		t.Fatalf("status before request = %v", st)
	}
	c.Request("k", srv.URL+"/kappa.png", PriorityHigh, "", false)
	waitReady(t, c, "k")

	a, st := c.Get("k")
	if st != Ready || a.Animated() {
		t.Fatalf("status = %v animated = %v", st, a.Animated())
	}
	if b := a.Image.Bounds(); b.Dy() != DefaultEmoteHeight || b.Dx() != DefaultEmoteHeight {
		t.Errorf("bounds = %v, want %dpx square", b, DefaultEmoteHeight)
	}
	if !near(a.Image.At(10, 10), red) {
		t.Errorf("pixel = %v", a.Image.At(10, 10))
	}
}

func TestCache_ScaleSetsHeight(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/wide.png", pngBytes(t, 40, 20, blue))
	c := newTestCache(t, Config{Scale: 2})

	c.Request("w", srv.URL+"/wide.png", PriorityHigh, "", false)
	waitReady(t, c, "w")
	a, _ := c.Get("w")
	if b := a.Image.Bounds(); b.Dy() != 56 || b.Dx() != 112 {
		t.Errorf("bounds = %v, want 112x56", b)
	}
}

func TestCache_RequestDeduplicates(t *testing.T) {
	srv := newAssetServer(t)
	release := make(chan struct{})
	data := pngBytes(t, 28, 28, green)
	srv.handle("/slow.png", func(w http.ResponseWriter) {
		<-release
		w.Write(data)
	})
	c := newTestCache(t, Config{})

	for i := 0; i < 5; i++ {
		c.Request("slow", srv.URL+"/slow.png", PriorityHigh, "", false)
	}
	if _, st := c.Get("slow"); st != Loading {
		t.Errorf("status while downloading = %v", st)
	}
	close(release)
	waitReady(t, c, "slow")

	c.Request("slow", srv.URL+"/slow.png", PriorityHigh, "", false)
	if n := srv.count("/slow.png"); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestCache_AnimatedGIF(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/dance.gif", gifBytes(t, 10, []int{0, 1, 5}, red, green, blue))
	c := newTestCache(t, Config{})

	c.Request("dance", srv.URL+"/dance.gif", PriorityHigh, "", true)
	waitReady(t, c, "dance")

	a, st := c.Get("dance")
	if st != Ready || !a.Animated() || len(a.Frames) != 3 {
		t.Fatalf("status %v, %d frames", st, len(a.Frames))
	}
	want := []int{gifDefaultDelay, MinFrameDelay, 50}
	for i, d := range want {
		if a.Delays[i] != d {
			t.Errorf("delay[%d] = %d, want %d", i, a.Delays[i], d)
		}
	}
	if a.Frames[1].Bounds().Dy() != DefaultEmoteHeight || !near(a.Frames[1].At(14, 14), green) {
		t.Errorf("frame 1 = %v at %v", a.Frames[1].At(14, 14), a.Frames[1].Bounds())
	}
	if a.Image != a.Frames[0] {
		t.Error("Image is not the first frame")
	}
}

func TestCache_AnimatedWebPComposites(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/anim.webp", animatedWebP(t, 8, 8,
		animFrame{img: solid(8, 8, red), delay: 30},
		animFrame{img: solid(4, 4, blue), x: 2, y: 2, delay: 5},
	))
	c := newTestCache(t, Config{})

	c.Request("anim", srv.URL+"/anim.webp", PriorityHigh, "", true)
	waitReady(t, c, "anim")

	a, _ := c.Get("anim")
	if !a.Animated() || len(a.Frames) != 2 {
		t.Fatalf("%d frames", len(a.Frames))
	}
	if a.Delays[0] != 30 || a.Delays[1] != MinFrameDelay {
		t.Errorf("delays = %v", a.Delays)
	}
	second := a.Frames[1]
	if !near(second.At(14, 14), blue) {
		t.Errorf("centre of frame 2 = %v, want blue", second.At(14, 14))
	}
	if !near(second.At(2, 2), red) {
		t.Errorf("corner of frame 2 = %v, want red from frame 1", second.At(2, 2))
	}
}

func TestCache_EvictedEntryReloadsFromDisk(t *testing.T) {
	c := newTestCache(t, Config{Dir: t.TempDir(), StaticCap: 1})

	c.Put("a", Asset{Image: solid(28, 28, red)}, nil)
	c.Put("b", Asset{Image: solid(28, 28, green)}, nil)
	c.disk.flush()
	drainReady(c)

	if !c.Has("a") {
		t.Fatal("Has(a) = false, want disk hit")
	}
	if _, st := c.Get("a"); st != Loading {
		t.Fatalf("status after eviction = %v, want loading", st)
	}
	waitReady(t, c, "a")

	a, st := c.Get("a")
	if st != Ready || !near(a.Image.At(5, 5), red) {
		t.Fatalf("reloaded = %v %v", st, a.Image.At(5, 5))
	}
}

func TestCache_AnimatedPersistsRawSource(t *testing.T) {
	srv := newAssetServer(t)
	raw := gifBytes(t, 10, []int{5, 5}, red, blue)
	srv.serve("/a.gif", raw)
	c := newTestCache(t, Config{Dir: t.TempDir()})

	c.Request("g", srv.URL+"/a.gif", PriorityHigh, "", true)
	waitReady(t, c, "g")
	c.disk.flush()

	data, ext, err := c.disk.read("g")
	if err != nil || ext != extRaw || len(data) != len(raw) {
		t.Fatalf("disk = %d bytes %q %v", len(data), ext, err)
	}
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(t, Config{Dir: t.TempDir()})
	c.Put("s", stillAsset(), nil)
	c.Put("m", animAsset(), []byte("GIF89a"))
	c.disk.flush()

	st := c.Stats()
	if st.Static != 1 || st.Animated != 1 {
		t.Errorf("pools = %d/%d", st.Static, st.Animated)
	}
	if st.DiskBytes == 0 {
		t.Error("disk bytes not tracked")
	}
	if st.Pending != 0 || st.Queued != 0 {
		t.Errorf("pending = %d queued = %d", st.Pending, st.Queued)
	}
}

func TestCache_CloseStopsWork(t *testing.T) {
	srv := newAssetServer(t)
	block := make(chan struct{})
	srv.handle("/hang.png", func(w http.ResponseWriter) { <-block })
	defer close(block)

	c, err := New(Config{Logger: testLogger(), Workers: 2, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		c.Request(k, srv.URL+"/hang.png", PriorityLow, "", false)
	}

	done := make(chan struct{})
	go func() { c.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	c.Request("e", srv.URL+"/hang.png", PriorityHigh, "", false)
	if st := c.Stats(); st.Pending != 0 {
		t.Errorf("pending after close = %d", st.Pending)
	}
	if _, ok := <-c.Ready(); ok {
		t.Error("ready channel still open")
	}
}

// stalledHandler blocks every request until the returned func is called.
func stalledHandler(t *testing.T, data []byte) (handler func(http.ResponseWriter), hit <-chan struct{}, release func()) {
	t.Helper()
	hits := make(chan struct{}, 8)
	gate := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return func(w http.ResponseWriter) {
		hits <- struct{}{}
		<-gate
		w.Write(data)
	}, hits, release
}

func waitHit(t *testing.T, hit <-chan struct{}) {
	t.Helper()
	select {
	case <-hit:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}
}

func TestCache_PutDuringDownloadWins(t *testing.T) {
	srv := newAssetServer(t)
	handler, hit, release := stalledHandler(t, pngBytes(t, 28, 28, red))
	srv.handle("/k.png", handler)
	c := newTestCache(t, Config{})

	c.Request("k", srv.URL+"/k.png", PriorityHigh, "", false)
	waitHit(t, hit)
	c.Put("k", Asset{Image: solid(28, 28, green)}, nil)
	waitReady(t, c, "k")

	release()
	eventually(t, "download settled", func() bool {
		st := c.Stats()
		return st.Inflight == 0 && st.Queued == 0
	})
	select {
	case k := <-c.Ready():
		t.Errorf("second ready notification for %s", k)
	case <-time.After(50 * time.Millisecond):
	}

	a, st := c.Get("k")
	if st != Ready || !near(a.Image.At(5, 5), green) {
		t.Errorf("after late download = %v %v, want the stored green", st, a.Image.At(5, 5))
	}
	if p := c.Stats().Pending; p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestCache_PutDropsQueuedDownload(t *testing.T) {
	srv := newAssetServer(t)
	handler, hit, release := stalledHandler(t, pngBytes(t, 28, 28, red))
	srv.handle("/hang.png", handler)
	srv.serve("/k.png", pngBytes(t, 28, 28, red))
	c := newTestCache(t, Config{Workers: 1})

	c.Request("first", srv.URL+"/hang.png", PriorityHigh, "", false)
	waitHit(t, hit)
	c.Request("k", srv.URL+"/k.png", PriorityHigh, "", false)
	if q := c.Stats().Queued; q != 1 {
		t.Fatalf("queued = %d, want 1", q)
	}

	c.Put("k", Asset{Image: solid(28, 28, green)}, nil)
	if q := c.Stats().Queued; q != 0 {
		t.Errorf("queued after Put = %d, want 0", q)
	}
	release()
	waitReady(t, c, "first")
	eventually(t, "worker idle", func() bool { return c.Stats().Inflight == 0 })

	if n := srv.count("/k.png"); n != 0 {
		t.Errorf("settled key fetched %d times", n)
	}
}

func TestCache_RequestSkipsResidentKey(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/k.png", pngBytes(t, 28, 28, red))
	c := newTestCache(t, Config{})

	c.Put("k", stillAsset(), nil)
	c.Request("k", srv.URL+"/k.png", PriorityHigh, "", false)
	if st := c.Stats(); st.Pending != 0 || st.Queued != 0 {
		t.Errorf("stats = %+v", st)
	}
	if n := srv.count("/k.png"); n != 0 {
		t.Errorf("resident key fetched %d times", n)
	}
}

func TestCache_PerHostLimit(t *testing.T) {
	srv := newAssetServer(t)
	data := pngBytes(t, 28, 28, red)
	var cur, peak atomic.Int32
	srv.handle("/p.png", func(w http.ResponseWriter) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		w.Write(data)
	})
	c := newTestCache(t, Config{Workers: 6, PerHost: 2})

	for i := 0; i < 6; i++ {
		c.Request(fmt.Sprintf("k%d", i), srv.URL+"/p.png", PriorityHigh, "", false)
	}
	eventually(t, "all resident", func() bool { return c.Stats().Static == 6 })

	if p := peak.Load(); p > 2 || p == 0 {
		t.Errorf("peak concurrent requests = %d, want at most 2", p)
	}
}

func TestCache_DiskHitWaitsForBusyPipeline(t *testing.T) {
	c := newTestCache(t, Config{Dir: t.TempDir()})
	c.Put("a", Asset{Image: solid(28, 28, red)}, nil)
	c.disk.flush()
	c.Clear()
	drainReady(c)

	// a pipeline that accepts nothing until started
	stalled := newPipeline(DefaultEmoteHeight, c.logger, c.delivered, c.failed)
	stalled.probeQ = make(chan *decodeJob)
	c.mu.Lock()
	c.pipe = stalled
	c.mu.Unlock()

	if _, st := c.Get("a"); st != Loading {
		t.Fatalf("status with a full pipeline = %v, want loading", st)
	}
	if p := c.Stats().Pending; p != 1 {
		t.Errorf("pending = %d, want 1", p)
	}

	stalled.start(c.ctx)
	waitReady(t, c, "a")
	if a, st := c.Get("a"); st != Ready || !near(a.Image.At(5, 5), red) {
		t.Errorf("loaded = %v %v", st, a.Image.At(5, 5))
	}
}

func TestCache_OversizedImageIsBlocked(t *testing.T) {
	srv := newAssetServer(t)
	data := gifBytes(t, 4, []int{5, 5}, red, green)
	data[6], data[7] = 0xFF, 0xFF
	srv.serve("/big.gif", data)
	c := newTestCache(t, Config{})

	c.Request("big", srv.URL+"/big.gif", PriorityHigh, "", true)
	eventually(t, "blocked", func() bool { return c.Blocked("big") })
	if _, st := c.Get("big"); st != Absent {
		t.Errorf("status = %v", st)
	}
}
