package assetcache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"chatcore/internal/metrics"
)

const (
	DefaultStaticCap   = 2000
	DefaultAnimatedCap = 300
	DefaultExpireAfter = 10 * time.Minute
	DefaultSweepEvery  = time.Minute
)

// memoryTier holds decoded assets in two LRU pools so a burst of large
// animations cannot push out every static badge.
type memoryTier struct {
	static   *lru.Cache[string, *entry]
	animated *lru.Cache[string, *entry]
	now      func() time.Time
}

func newMemoryTier(staticCap, animatedCap int) (*memoryTier, error) {
	static, err := lru.New[string, *entry](staticCap)
	if err != nil {
		return nil, err
	}
	animated, err := lru.New[string, *entry](animatedCap)
	if err != nil {
		return nil, err
	}
	return &memoryTier{static: static, animated: animated, now: time.Now}, nil
}

func (m *memoryTier) get(key string) (Asset, bool) {
	e, ok := m.static.Get(key)
	if !ok {
		e, ok = m.animated.Get(key)
	}
	if !ok {
		return Asset{}, false
	}
	e.touch(m.now())
	return e.asset.clone(), true
}

func (m *memoryTier) contains(key string) bool {
	return m.static.Contains(key) || m.animated.Contains(key)
}

// put stores a in the pool matching its kind and removes any copy from the
// other pool.
func (m *memoryTier) put(key string, a Asset) {
	e := newEntry(a, m.now())
	if a.Animated() {
		m.static.Remove(key)
		m.animated.Add(key, e)
	} else {
		m.animated.Remove(key)
		m.static.Add(key, e)
	}
	m.report()
}

// sweep evicts entries idle for longer than maxIdle and returns how many
// were removed.
func (m *memoryTier) sweep(maxIdle time.Duration) int {
	now := m.now()
	n := 0
	for _, pool := range []*lru.Cache[string, *entry]{m.static, m.animated} {
		for _, k := range pool.Keys() {
			if e, ok := pool.Peek(k); ok && e.idle(now) > maxIdle {
				pool.Remove(k)
				n++
			}
		}
	}
	m.report()
	return n
}

func (m *memoryTier) lens() (static, animated int) {
	return m.static.Len(), m.animated.Len()
}

func (m *memoryTier) purge() {
	m.static.Purge()
	m.animated.Purge()
	m.report()
}

func (m *memoryTier) report() {
	metrics.CacheEntries.WithLabelValues("static").Set(float64(m.static.Len()))
	metrics.CacheEntries.WithLabelValues("animated").Set(float64(m.animated.Len()))
}
