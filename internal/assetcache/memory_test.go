package assetcache

import (
	"image"
	"testing"
	"time"
)

func stillAsset() Asset { return Asset{Image: solid(2, 2, red)} }

func animAsset() Asset {
	return newAnimated([]image.Image{solid(2, 2, red), solid(2, 2, blue)}, []int{10, 40})
}

func TestNewAnimated(t *testing.T) {
	a := animAsset()
	if !a.Animated() || len(a.Delays) != 2 {
		t.Fatalf("asset = %+v", a)
	}
	if a.Delays[0] != MinFrameDelay || a.Delays[1] != 40 {
		t.Errorf("delays = %v, want [%d 40]", a.Delays, MinFrameDelay)
	}
	if single := newAnimated([]image.Image{solid(1, 1, red)}, []int{5}); single.Animated() || single.Image == nil {
		t.Errorf("single frame = %+v, want static", single)
	}
}

func TestMemoryTier_PoolsEvictIndependently(t *testing.T) {
	m, err := newMemoryTier(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	m.put("s1", stillAsset())
	m.put("a1", animAsset())
	m.put("s2", stillAsset())
	m.put("a2", animAsset()) // evicts a1 only

	if !m.contains("s1") || !m.contains("s2") {
		t.Error("static entries evicted by animated pressure")
	}
	if m.contains("a1") || !m.contains("a2") {
		t.Error("animated pool did not evict its oldest entry")
	}

	m.get("s1")
	m.put("s3", stillAsset()) // s2 is now least recently used
	if !m.contains("s1") || m.contains("s2") {
		t.Error("LRU order not respected")
	}
	if s, a := m.lens(); s != 2 || a != 1 {
		t.Errorf("lens = %d/%d", s, a)
	}
}

func TestMemoryTier_KindChangeMovesPool(t *testing.T) {
	m, _ := newMemoryTier(4, 4)
	m.put("k", stillAsset())
	m.put("k", animAsset())
	if s, a := m.lens(); s != 0 || a != 1 {
		t.Errorf("lens = %d/%d, want 0/1", s, a)
	}
}

func TestMemoryTier_GetReturnsCopy(t *testing.T) {
	m, _ := newMemoryTier(4, 4)
	m.put("k", animAsset())
	a, _ := m.get("k")
	a.Frames[0], a.Frames[1] = a.Frames[1], a.Frames[0]
	a.Delays[0] = 999

	b, _ := m.get("k")
	if b.Delays[0] == 999 || b.Frames[0] == a.Frames[0] {
		t.Error("caller mutated the cached entry")
	}
}

func TestMemoryTier_SweepExpiresIdle(t *testing.T) {
	m, _ := newMemoryTier(4, 4)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.put("old", stillAsset())
	m.put("anim", animAsset())
	now = now.Add(8 * time.Minute)
	m.put("new", stillAsset())
	m.get("anim")
	now = now.Add(3 * time.Minute)

	if n := m.sweep(10 * time.Minute); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if m.contains("old") || !m.contains("new") || !m.contains("anim") {
		t.Error("sweep removed the wrong entries")
	}
}
