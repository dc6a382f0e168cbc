// Package assetcache keeps emote and badge images in a two-tier cache: LRU
// pools in memory and a size-bounded directory on disk. Misses are fetched
// by a priority download pool and decoded by a staged pipeline that never
// holds a caller.
package assetcache

import (
	"image"
	"slices"
	"sync/atomic"
	"time"
)

// Status is the outcome of a non-blocking lookup.
type Status int

const (
	Absent Status = iota
	Loading
	Ready
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return "absent"
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// MinFrameDelay is the shortest delay an animation frame is shown for.
const MinFrameDelay = 20 // ms

// Asset is a decoded image. Animated assets carry two or more frames with
// one delay in milliseconds per frame; Image is then the first frame.
type Asset struct {
	Image  image.Image
	Frames []image.Image
	Delays []int
}

func (a Asset) Animated() bool { return len(a.Frames) > 1 }

// clone copies the slice headers so callers cannot reorder cached frames.
func (a Asset) clone() Asset {
	return Asset{Image: a.Image, Frames: slices.Clone(a.Frames), Delays: slices.Clone(a.Delays)}
}

// newAnimated builds an animated asset, clamping delays to MinFrameDelay.
// A single frame collapses to a static asset.
func newAnimated(frames []image.Image, delays []int) Asset {
	if len(frames) == 0 {
		return Asset{}
	}
	if len(frames) == 1 {
		return Asset{Image: frames[0]}
	}
	d := make([]int, len(frames))
	for i := range frames {
		if i < len(delays) {
			d[i] = delays[i]
		}
		d[i] = max(d[i], MinFrameDelay)
	}
	return Asset{Image: frames[0], Frames: frames, Delays: d}
}

type entry struct {
	asset      Asset
	lastAccess atomic.Int64 // unix nanos
}

func newEntry(a Asset, now time.Time) *entry {
	e := &entry{asset: a}
	e.lastAccess.Store(now.UnixNano())
	return e
}

func (e *entry) touch(now time.Time) { e.lastAccess.Store(now.UnixNano()) }

func (e *entry) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastAccess.Load()))
}

// DownloadTask is one queued fetch.
type DownloadTask struct {
	Key            string
	URL            string
	FallbackURL    string
	Priority       Priority
	ExpectAnimated bool
	Attempts       int

	seq   uint64
	index int
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Static    int
	Animated  int
	Pending   int
	Queued    int
	Inflight  int
	Blocked   int
	DiskBytes int64
}
