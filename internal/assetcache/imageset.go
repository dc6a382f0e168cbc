package assetcache

import (
	"sort"
	"strconv"
	"strings"

	"chatcore/internal/domain"
)

// ImageSpec is one source of an image at one scale.
type ImageSpec struct {
	Scale       float64
	Key         string
	URL         string
	FallbackURL string
	Animated    bool
}

// ImageSet is the same image at several scales, sorted ascending.
type ImageSet []ImageSpec

func NewImageSet(specs ...ImageSpec) ImageSet {
	s := ImageSet(append([]ImageSpec(nil), specs...))
	sort.Slice(s, func(i, j int) bool { return s[i].Scale < s[j].Scale })
	return s
}

// Select picks the smallest scale at or above the request, otherwise the
// largest available.
func (s ImageSet) Select(scale float64) (ImageSpec, bool) {
	if len(s) == 0 {
		return ImageSpec{}, false
	}
	for _, spec := range s {
		if spec.Scale >= scale {
			return spec, true
		}
	}
	return s[len(s)-1], true
}

// Prefetch requests the selected scale.
func (s ImageSet) Prefetch(c *Cache, scale float64, priority Priority) {
	if spec, ok := s.Select(scale); ok {
		c.Request(spec.Key, spec.URL, priority, spec.FallbackURL, spec.Animated)
	}
}

// Best returns the preferred scale if it is resident, else the closest
// resident scale. When nothing is resident it requests the preferred scale
// and reports false.
func (s ImageSet) Best(c *Cache, scale float64) (ImageSpec, Asset, bool) {
	preferred, ok := s.Select(scale)
	if !ok {
		return ImageSpec{}, Asset{}, false
	}
	if a, st := c.Get(preferred.Key); st == Ready {
		return preferred, a, true
	}

	var (
		best      ImageSpec
		bestAsset Asset
		found     bool
	)
	for _, spec := range s {
		if spec.Key == preferred.Key || !c.mem.contains(spec.Key) {
			continue
		}
		a, st := c.Get(spec.Key)
		if st != Ready {
			continue
		}
		// smallest scale >= request wins, then the largest below it
		better := !found ||
			(spec.Scale >= scale && (best.Scale < scale || spec.Scale < best.Scale)) ||
			(spec.Scale < scale && best.Scale < scale && spec.Scale > best.Scale)
		if better {
			best, bestAsset, found = spec, a, true
		}
	}
	if found {
		return best, bestAsset, true
	}
	c.Request(preferred.Key, preferred.URL, PriorityHigh, preferred.FallbackURL, preferred.Animated)
	return preferred, Asset{}, false
}

type sizeStep struct {
	scale float64
	size  string
}

// providerSizes maps the {size} placeholder of each provider's CDN.
var providerSizes = map[string][]sizeStep{
	"twitch": {{1, "1.0"}, {2, "2.0"}, {3, "3.0"}},
	"7tv":    {{1, "1"}, {2, "2"}, {3, "3"}, {4, "4"}},
	"bttv":   {{1, "1"}, {2, "2"}, {3, "3"}},
	"ffz":    {{1, "1"}, {2, "2"}, {4, "4"}},
}

// EmoteImageSet expands an emote's URL template into one spec per size the
// provider serves. Templates without a placeholder yield a single spec.
// Animated 7TV emotes fall back to the GIF rendition.
func EmoteImageSet(e domain.Emote) ImageSet {
	steps, ok := providerSizes[e.Provider]
	if !ok || !strings.Contains(e.URLTemplate, "{size}") {
		return NewImageSet(ImageSpec{Scale: 1, Key: e.CacheKey(), URL: e.URL("1"), Animated: e.Animated})
	}
	specs := make([]ImageSpec, 0, len(steps))
	for _, st := range steps {
		spec := ImageSpec{
			Scale:    st.scale,
			Key:      e.CacheKey() + "@" + strconv.FormatFloat(st.scale, 'f', -1, 64) + "x",
			URL:      e.URL(st.size),
			Animated: e.Animated,
		}
		if e.Provider == "7tv" && e.Animated && strings.HasSuffix(spec.URL, ".webp") {
			spec.FallbackURL = strings.TrimSuffix(spec.URL, ".webp") + ".gif"
		}
		specs = append(specs, spec)
	}
	return NewImageSet(specs...)
}

// BadgeImageSet wraps a badge's single image URL.
func BadgeImageSet(b domain.Badge) ImageSet {
	if b.ImageURL == "" {
		return nil
	}
	return NewImageSet(ImageSpec{Scale: 1, Key: b.CacheKey(), URL: b.ImageURL})
}
