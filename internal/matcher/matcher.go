// Package matcher finds third-party emote names (7TV, BTTV, FFZ) inside
// chat text that the platform did not already tag.
package matcher

import (
	"strings"
	"unicode"

	"chatcore/internal/domain"
)

const trimChars = "[](){}<>\"'`"

type segment struct {
	start, end int
	word       bool
}

type finder struct {
	text    []rune
	emotes  map[string]domain.Emote
	claimed [][2]int
	found   []domain.Span
}

// Find returns new spans for emote names in text that do not overlap any
// claimed range. Offsets are rune offsets, end exclusive. Candidates are
// tried longest-combination-first: three segments, then two, then one.
func Find(text string, emotes map[string]domain.Emote, claimed [][2]int) []domain.Span {
	if text == "" || len(emotes) == 0 {
		return nil
	}
	f := &finder{
		text:    []rune(text),
		emotes:  emotes,
		claimed: append([][2]int(nil), claimed...),
	}
	f.scan()
	return f.found
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (f *finder) overlaps(start, end int) bool {
	for _, c := range f.claimed {
		if start < c[1] && end > c[0] {
			return true
		}
	}
	return false
}

func (f *finder) tryAdd(start, end int) bool {
	e, ok := f.emotes[string(f.text[start:end])]
	if !ok || f.overlaps(start, end) {
		return false
	}
	f.found = append(f.found, domain.Span{Start: start, End: end, Emote: e})
	f.claimed = append(f.claimed, [2]int{start, end})
	return true
}

func (f *finder) scan() {
	n := len(f.text)
	i := 0
	for i < n {
		if unicode.IsSpace(f.text[i]) {
			i++
			continue
		}
		runStart := i
		for i < n && !unicode.IsSpace(f.text[i]) {
			i++
		}
		token := string(f.text[runStart:i])
		if strings.Contains(token, "http://") || strings.Contains(token, "https://") {
			continue
		}
		f.matchRun(f.segments(runStart, i))
	}
}

func (f *finder) segments(start, end int) []segment {
	var segs []segment
	segStart := start
	kind := isWordRune(f.text[start])
	for j := start + 1; j < end; j++ {
		if k := isWordRune(f.text[j]); k != kind {
			segs = append(segs, segment{segStart, j, kind})
			segStart, kind = j, k
		}
	}
	return append(segs, segment{segStart, end, kind})
}

func (f *finder) matchRun(segs []segment) {
	idx := 0
	for idx < len(segs) {
		if idx+2 < len(segs) && f.tryAdd(segs[idx].start, segs[idx+2].end) {
			idx += 3
			continue
		}
		if idx+1 < len(segs) && f.tryAdd(segs[idx].start, segs[idx+1].end) {
			idx += 2
			continue
		}

		seg := segs[idx]
		// Leading word of a contraction (don't, it’s) is never an emote.
		if seg.word && idx+2 < len(segs) && !segs[idx+1].word && segs[idx+2].word {
			if sep := string(f.text[segs[idx+1].start:segs[idx+1].end]); sep == "'" || sep == "’" {
				idx++
				continue
			}
		}

		if !f.tryAdd(seg.start, seg.end) && !seg.word {
			if s, e, ok := f.bestTrimmed(seg); ok {
				f.tryAdd(s, e)
			}
		}
		idx++
	}
}

// bestTrimmed strips bracket and quote runes from either end of a
// punctuation segment and returns the longest interior known emote.
func (f *finder) bestTrimmed(seg segment) (int, int, bool) {
	s := f.text[seg.start:seg.end]
	leftMax, rightMax := 0, 0
	for leftMax < len(s) && strings.ContainsRune(trimChars, s[leftMax]) {
		leftMax++
	}
	for rightMax < len(s)-leftMax && strings.ContainsRune(trimChars, s[len(s)-1-rightMax]) {
		rightMax++
	}

	bestStart, bestEnd, bestLen := 0, 0, 0
	for l := 0; l <= leftMax; l++ {
		for r := 0; r <= rightMax; r++ {
			if (l == 0 && r == 0) || l+r >= len(s) {
				continue
			}
			cand := s[l : len(s)-r]
			if _, ok := f.emotes[string(cand)]; ok && len(cand) > bestLen {
				bestLen = len(cand)
				bestStart, bestEnd = seg.start+l, seg.start+len(s)-r
			}
		}
	}
	return bestStart, bestEnd, bestLen > 0
}
