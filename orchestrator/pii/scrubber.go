// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Replacement returns the deterministic replacement text for original under
// mode. The same (mode, category, original) always yields the same output.
//
// Mask placeholders carry a six-letter suffix (digest nibbles mapped onto
// a-p) so they contain no digits at all; hash tokens carry twelve hex digits
// after an underscore. Neither can match a numeric pattern on a second pass.
func Replacement(mode Mode, category Category, original string) string {
	sum := sha256.Sum256([]byte(string(category) + ":" + original))

	switch mode {
	case ModeRemove:
		return ""
	case ModeHash:
		return fmt.Sprintf("[HASH_%s]", hex.EncodeToString(sum[:6]))
	default:
		suffix := make([]byte, 6)
		for i := range suffix {
			nibble := sum[i/2] >> 4
			if i%2 == 1 {
				nibble = sum[i/2] & 0x0f
			}
			suffix[i] = 'a' + nibble
		}
		return fmt.Sprintf("[%s_%s]", category.placeholderLabel(), suffix)
	}
}

// ResolveOverlaps returns a non-overlapping subset of matches ordered by start
// offset. When two matches overlap the higher-confidence one is kept; on a tie
// the earlier (and then longer) match wins.
func ResolveOverlaps(matches []Match) []Match {
	if len(matches) == 0 {
		return nil
	}

	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	kept := make([]Match, 0, len(sorted))
	for _, m := range sorted {
		if len(kept) == 0 {
			kept = append(kept, m)
			continue
		}
		last := &kept[len(kept)-1]
		if !last.Overlaps(m) {
			kept = append(kept, m)
			continue
		}
		if m.Confidence > last.Confidence {
			*last = m
		}
	}
	return kept
}

// Scrubber rewrites text so accepted matches are masked, hashed, or removed.
type Scrubber struct {
	detector *Detector
	mode     Mode
}

// NewScrubber returns a scrubber using detector and mode. An unknown mode
// falls back to ModeMask.
func NewScrubber(detector *Detector, mode Mode) *Scrubber {
	if !IsValidMode(mode) {
		mode = ModeMask
	}
	return &Scrubber{detector: detector, mode: mode}
}

// Mode returns the scrub mode in effect.
func (s *Scrubber) Mode() Mode {
	return s.mode
}

// Scrub returns text with every retained match replaced, along with those
// matches in ascending offset order. Offsets refer to the input text.
func (s *Scrubber) Scrub(text string) (string, []Match) {
	matches := ResolveOverlaps(s.detector.Detect(text))
	if len(matches) == 0 {
		return text, nil
	}

	for i := range matches {
		matches[i].Replacement = Replacement(s.mode, matches[i].Category, matches[i].Original)
	}

	// Replace back to front so earlier offsets stay valid.
	out := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		out = out[:m.Start] + m.Replacement + out[m.End:]
	}
	return out, matches
}

// ScrubRequest scrubs every string inside a JSON-like payload. Maps and slices
// are copied, never mutated. Map keys are visited in sorted order so the
// returned matches are deterministic.
func (s *Scrubber) ScrubRequest(payload map[string]any) (map[string]any, []Match) {
	if payload == nil {
		return nil, nil
	}
	var all []Match
	out := s.scrubValue(payload, &all)
	return out.(map[string]any), all
}

func (s *Scrubber) scrubValue(v any, all *[]Match) any {
	switch val := v.(type) {
	case string:
		scrubbed, matches := s.Scrub(val)
		*all = append(*all, matches...)
		return scrubbed
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			scrubbed, matches := s.Scrub(item)
			*all = append(*all, matches...)
			out[i] = scrubbed
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.scrubValue(item, all)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = s.scrubValue(val[k], all)
		}
		return out
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]string, len(val))
		for _, k := range keys {
			scrubbed, matches := s.Scrub(val[k])
			*all = append(*all, matches...)
			out[k] = scrubbed
		}
		return out
	default:
		return v
	}
}

// CountByCategory tallies matches per category.
func CountByCategory(matches []Match) map[Category]int {
	counts := make(map[Category]int)
	for _, m := range matches {
		counts[m.Category]++
	}
	return counts
}

// Summary renders category counts as "card=1,email=2" in sorted order, for logs.
func Summary(matches []Match) string {
	counts := CountByCategory(matches)
	parts := make([]string, 0, len(counts))
	for c, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", c, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
