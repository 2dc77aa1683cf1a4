// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pii

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/shared/logger"
)

// detectionPattern is a compiled regex for one category plus its validator.
type detectionPattern struct {
	Category Category
	Pattern  *regexp.Regexp
	Validate validator
}

// Detector finds personal data in free text.
//
// Detection is pure with respect to its input and safe for concurrent use.
// A panic inside a pattern or validator is recovered and reported as zero
// matches so a detection bug never blocks a request.
type Detector struct {
	patterns      []*detectionPattern
	names         bool
	threshold     float64
	contextWindow int
	conf          Confidences
	log           *logger.Logger
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithLogger sets the logger used to report recovered detection failures.
func WithLogger(l *logger.Logger) DetectorOption {
	return func(d *Detector) {
		d.log = l
	}
}

// NewDetector builds a detector from cfg.
func NewDetector(cfg DetectorConfig, opts ...DetectorOption) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAcceptanceThreshold
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultDetectorConfig().ContextWindow
	}

	d := &Detector{
		threshold:     cfg.Threshold,
		contextWindow: cfg.ContextWindow,
		conf:          DefaultConfidences().merge(cfg.Confidences),
		log:           logger.New("pii-detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.loadPatterns(cfg.EnabledCategories)
	return d
}

func (d *Detector) loadPatterns(enabled []Category) {
	v := validators{conf: d.conf}

	all := []*detectionPattern{
		{
			Category: CategoryEmail,
			Pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Validate: v.email,
		},
		{
			Category: CategoryPhone,
			Pattern:  regexp.MustCompile(`(?:\+1[-.\s]?|\b1[-.\s])?(?:\(\d{3}\)\s?|\b\d{3}[-.\s]?)\d{3}[-.\s]?\d{4}\b`),
			Validate: v.phone,
		},
		{
			Category: CategoryNationalID,
			Pattern:  regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b|\b\d{9}\b`),
			Validate: v.nationalID,
		},
		{
			Category: CategoryCard,
			Pattern:  regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
			Validate: v.card,
		},
		{
			Category: CategoryIPAddress,
			Pattern:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Validate: v.ipAddress,
		},
		{
			Category: CategoryDateOfBirth,
			Pattern: regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12]\d|3[01])[/-](?:19|20)\d{2}\b|` +
				`\b(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`),
			Validate: v.dateOfBirth,
		},
		{
			Category: CategoryVehiclePlate,
			Pattern:  regexp.MustCompile(`\b(?:[A-Z]{3}[- ]?\d{3,4}|\d[A-Z]{3}\d{3})\b`),
			Validate: v.vehiclePlate,
		},
		{
			Category: CategoryAddress,
			Pattern:  addressPattern,
			Validate: v.address,
		},
	}

	allow := func(c Category) bool {
		if len(enabled) == 0 {
			return true
		}
		for _, e := range enabled {
			if e == c {
				return true
			}
		}
		return false
	}

	for _, p := range all {
		if allow(p.Category) {
			d.patterns = append(d.patterns, p)
		}
	}
	d.names = allow(CategoryName)
}

// Threshold returns the acceptance threshold in effect.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Detect scans text and returns every match at or above the acceptance
// threshold, ordered by start offset. Matches of different categories may
// overlap; see ResolveOverlaps.
func (d *Detector) Detect(text string) (matches []Match) {
	if text == "" {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("", "", "PII detection failed; continuing without matches", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
			matches = nil
		}
	}()

	for _, p := range d.patterns {
		for _, loc := range p.Pattern.FindAllStringIndex(text, -1) {
			d.accept(&matches, text, p.Category, loc[0], loc[1], p.Validate)
		}
	}

	if d.names {
		for _, span := range findNames(text) {
			d.accept(&matches, text, CategoryName, span[0], span[1], func(string, string) (bool, float64) {
				return true, d.conf.Name
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].End > matches[j].End
	})
	return matches
}

// Contains reports whether text holds at least one accepted match.
func (d *Detector) Contains(text string) bool {
	return len(d.Detect(text)) > 0
}

func (d *Detector) accept(out *[]Match, text string, category Category, start, end int, validate validator) {
	original := text[start:end]
	valid, confidence := validate(original, d.extractContext(text, start, end))
	if !valid || confidence < d.threshold {
		return
	}
	*out = append(*out, Match{
		Category:    category,
		Start:       start,
		End:         end,
		Original:    original,
		Confidence:  confidence,
		Replacement: Replacement(ModeMask, category, original),
	})
}

func (d *Detector) extractContext(text string, start, end int) string {
	from := start - d.contextWindow
	if from < 0 {
		from = 0
	}
	to := end + d.contextWindow
	if to > len(text) {
		to = len(text)
	}
	return text[from:to]
}
