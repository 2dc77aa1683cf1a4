// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pii

import (
	"regexp"
	"strings"
)

// Name detection is dictionary based: a known given name immediately followed
// by a known family name. It trades recall for a low false-positive rate on
// ordinary classroom text.
var knownFirstNames = toSet(
	"james", "john", "robert", "michael", "william", "david", "richard", "joseph",
	"thomas", "charles", "daniel", "matthew", "anthony", "mark", "steven", "andrew",
	"mary", "patricia", "jennifer", "linda", "elizabeth", "barbara", "susan", "jessica",
	"sarah", "karen", "emma", "olivia", "ava", "sophia", "isabella", "mia", "liam",
	"noah", "ethan", "lucas", "mason", "logan", "aiden", "emily", "madison", "chloe",
	"maria", "jose", "carlos", "luis", "ana", "wei", "priya", "aisha", "omar",
)

var knownLastNames = toSet(
	"smith", "johnson", "williams", "brown", "jones", "garcia", "miller", "davis",
	"rodriguez", "martinez", "hernandez", "lopez", "gonzalez", "wilson", "anderson",
	"thomas", "taylor", "moore", "jackson", "martin", "lee", "perez", "thompson",
	"white", "harris", "sanchez", "clark", "ramirez", "lewis", "robinson", "walker",
	"young", "allen", "king", "wright", "scott", "torres", "nguyen", "hill", "flores",
	"green", "adams", "nelson", "baker", "hall", "rivera", "campbell", "mitchell",
	"carter", "roberts", "patel", "kim", "chen", "wang", "khan",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

var wordPattern = regexp.MustCompile(`[A-Za-z]+`)

// findNames returns [start, end) spans of first+last name pairs. Both tokens
// must be capitalized and separated only by spaces.
func findNames(text string) [][2]int {
	words := wordPattern.FindAllStringIndex(text, -1)
	var spans [][2]int
	for i := 0; i+1 < len(words); i++ {
		first, last := words[i], words[i+1]
		if !isCapitalized(text[first[0]:first[1]]) || !isCapitalized(text[last[0]:last[1]]) {
			continue
		}
		if strings.TrimLeft(text[first[1]:last[0]], " ") != "" || first[1] == last[0] {
			continue
		}
		if !isWordBoundary(text, first[0]-1) || !isWordBoundary(text, last[1]) {
			continue
		}
		if _, ok := knownFirstNames[strings.ToLower(text[first[0]:first[1]])]; !ok {
			continue
		}
		if _, ok := knownLastNames[strings.ToLower(text[last[0]:last[1]])]; !ok {
			continue
		}
		spans = append(spans, [2]int{first[0], last[1]})
		i++
	}
	return spans
}

func isCapitalized(word string) bool {
	if word == "" || word[0] < 'A' || word[0] > 'Z' {
		return false
	}
	for i := 1; i < len(word); i++ {
		if word[i] < 'a' || word[i] > 'z' {
			return false
		}
	}
	return true
}

// isWordBoundary reports whether position i of text is outside a word,
// treating digits and underscores as word characters.
func isWordBoundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	return !(c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'))
}

// addressPattern matches a house number followed by up to four words and a
// street suffix, e.g. "1234 Maple Grove Avenue".
var addressPattern = regexp.MustCompile(
	`\b\d{1,6}\s+(?:[A-Z][A-Za-z]*\.?\s+){1,4}` +
		`(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|` +
		`Way|Place|Pl|Terrace|Circle|Cir|Parkway|Pkwy|Highway|Hwy)\b\.?`)
