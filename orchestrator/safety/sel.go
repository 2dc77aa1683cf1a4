// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import "regexp"

// selDetector matches one social-emotional topic.
type selDetector struct {
	category SELCategory
	re       *regexp.Regexp
}

// selDetectors is the fixed detector set, checked in this order.
var selDetectors = []selDetector{
	{
		category: SELMentalHealth,
		re: regexp.MustCompile(`(?i)\b(?:depressed|depression|anxiety|anxious|panic attacks?|hopeless|worthless|` +
			`can'?t stop crying|nobody cares about me|want to disappear|no reason to live|hate myself)\b`),
	},
	{
		category: SELFamilyDynamics,
		re: regexp.MustCompile(`(?i)\b(?:divorce|divorced|parents (?:are )?(?:fighting|yelling|splitting up)|` +
			`(?:mom|dad|mother|father) (?:left|moved out)|foster (?:care|home)|custody)\b`),
	},
	{
		category: SELPeerPressure,
		re: regexp.MustCompile(`(?i)\b(?:bully|bullies|bullying|bullied|left out|peer pressure|` +
			`(?:they|kids|everyone) (?:make|made) fun of me|no friends|nobody wants to sit with me|pressured me)\b`),
	},
	{
		category: SELIdentityIssues,
		re: regexp.MustCompile(`(?i)\b(?:don'?t know who i am|questioning my (?:identity|gender|sexuality)|` +
			`coming out|don'?t fit in|not normal|ashamed of who i am)\b`),
	},
	{
		category: SELTrauma,
		re: regexp.MustCompile(`(?i)\b(?:abuse|abused|abusing|assaulted|molested|hits me|hurts me at home|` +
			`touched me|unsafe at home|nightmares about)\b`),
	},
}

// detectSEL returns matched categories in detector order with their hit counts.
func detectSEL(text string) ([]SELCategory, map[SELCategory]int) {
	var found []SELCategory
	hits := make(map[SELCategory]int)
	for _, d := range selDetectors {
		n := len(d.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		found = append(found, d.category)
		hits[d.category] = n
	}
	return found, hits
}
