// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package pii detects and scrubs personal data in request payloads before
// they leave the gateway.
//
// Detection combines per-category regular expressions with validators that
// score each candidate (Luhn for cards, number-plan checks for phones and
// national IDs, keyword context for dates of birth and plates) and two
// dictionary heuristics for names and street addresses. Matches below the
// acceptance threshold are dropped.
//
// Scrubbing resolves overlapping matches by confidence and replaces each
// retained span deterministically, so scrubbed output is stable across calls
// and a second scrub finds nothing new.
package pii
