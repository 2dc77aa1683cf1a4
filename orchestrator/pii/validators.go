// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pii

import (
	"net"
	"strings"
	"unicode"
)

// validator inspects a candidate match and the text around it.
// It returns (isValid, confidence); invalid candidates are discarded outright.
type validator func(match, context string) (bool, float64)

// validators binds each category to its scoring function using the
// configured confidences.
type validators struct {
	conf Confidences
}

func (v validators) email(match, context string) (bool, float64) {
	at := strings.LastIndex(match, "@")
	if at <= 0 || at == len(match)-1 {
		return false, 0
	}
	domain := match[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return false, 0
	}
	return true, v.conf.Email
}

func (v validators) phone(match, context string) (bool, float64) {
	digits := digitsOnly(match)
	switch len(digits) {
	case 10:
		return true, v.conf.PhoneValid
	case 11:
		if digits[0] == '1' {
			return true, v.conf.PhoneValid
		}
	}
	return true, v.conf.PhoneInvalid
}

// nationalID scores a US social security number. An all-zero group is never
// issued, so such numbers are kept at low confidence.
func (v validators) nationalID(match, context string) (bool, float64) {
	digits := digitsOnly(match)
	if len(digits) != 9 {
		return false, 0
	}
	area, group, serial := digits[0:3], digits[3:5], digits[5:9]
	if area == "000" || group == "00" || serial == "0000" {
		return true, v.conf.NationalIDImplausible
	}
	if isRepeatedDigits(digits) {
		return true, v.conf.NationalIDImplausible
	}
	return true, v.conf.NationalIDPlausible
}

func (v validators) card(match, context string) (bool, float64) {
	digits := digitsOnly(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false, 0
	}
	if isRepeatedDigits(digits) || !luhnCheck(digits) {
		return true, v.conf.CardLuhnFail
	}
	return true, v.conf.CardLuhnPass
}

func (v validators) ipAddress(match, context string) (bool, float64) {
	ip := net.ParseIP(match)
	if ip == nil || ip.To4() == nil {
		return false, 0
	}
	lower := strings.ToLower(context)
	if strings.Contains(lower, "version") || strings.Contains(lower, " v"+match) {
		return true, 0.1
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true, v.conf.IPReserved
	}
	return true, v.conf.IPPublic
}

var dobKeywords = []string{"born", "birth", "dob", "birthday", "d.o.b"}

func (v validators) dateOfBirth(match, context string) (bool, float64) {
	if containsAny(strings.ToLower(context), dobKeywords) {
		return true, v.conf.DateOfBirthContext
	}
	return true, v.conf.DateOfBirthBare
}

var plateKeywords = []string{"plate", "license", "licence", "registration", "vehicle"}

func (v validators) vehiclePlate(match, context string) (bool, float64) {
	hasLetter, hasDigit := false, false
	for _, r := range match {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return false, 0
	}
	if containsAny(strings.ToLower(context), plateKeywords) {
		return true, v.conf.PlateContext
	}
	return true, v.conf.PlateBare
}

func (v validators) address(match, context string) (bool, float64) {
	return true, v.conf.Address
}

// luhnCheck performs the Luhn checksum over a digit string.
func luhnCheck(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isRepeatedDigits(s string) bool {
	if len(s) < 2 {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
