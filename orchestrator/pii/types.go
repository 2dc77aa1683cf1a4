// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pii

import "strings"

// Category identifies the kind of personal data a match represents.
type Category string

const (
	CategoryEmail        Category = "email"
	CategoryPhone        Category = "phone"
	CategoryNationalID   Category = "national_id"
	CategoryCard         Category = "card"
	CategoryIPAddress    Category = "ip_address"
	CategoryDateOfBirth  Category = "date_of_birth"
	CategoryVehiclePlate Category = "vehicle_plate"
	CategoryName         Category = "name"
	CategoryAddress      Category = "address"
)

// AllCategories returns every category the detector knows about, in scan order.
func AllCategories() []Category {
	return []Category{
		CategoryEmail,
		CategoryPhone,
		CategoryNationalID,
		CategoryCard,
		CategoryIPAddress,
		CategoryDateOfBirth,
		CategoryVehiclePlate,
		CategoryName,
		CategoryAddress,
	}
}

// IsValidCategory reports whether c is a known category.
func IsValidCategory(c Category) bool {
	for _, known := range AllCategories() {
		if known == c {
			return true
		}
	}
	return false
}

// placeholderLabel is the upper-case tag used inside mask tokens, e.g. CARD.
func (c Category) placeholderLabel() string {
	switch c {
	case CategoryNationalID:
		return "NATIONAL_ID"
	case CategoryIPAddress:
		return "IP"
	case CategoryDateOfBirth:
		return "DOB"
	case CategoryVehiclePlate:
		return "PLATE"
	default:
		return strings.ToUpper(string(c))
	}
}

// Match is a single detected span. Offsets are byte offsets into the scanned
// text, End exclusive.
type Match struct {
	Category    Category `json:"category"`
	Start       int      `json:"start"`
	End         int      `json:"end"`
	Original    string   `json:"-"`
	Confidence  float64  `json:"confidence"`
	Replacement string   `json:"replacement"`
}

// Overlaps reports whether the byte ranges of m and other intersect.
func (m Match) Overlaps(other Match) bool {
	return m.Start < other.End && other.Start < m.End
}

// Mode selects how the scrubber rewrites matched spans.
type Mode string

const (
	// ModeMask replaces a span with a category placeholder such as [CARD_1a2b3c].
	ModeMask Mode = "mask"

	// ModeHash replaces a span with a short content hash such as [HASH_1a2b3c4d5e6f].
	ModeHash Mode = "hash"

	// ModeRemove deletes the span.
	ModeRemove Mode = "remove"
)

// IsValidMode reports whether m is a supported scrub mode.
func IsValidMode(m Mode) bool {
	switch m {
	case ModeMask, ModeHash, ModeRemove:
		return true
	}
	return false
}

// Confidences holds the heuristic scores assigned by the validators. They are
// defaults, not policy: DetectorConfig lets operators override any of them.
type Confidences struct {
	CardLuhnPass          float64 `yaml:"card_luhn_pass" json:"card_luhn_pass"`
	CardLuhnFail          float64 `yaml:"card_luhn_fail" json:"card_luhn_fail"`
	NationalIDPlausible   float64 `yaml:"national_id_plausible" json:"national_id_plausible"`
	NationalIDImplausible float64 `yaml:"national_id_implausible" json:"national_id_implausible"`
	PhoneValid            float64 `yaml:"phone_valid" json:"phone_valid"`
	PhoneInvalid          float64 `yaml:"phone_invalid" json:"phone_invalid"`
	Email                 float64 `yaml:"email" json:"email"`
	IPPublic              float64 `yaml:"ip_public" json:"ip_public"`
	IPReserved            float64 `yaml:"ip_reserved" json:"ip_reserved"`
	DateOfBirthContext    float64 `yaml:"dob_context" json:"dob_context"`
	DateOfBirthBare       float64 `yaml:"dob_bare" json:"dob_bare"`
	PlateContext          float64 `yaml:"plate_context" json:"plate_context"`
	PlateBare             float64 `yaml:"plate_bare" json:"plate_bare"`
	Name                  float64 `yaml:"name" json:"name"`
	Address               float64 `yaml:"address" json:"address"`
}

// DefaultConfidences returns the built-in heuristic scores.
func DefaultConfidences() Confidences {
	return Confidences{
		CardLuhnPass:          0.95,
		CardLuhnFail:          0.3,
		NationalIDPlausible:   0.9,
		NationalIDImplausible: 0.4,
		PhoneValid:            0.85,
		PhoneInvalid:          0.5,
		Email:                 0.9,
		IPPublic:              0.8,
		IPReserved:            0.5,
		DateOfBirthContext:    0.9,
		DateOfBirthBare:       0.5,
		PlateContext:          0.85,
		PlateBare:             0.5,
		Name:                  0.75,
		Address:               0.7,
	}
}

// merge returns c with every non-zero field of override applied.
func (c Confidences) merge(override Confidences) Confidences {
	pick := func(base, o float64) float64 {
		if o > 0 {
			return o
		}
		return base
	}
	return Confidences{
		CardLuhnPass:          pick(c.CardLuhnPass, override.CardLuhnPass),
		CardLuhnFail:          pick(c.CardLuhnFail, override.CardLuhnFail),
		NationalIDPlausible:   pick(c.NationalIDPlausible, override.NationalIDPlausible),
		NationalIDImplausible: pick(c.NationalIDImplausible, override.NationalIDImplausible),
		PhoneValid:            pick(c.PhoneValid, override.PhoneValid),
		PhoneInvalid:          pick(c.PhoneInvalid, override.PhoneInvalid),
		Email:                 pick(c.Email, override.Email),
		IPPublic:              pick(c.IPPublic, override.IPPublic),
		IPReserved:            pick(c.IPReserved, override.IPReserved),
		DateOfBirthContext:    pick(c.DateOfBirthContext, override.DateOfBirthContext),
		DateOfBirthBare:       pick(c.DateOfBirthBare, override.DateOfBirthBare),
		PlateContext:          pick(c.PlateContext, override.PlateContext),
		PlateBare:             pick(c.PlateBare, override.PlateBare),
		Name:                  pick(c.Name, override.Name),
		Address:               pick(c.Address, override.Address),
	}
}

// DefaultAcceptanceThreshold is the minimum confidence a match needs to be kept.
const DefaultAcceptanceThreshold = 0.7

// DetectorConfig configures the Detector.
type DetectorConfig struct {
	// Threshold is the minimum confidence for a match to be reported.
	// Zero means DefaultAcceptanceThreshold.
	Threshold float64

	// EnabledCategories restricts scanning. Empty means all categories.
	EnabledCategories []Category

	// ContextWindow is the number of bytes on each side of a match that the
	// validators may inspect for supporting keywords.
	ContextWindow int

	// Confidences overrides individual heuristic scores. Zero fields keep defaults.
	Confidences Confidences
}

// DefaultDetectorConfig returns the default detector configuration.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Threshold:     DefaultAcceptanceThreshold,
		ContextWindow: 40,
	}
}
