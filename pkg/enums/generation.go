package enums

import (
	"fmt"
	"strings"
)

// GenerationStatus maps to the generation_status enum in Postgres.
type GenerationStatus string

const (
	GenerationStatusProcessing GenerationStatus = "processing"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
)

var validGenerationStatuses = []GenerationStatus{
	GenerationStatusProcessing,
	GenerationStatusCompleted,
	GenerationStatusFailed,
}

func (s GenerationStatus) String() string {
	return string(s)
}

func (s GenerationStatus) IsValid() bool {
	for _, candidate := range validGenerationStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s GenerationStatus) IsTerminal() bool {
	return s == GenerationStatusCompleted || s == GenerationStatusFailed
}

// ParseGenerationStatus converts raw input into GenerationStatus.
func ParseGenerationStatus(value string) (GenerationStatus, error) {
	for _, candidate := range validGenerationStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid generation status %q", value)
}

// GenerationTier selects between the vendor model variants.
type GenerationTier string

const (
	GenerationTierStandard GenerationTier = "standard"
	GenerationTierPro      GenerationTier = "pro"
)

var validGenerationTiers = []GenerationTier{
	GenerationTierStandard,
	GenerationTierPro,
}

func (t GenerationTier) String() string {
	return string(t)
}

func (t GenerationTier) IsValid() bool {
	for _, candidate := range validGenerationTiers {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseGenerationTier converts raw input into GenerationTier. Empty input
// selects the standard tier.
func ParseGenerationTier(value string) (GenerationTier, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return GenerationTierStandard, nil
	}
	for _, candidate := range validGenerationTiers {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid generation tier %q", value)
}
