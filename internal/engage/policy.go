// Package engage implements the policy and engagement engine: turning a
// classification into an engagement level, and running the fake
// interactive shell when that level is HIGH.
package engage

import "strings"

// Engagement levels.
const (
	LevelLow    = "LOW"
	LevelMedium = "MEDIUM"
	LevelHigh   = "HIGH"
)

// DecideEngagement maps (label, confidence) to an engagement level. It
// escalates aggressively on exploit/malware signatures and on confident
// bruteforce, and stays LOW for early, low-confidence recon.
//
// The exact thresholds are implementer discretion (the source this was
// distilled from tunes them by inspection, undocumented); what must hold
// is monotonicity — higher confidence for the same label never reduces
// engagement — which these thresholds satisfy by construction.
func DecideEngagement(label string, confidence float64) string {
	switch label {
	case "exploit", "malware":
		if confidence >= 0.7 {
			return LevelHigh
		}
	case "bruteforce":
		if confidence >= 0.85 {
			return LevelHigh
		}
	}
	if confidence >= 0.5 {
		return LevelMedium
	}
	return LevelLow
}

// ForcedHandoff reports whether line contains a download vector (`wget `
// or `curl `). When true, engagement escalates to HIGH unconditionally,
// independent of the classifier — a forced handoff.
func ForcedHandoff(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "wget ") || strings.Contains(lower, "curl ")
}
