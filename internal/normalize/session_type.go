package normalize

import (
	"regexp"
	"strings"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

var qualifierWord = regexp.MustCompile(`(?i)\b(q1|q2|q3|qualifying|qualify)\b`)

// SessionType infers a session's type from its label and source URL, in
// priority order: practice, then qualifying, then main, then heat,
// defaulting to race.
func SessionType(label, url string) liverc.SessionType {
	lowerLabel := strings.ToLower(label)
	lowerURL := strings.ToLower(url)

	if strings.Contains(lowerLabel, "practice") || strings.Contains(lowerURL, "practice") {
		return liverc.SessionPractice
	}

	if qualifierWord.MatchString(lowerLabel) {
		return liverc.SessionQualifying
	}

	if strings.Contains(lowerLabel, "main") {
		return liverc.SessionMain
	}

	if strings.Contains(lowerLabel, "heat") {
		return liverc.SessionHeat
	}

	return liverc.SessionRace
}

var nitroWord = regexp.MustCompile(`(?i)\bnitro\b`)

// InferVehicleType reports whether a class implies a nitro-powered
// vehicle, feeding the derivation engine's nitro-only rules.
// Both a declared vehicle-type string and the class name itself are
// checked.
func InferVehicleType(className, declaredType string) bool {
	if strings.Contains(strings.ToLower(declaredType), "nitro") {
		return true
	}

	return nitroWord.MatchString(className)
}
