package matching

import (
	"strings"

	"k8s.io/utils/set"

	"github.com/strangerrelay/relaycore/internal/profile"
)

// Weights for the weighted compatibility sum; they sum to 1.0.
const (
	weightGender    = 0.30
	weightAge       = 0.20
	weightLocation  = 0.15
	weightInterests = 0.25
	weightTrust     = 0.10
)

// Candidate is the subset of a queued user's state the scorer needs.
type Candidate struct {
	Profile     profile.Profile
	Preferences profile.Preferences
	TrustScore  float64
}

// CompatibilityScore computes the weighted compatibility of two
// candidates in [0, 1]. It is symmetric: Score(a, b) == Score(b, a).
func CompatibilityScore(a, b Candidate) float64 {
	return weightGender*genderScore(a, b) +
		weightAge*ageScore(a, b) +
		weightLocation*locationScore(a.Profile.Location, b.Profile.Location) +
		weightInterests*interestScore(a.Profile.Keywords, b.Profile.Keywords) +
		weightTrust*trustScore(a.TrustScore, b.TrustScore)
}

// genderScore: 1.0 if both preferences are "any"; otherwise 0.5 per side
// whose preference is satisfied by the other's actual gender, so
// both-sided satisfaction is 1.0, one-sided 0.5, neither 0.
func genderScore(a, b Candidate) float64 {
	if a.Preferences.Gender == profile.GenderAny && b.Preferences.Gender == profile.GenderAny {
		return 1.0
	}
	score := 0.0
	if a.Preferences.Gender == profile.GenderAny || a.Preferences.Gender == b.Profile.Gender {
		score += 0.5
	}
	if b.Preferences.Gender == profile.GenderAny || b.Preferences.Gender == a.Profile.Gender {
		score += 0.5
	}
	return score
}

// ageScore: 1.0 if both profiles' age buckets are equal; else 0.5 per
// side whose preference is any/unset or matches the other's bucket.
// Either side's age being unknown (not-specified) yields a flat 0.5.
func ageScore(a, b Candidate) float64 {
	if a.Profile.Age == profile.AgeNotSpecified || b.Profile.Age == profile.AgeNotSpecified {
		return 0.5
	}
	if a.Profile.Age == b.Profile.Age {
		return 1.0
	}
	score := 0.0
	if a.Preferences.Age == profile.AgeAny || a.Preferences.Age == profile.AgeNotSpecified || a.Preferences.Age == b.Profile.Age {
		score += 0.5
	}
	if b.Preferences.Age == profile.AgeAny || b.Preferences.Age == profile.AgeNotSpecified || b.Preferences.Age == a.Profile.Age {
		score += 0.5
	}
	return score
}

// locationScore: case-insensitive exact match = 1.0, same "country"
// (text before the first comma) = 0.8, any substring overlap = 0.6,
// otherwise 0.3; missing on either side = 0.5 neutral.
func locationScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0.5
	}
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	if country(a) == country(b) {
		return 0.8
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.6
	}
	return 0.3
}

func country(location string) string {
	if i := strings.Index(location, ","); i >= 0 {
		return strings.TrimSpace(location[:i])
	}
	return location
}

// interestScore: Jaccard similarity of lowercased keyword sets plus a
// bonus of min(0.3, 0.1 x intersection size), clamped to 1.0. Both sets
// empty yields 0.5; exactly one empty yields 0.4.
func interestScore(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.5
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.4
	}

	setA := set.New[string](lowerAll(a)...)
	setB := set.New[string](lowerAll(b)...)
	union := setA.Union(setB)
	if union.Len() == 0 {
		return 0.5
	}
	intersection := setA.Intersection(setB)
	jaccard := float64(intersection.Len()) / float64(union.Len())

	bonus := 0.1 * float64(intersection.Len())
	if bonus > 0.3 {
		bonus = 0.3
	}

	score := jaccard + bonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// trustScore: mean trust scaled down by half the absolute trust gap,
// so two equally-trusted high-trust users score highest.
func trustScore(a, b float64) float64 {
	mean := (a + b) / 2
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	score := mean * (1 - 0.5*delta)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
