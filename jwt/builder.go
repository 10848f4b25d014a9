package jwt

import (
	"math"
	"time"
)

// MaxTime is the largest time claim in seconds, 9999-12-31T23:59:59Z
const MaxTime = int64(253402300799)

// DefaultExpiry is the expiry offset applied when `exp` is not provided
const DefaultExpiry = 15 * time.Minute

// TimeClaims specifies the inputs of time claims computation
type TimeClaims struct {
	// Timestamp is the base time in milliseconds since epoch
	Timestamp int64
	// DefaultExpiry is the expiry offset in milliseconds when `exp` is not provided
	DefaultExpiry float64
	// Parser converts duration strings, ParseDuration if nil
	Parser DurationParser
}

// Build returns a copy of claims with `iat`, `nbf` and `exp` set to
// seconds since epoch. Values of these claims in the input are offsets
// relative to Timestamp.
func (tc TimeClaims) Build(claims Claims) (Claims, error) {
	parse := tc.Parser
	if parse == nil {
		parse = ParseDuration
	}

	out := claims.Clone()
	defaults := []struct {
		name string
		def  float64
	}{
		{ClaimIssuedAt, 0},
		{ClaimNotBefore, 0},
		{ClaimExpiry, tc.DefaultExpiry},
	}

	var issues []Issue
	for _, d := range defaults {
		offset := d.def
		if v, ok := claims[d.name]; ok && v != nil {
			ms, err := offsetOf(v, parse)
			if err != nil {
				issues = append(issues, Issue{Path: d.name, Message: "invalid offset: " + err.Error()})
				continue
			}
			offset = ms
		}
		sec := math.Floor((float64(tc.Timestamp) + offset) / 1000)
		if sec > float64(MaxTime) || sec < -float64(MaxTime) {
			issues = append(issues, Issue{Path: d.name, Message: "time is out of range"})
			continue
		}
		out[d.name] = int64(sec)
	}
	if len(issues) > 0 {
		return nil, ClaimViolation("invalid time claims", issues...)
	}
	return out, nil
}

// floorSeconds converts milliseconds to seconds, rounding toward negative infinity
func floorSeconds(ms float64) int64 {
	return int64(math.Floor(ms / 1000))
}
