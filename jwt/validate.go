package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/effective-security/x/slices"
)

// ClockContext provides the time reference for verification
type ClockContext struct {
	// ReferenceTime in milliseconds since epoch
	ReferenceTime int64
	// Skew is the tolerance applied symmetrically to `exp` and `nbf`
	Skew time.Duration
}

// reference returns reference time and skew in whole seconds
func (c ClockContext) reference() (int64, int64) {
	skew := floorSeconds(float64(c.Skew) / float64(time.Millisecond))
	if skew < 0 {
		skew = 0
	}
	return floorSeconds(float64(c.ReferenceTime)), skew
}

// RequiredClaims specifies literal values the identity claims must have.
// Empty values are not checked.
type RequiredClaims struct {
	Issuer   string `json:"iss,omitempty" yaml:"iss,omitempty"`
	Subject  string `json:"sub,omitempty" yaml:"sub,omitempty"`
	Audience string `json:"aud,omitempty" yaml:"aud,omitempty"`
	JWTID    string `json:"jti,omitempty" yaml:"jti,omitempty"`
}

// Predicate is a caller provided check, called after all other checks passed
type Predicate func(ctx context.Context, header Header, claims Claims) (bool, error)

// ClaimValidator checks claims of a token
type ClaimValidator struct {
	Required RequiredClaims
	Shape    ShapeValidator
}

// Validate checks time claims, identity literals and shape,
// and returns ClaimError with all issues found
func (v ClaimValidator) Validate(claims Claims, clock ClockContext) error {
	issues := checkTimeClaims(claims, clock)
	issues = append(issues, v.checkContent(claims)...)
	if len(issues) > 0 {
		return ClaimViolation("invalid claims", issues...)
	}
	return nil
}

// ValidateContent checks identity literals and shape only
func (v ClaimValidator) ValidateContent(claims Claims) error {
	if issues := v.checkContent(claims); len(issues) > 0 {
		return ClaimViolation("invalid claims", issues...)
	}
	return nil
}

func (v ClaimValidator) checkContent(claims Claims) []Issue {
	issues := v.Required.check(claims)
	if v.Shape != nil {
		issues = append(issues, v.Shape.ValidateShape(claims)...)
	}
	return issues
}

func checkTimeClaims(claims Claims, clock ClockContext) []Issue {
	var issues []Issue
	ref, skew := clock.reference()

	if _, ok := claims[ClaimIssuedAt]; !ok {
		issues = append(issues, Issue{Path: ClaimIssuedAt, Message: "claim is required"})
	} else if _, ok := claims.Number(ClaimIssuedAt); !ok {
		issues = append(issues, Issue{Path: ClaimIssuedAt, Message: "must be a number"})
	}

	if _, ok := claims[ClaimExpiry]; !ok {
		issues = append(issues, Issue{Path: ClaimExpiry, Message: "claim is required"})
	} else if exp, ok := claims.Number(ClaimExpiry); !ok {
		issues = append(issues, Issue{Path: ClaimExpiry, Message: "must be a number"})
	} else if exp < float64(ref-skew) {
		issues = append(issues, Issue{Path: ClaimExpiry, Message: "token is expired"})
	}

	if _, ok := claims[ClaimNotBefore]; ok {
		if nbf, ok := claims.Number(ClaimNotBefore); !ok {
			issues = append(issues, Issue{Path: ClaimNotBefore, Message: "must be a number"})
		} else if nbf > float64(ref+skew) {
			issues = append(issues, Issue{Path: ClaimNotBefore, Message: "token is not valid yet"})
		}
	}
	return issues
}

func (r RequiredClaims) check(claims Claims) []Issue {
	var issues []Issue
	literal := func(name, expected string) {
		if expected == "" {
			return
		}
		if s, ok := claims[name].(string); !ok || s != expected {
			issues = append(issues, Issue{Path: name, Message: fmt.Sprintf("must be %q", expected)})
		}
	}
	literal(ClaimIssuer, r.Issuer)
	literal(ClaimSubject, r.Subject)
	literal(ClaimJWTID, r.JWTID)

	if r.Audience != "" {
		var ok bool
		switch claims[ClaimAudience].(type) {
		case string, []any, []string:
			ok = slices.ContainsString(claims.Audience(), r.Audience)
		}
		if !ok {
			issues = append(issues, Issue{Path: ClaimAudience, Message: fmt.Sprintf("must contain %q", r.Audience)})
		}
	}
	return issues
}

// IsEmpty returns true if no literals are required
func (r RequiredClaims) IsEmpty() bool {
	return r == RequiredClaims{}
}
