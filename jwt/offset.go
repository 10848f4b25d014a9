package jwt

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DurationParser converts human readable duration to milliseconds
type DurationParser func(s string) (float64, error)

// Offset is a relative time offset, in milliseconds or as a duration string
type Offset struct {
	ms  float64
	str string
}

// Millis returns Offset in milliseconds
func Millis(ms float64) Offset {
	return Offset{ms: ms}
}

// After returns Offset from time.Duration
func After(d time.Duration) Offset {
	return Offset{ms: float64(d) / float64(time.Millisecond)}
}

// ParseOffset returns Offset from a duration string,
// the string is parsed by the engine's DurationParser
func ParseOffset(s string) Offset {
	return Offset{str: s}
}

// Milliseconds returns the offset in milliseconds
func (o Offset) Milliseconds(parse DurationParser) (float64, error) {
	if o.str == "" {
		return o.ms, nil
	}
	if parse == nil {
		parse = ParseDuration
	}
	return parse(o.str)
}

// String returns string representation
func (o Offset) String() string {
	if o.str != "" {
		return o.str
	}
	return strconv.FormatFloat(o.ms, 'f', -1, 64) + "ms"
}

// offsetOf converts a claim value to milliseconds
func offsetOf(v any, parse DurationParser) (float64, error) {
	var ms float64
	switch tv := v.(type) {
	case Offset:
		o, err := tv.Milliseconds(parse)
		if err != nil {
			return 0, err
		}
		ms = o
	case *Offset:
		if tv == nil {
			return 0, errors.New("nil offset")
		}
		return offsetOf(*tv, parse)
	case time.Duration:
		ms = float64(tv) / float64(time.Millisecond)
	case string:
		o, err := parse(tv)
		if err != nil {
			return 0, err
		}
		ms = o
	case int:
		ms = float64(tv)
	case int32:
		ms = float64(tv)
	case int64:
		ms = float64(tv)
	case uint32:
		ms = float64(tv)
	case uint64:
		ms = float64(tv)
	case float32:
		ms = float64(tv)
	case float64:
		ms = tv
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return 0, errors.WithStack(err)
		}
		ms = f
	default:
		return 0, errors.Errorf("unsupported offset type: %T", v)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, errors.Errorf("offset is not a finite number")
	}
	return ms, nil
}

const (
	msSecond = 1000.0
	msMinute = msSecond * 60
	msHour   = msMinute * 60
	msDay    = msHour * 24
	msWeek   = msDay * 7
	msYear   = msDay * 365.25
)

var durationRegex = regexp.MustCompile(`(?i)^(-?(?:\d+)?\.?\d+) *(milliseconds?|msecs?|ms|seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h|days?|d|weeks?|w|years?|yrs?|y)?$`)

// ParseDuration is the default DurationParser.
// It accepts values like "15 minutes", "2h", "1.5 days", "-10s",
// bare numbers as milliseconds, and Go durations like "1h30m".
func ParseDuration(s string) (float64, error) {
	str := strings.TrimSpace(s)
	if str == "" || len(str) > 100 {
		return 0, errors.Errorf("invalid duration: %q", s)
	}

	match := durationRegex.FindStringSubmatch(str)
	if match == nil {
		d, err := time.ParseDuration(str)
		if err != nil {
			return 0, errors.Errorf("invalid duration: %q", s)
		}
		return float64(d) / float64(time.Millisecond), nil
	}

	n, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, errors.Errorf("invalid duration: %q", s)
	}

	switch strings.ToLower(match[2]) {
	case "years", "year", "yrs", "yr", "y":
		return n * msYear, nil
	case "weeks", "week", "w":
		return n * msWeek, nil
	case "days", "day", "d":
		return n * msDay, nil
	case "hours", "hour", "hrs", "hr", "h":
		return n * msHour, nil
	case "minutes", "minute", "mins", "min", "m":
		return n * msMinute, nil
	case "seconds", "second", "secs", "sec", "s":
		return n * msSecond, nil
	default:
		// milliseconds or no unit
		return n, nil
	}
}
