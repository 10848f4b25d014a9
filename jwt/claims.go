package jwt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// Reserved claim names
const (
	ClaimIssuedAt  = "iat"
	ClaimNotBefore = "nbf"
	ClaimExpiry    = "exp"
	ClaimIssuer    = "iss"
	ClaimSubject   = "sub"
	ClaimAudience  = "aud"
	ClaimJWTID     = "jti"
)

// Claims provides generic claims on map
type Claims map[string]any

// Add new claims to the map
func (c Claims) Add(val ...any) error {
	for _, i := range val {
		if i == nil {
			continue
		}
		switch m := i.(type) {
		case map[string]any:
			c.merge(m)
		case Claims:
			c.merge(m)
		default:
			if reflect.Indirect(reflect.ValueOf(i)).Kind() == reflect.Struct {
				m, err := normalize(i)
				if err != nil {
					return errors.WithStack(err)
				}
				c.merge(m)
			} else {
				return errors.Errorf("unsupported claims interface: %T", i)
			}
		}
	}
	return nil
}

// Clone returns a shallow copy of the claims
func (c Claims) Clone() Claims {
	cp := make(Claims, len(c))
	cp.merge(c)
	return cp
}

// Marshal returns JSON encoded string
func (c Claims) Marshal() string {
	raw, _ := json.Marshal(c)
	return string(raw)
}

func (c Claims) merge(m map[string]any) {
	for k, v := range m {
		c[k] = v
	}
}

// normalize returns JSON object representation of i,
// with numbers decoded the same way as in a parsed token
func normalize(i any) (map[string]any, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return decodeObject(raw)
}

// decodeObject decodes JSON object,
// integral numbers as int64 and other numbers as float64
func decodeObject(raw []byte) (map[string]any, error) {
	m := make(map[string]any)

	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	if err := d.Decode(&m); err != nil {
		return nil, errors.WithStack(err)
	}
	if d.More() {
		return nil, errors.New("unexpected data after JSON object")
	}
	if m == nil {
		// `null` payload
		return nil, errors.New("not a JSON object")
	}
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m, nil
}

func normalizeValue(v any) any {
	switch tv := v.(type) {
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			return i
		}
		f, err := tv.Float64()
		if err != nil {
			return tv.String()
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case map[string]any:
		for k, e := range tv {
			tv[k] = normalizeValue(e)
		}
		return tv
	case []any:
		for i, e := range tv {
			tv[i] = normalizeValue(e)
		}
		return tv
	}
	return v
}

// String will return the named claim as a string,
// if the underlying type is not a string,
// it will try and co-oerce it to a string.
func (c Claims) String(k string) string {
	v := c[k]
	if v == nil {
		return ""
	}
	switch tv := v.(type) {
	case string:
		return tv
	default:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
		return fmt.Sprint(v)
	}
}

// Number returns the named claim as a number of seconds,
// and false if the claim is missing or not numeric
func (c Claims) Number(k string) (float64, bool) {
	switch tv := c[k].(type) {
	case int64:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case uint64:
		return float64(tv), true
	case uint32:
		return float64(tv), true
	case float64:
		return tv, !math.IsNaN(tv) && !math.IsInf(tv, 0)
	case float32:
		return float64(tv), true
	case json.Number:
		f, err := tv.Float64()
		return f, err == nil
	}
	return 0, false
}

// Time will return the named claim as Time
func (c Claims) Time(k string) *time.Time {
	v := c[k]
	if v == nil {
		return nil
	}
	switch tv := v.(type) {
	case time.Time:
		return &tv
	case *time.Time:
		return tv
	case string:
		if len(tv) > 20 {
			for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339Nano} {
				if t, err := time.Parse(layout, tv); err == nil {
					return &t
				}
			}
			return nil
		}
		unix, err := strconv.ParseInt(tv, 10, 64)
		if err != nil {
			return nil
		}
		t := time.Unix(unix, 0)
		return &t
	}
	if n, ok := c.Number(k); ok {
		sec, frac := math.Modf(n)
		t := time.Unix(int64(sec), int64(frac*1e9))
		return &t
	}
	return nil
}

// Audience returns `aud` claim as a list
func (c Claims) Audience() []string {
	switch tv := c[ClaimAudience].(type) {
	case string:
		return []string{tv}
	case []string:
		return tv
	case []any:
		var list []string
		for _, v := range tv {
			if s, ok := v.(string); ok {
				list = append(list, s)
			}
		}
		return list
	}
	return nil
}
