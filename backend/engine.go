package backend

import (
	"context"
	"time"

	"github.com/effective-security/xtoken/jwt"
)

// EngineOptions returns engine options specified by the configuration
func (c *Config) EngineOptions() ([]jwt.Option, error) {
	var opts []jwt.Option

	if c.DefaultExpiry != "" {
		d, err := parseDuration(c.DefaultExpiry)
		if err != nil {
			return nil, jwt.WrapError(jwt.KindBadConfig, err, "invalid default_expiry")
		}
		opts = append(opts, jwt.WithDefaultExpiry(d))
	}
	if c.ClockSkew != "" {
		d, err := parseDuration(c.ClockSkew)
		if err != nil {
			return nil, jwt.WrapError(jwt.KindBadConfig, err, "invalid clock_skew")
		}
		opts = append(opts, jwt.WithDefaultClockSkew(d))
	}
	if !c.Required.IsEmpty() {
		opts = append(opts, jwt.WithRequiredClaims(c.Required))
	}
	if c.Schema != "" {
		schema, err := jwt.NewJSONSchema([]byte(c.Schema))
		if err != nil {
			return nil, err
		}
		opts = append(opts, jwt.WithShape(schema))
	}
	return opts, nil
}

// NewEngine returns Engine with the configured backend,
// opts are applied after the configured options
func NewEngine(ctx context.Context, cfg *Config, opts ...jwt.Option) (*jwt.Engine, error) {
	b, err := Load(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eopts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	return jwt.New(b, append(eopts, opts...)...)
}

func parseDuration(s string) (time.Duration, error) {
	ms, err := jwt.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
