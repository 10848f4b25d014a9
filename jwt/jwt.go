package jwt

import (
	"context"
	"time"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "jwt")

// Engine signs, verifies and decodes tokens with a SigningBackend.
// Engine is immutable and safe for concurrent use.
type Engine struct {
	backend       SigningBackend
	validator     ClaimValidator
	parser        DurationParser
	clock         func() time.Time
	defaultExpiry float64
	clockSkew     time.Duration
}

// Result is returned from Verify and Decode
type Result struct {
	Header Header
	Claims Claims
}

type options struct {
	required      RequiredClaims
	shape         ShapeValidator
	parser        DurationParser
	clock         func() time.Time
	defaultExpiry time.Duration
	clockSkew     time.Duration
}

// An Option configures Engine
type Option func(*options)

// WithRequiredClaims specifies literal values of identity claims,
// checked on both sign and verify
func WithRequiredClaims(required RequiredClaims) Option {
	return func(o *options) {
		o.required = required
	}
}

// WithShape specifies the claims shape validator,
// checked on both sign and verify
func WithShape(shape ShapeValidator) Option {
	return func(o *options) {
		o.shape = shape
	}
}

// WithDurationParser replaces ParseDuration used for string offsets
func WithDurationParser(parser DurationParser) Option {
	return func(o *options) {
		o.parser = parser
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithDefaultExpiry specifies expiry offset used when `exp` is not provided,
// DefaultExpiry by default
func WithDefaultExpiry(d time.Duration) Option {
	return func(o *options) {
		o.defaultExpiry = d
	}
}

// WithDefaultClockSkew specifies the clock skew used when Verify is called
// without WithClockSkew
func WithDefaultClockSkew(d time.Duration) Option {
	return func(o *options) {
		o.clockSkew = d
	}
}

// New returns Engine
func New(backend SigningBackend, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, NewError(KindBadConfig, "signing backend not provided")
	}
	if err := CheckEnabled(backend.Supported(), backend.Enabled()); err != nil {
		return nil, err
	}

	o := options{
		parser:        ParseDuration,
		clock:         time.Now,
		defaultExpiry: DefaultExpiry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.defaultExpiry <= 0 {
		return nil, NewError(KindBadConfig, "invalid default expiry: %s", o.defaultExpiry)
	}
	if o.clockSkew < 0 {
		return nil, NewError(KindBadConfig, "invalid clock skew: %s", o.clockSkew)
	}

	logger.KV(xlog.DEBUG,
		"backend", backend.Name(),
		"enabled", backend.Enabled(),
		"expiry", o.defaultExpiry,
	)

	return &Engine{
		backend: backend,
		validator: ClaimValidator{
			Required: o.required,
			Shape:    o.shape,
		},
		parser:        o.parser,
		clock:         o.clock,
		defaultExpiry: float64(o.defaultExpiry) / float64(time.Millisecond),
		clockSkew:     o.clockSkew,
	}, nil
}

// MustNew returns Engine, or panics on error
func MustNew(backend SigningBackend, opts ...Option) *Engine {
	e, err := New(backend, opts...)
	if err != nil {
		logger.Panicf("unable to create engine: %+v", err)
	}
	return e
}

// Backend returns the signing backend
func (e *Engine) Backend() SigningBackend {
	return e.backend
}

type signOptions struct {
	timestamp *int64
}

// A SignOption configures Sign call
type SignOption func(*signOptions)

// WithTimestamp specifies the base time in milliseconds since epoch,
// the engine clock is used by default
func WithTimestamp(ms int64) SignOption {
	return func(o *signOptions) {
		o.timestamp = &ms
	}
}

// Sign returns signed token and the claims it carries.
// Values of `iat`, `nbf` and `exp` in claims are offsets relative to the
// timestamp: numbers in milliseconds, duration strings, time.Duration or Offset.
// The claims map is not modified.
func (e *Engine) Sign(ctx context.Context, alg Algorithm, claims Claims, opts ...SignOption) (string, Claims, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), e.backend.Name(), "sign")

	if err := CheckAlgorithm(e.backend, alg); err != nil {
		return "", nil, err
	}

	var o signOptions
	for _, opt := range opts {
		opt(&o)
	}
	ts := e.clock().UnixMilli()
	if o.timestamp != nil {
		ts = *o.timestamp
	}

	built, err := TimeClaims{
		Timestamp:     ts,
		DefaultExpiry: e.defaultExpiry,
		Parser:        e.parser,
	}.Build(claims)
	if err != nil {
		return "", nil, err
	}
	if err = e.validator.ValidateContent(built); err != nil {
		return "", nil, err
	}

	hp, err := Encode(NewHeader(alg), built)
	if err != nil {
		return "", nil, err
	}

	sig, err := e.backend.GenerateSignature(ctx, hp, alg)
	if err != nil {
		logger.KV(xlog.ERROR,
			"status", "sign_failed",
			"backend", e.backend.Name(),
			"alg", alg,
			"err", err.Error())
		return "", nil, ensureKind(err, "%s backend failed to sign", e.backend.Name())
	}
	if len(sig) == 0 {
		return "", nil, NewError(KindUnknown, "%s backend returned empty signature", e.backend.Name())
	}

	// return claims as Decode would see them
	_, payload := hp.Segments()
	raw, err := DecodeSegment(payload)
	if err != nil {
		return "", nil, WrapError(KindUnknown, err, "unable to decode payload")
	}
	materialized, err := decodeObject(raw)
	if err != nil {
		return "", nil, WrapError(KindUnknown, err, "unable to decode payload")
	}

	logger.KV(xlog.DEBUG,
		"status", "signed",
		"backend", e.backend.Name(),
		"alg", alg,
		"exp", materialized[ClaimExpiry])

	return Assemble(hp, sig), materialized, nil
}

type verifyOptions struct {
	skew      *time.Duration
	reference *int64
	predicate Predicate
}

// A VerifyOption configures Verify call
type VerifyOption func(*verifyOptions)

// WithClockSkew specifies tolerance for `exp` and `nbf` checks
func WithClockSkew(skew time.Duration) VerifyOption {
	return func(o *verifyOptions) {
		o.skew = &skew
	}
}

// WithReferenceTime specifies the time in milliseconds since epoch
// to validate against, the engine clock is used by default
func WithReferenceTime(ms int64) VerifyOption {
	return func(o *verifyOptions) {
		o.reference = &ms
	}
}

// WithValidator specifies a predicate called after all other checks passed
func WithValidator(predicate Predicate) VerifyOption {
	return func(o *verifyOptions) {
		o.predicate = predicate
	}
}

// Verify checks the token signature and claims,
// and returns its header and claims
func (e *Engine) Verify(ctx context.Context, token string, opts ...VerifyOption) (*Result, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), e.backend.Name(), "verify")

	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	dec, err := Decode(token)
	if err != nil {
		return nil, err
	}
	alg := dec.Header.Algorithm
	if err = CheckAlgorithm(e.backend, alg); err != nil {
		return nil, err
	}

	sig, err := DecodeSegment(dec.Signature)
	if err != nil {
		return nil, WrapError(KindInvalidSignature, err, "unable to decode signature")
	}

	valid, err := e.backend.VerifySignature(ctx, dec.HeaderPayload, sig, alg)
	if err != nil {
		logger.KV(xlog.ERROR,
			"status", "verify_failed",
			"backend", e.backend.Name(),
			"alg", alg,
			"err", err.Error())
		return nil, ensureKind(err, "%s backend failed to verify", e.backend.Name())
	}
	if !valid {
		logger.KV(xlog.DEBUG, "status", "invalid_signature", "backend", e.backend.Name(), "alg", alg)
		return nil, NewError(KindInvalidSignature, "invalid signature")
	}

	clock := ClockContext{
		ReferenceTime: e.clock().UnixMilli(),
		Skew:          e.clockSkew,
	}
	if o.reference != nil {
		clock.ReferenceTime = *o.reference
	}
	if o.skew != nil {
		clock.Skew = *o.skew
	}

	if err = e.validator.Validate(dec.Claims, clock); err != nil {
		logger.KV(xlog.DEBUG, "status", "invalid_claims", "err", err.Error())
		return nil, err
	}

	if o.predicate != nil {
		ok, err := o.predicate(ctx, dec.Header, dec.Claims)
		if err != nil {
			return nil, ensureKind(err, "validator failed")
		}
		if !ok {
			return nil, ClaimViolation("claims rejected by validator")
		}
	}

	logger.KV(xlog.DEBUG,
		"status", "verified",
		"backend", e.backend.Name(),
		"alg", alg,
		"sub", dec.Claims.String(ClaimSubject))

	return &Result{
		Header: dec.Header,
		Claims: dec.Claims,
	}, nil
}

type decodeOptions struct {
	shape ShapeValidator
}

// A DecodeOption configures Decode call
type DecodeOption func(*decodeOptions)

// WithDecodeShape specifies shape validator for Decode
func WithDecodeShape(shape ShapeValidator) DecodeOption {
	return func(o *decodeOptions) {
		o.shape = shape
	}
}

// Decode returns header and claims of the token without checking
// the signature or time bounds. The result must not be trusted.
func (e *Engine) Decode(token string, opts ...DecodeOption) (*Result, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	dec, err := Decode(token)
	if err != nil {
		return nil, err
	}

	if o.shape != nil {
		if issues := o.shape.ValidateShape(dec.Claims); len(issues) > 0 {
			return nil, &Error{
				Kind:    KindMalformedToken,
				Message: "claims do not match the shape",
				Issues:  issues,
			}
		}
	}

	return &Result{
		Header: dec.Header,
		Claims: dec.Claims,
	}, nil
}
