package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xtoken/jwt"
)

// TokenResult is the output of verify and decode commands
type TokenResult struct {
	Header    jwt.Header `json:"header"`
	Claims    jwt.Claims `json:"claims"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
}

func newTokenResult(header jwt.Header, claims jwt.Claims) TokenResult {
	utc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	}
	return TokenResult{
		Header:    header,
		Claims:    claims,
		IssuedAt:  utc(claims.Time(jwt.ClaimIssuedAt)),
		NotBefore: utc(claims.Time(jwt.ClaimNotBefore)),
		Expires:   utc(claims.Time(jwt.ClaimExpiry)),
	}
}

// standardClaims are set by the flags
type standardClaims struct {
	Issuer    string `json:"iss,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  any    `json:"aud,omitempty"`
	ID        string `json:"jti,omitempty"`
	Expiry    string `json:"exp,omitempty"`
	NotBefore string `json:"nbf,omitempty"`
}

// SignCmd signs a token
type SignCmd struct {
	Alg    string   `help:"Signature algorithm, by default the first one enabled by the backend"`
	Claims string   `help:"JSON object with claims, @file to read from file, or - for stdin"`
	Iss    string   `help:"Issuer"`
	Sub    string   `help:"Subject"`
	Aud    []string `help:"Audience"`
	Exp    string   `help:"Expiry offset, like 15m, by default the engine expiry"`
	Nbf    string   `help:"Not before offset, like -10s"`
	Jti    bool     `help:"Generate unique token ID"`
}

// Run the command
func (a *SignCmd) Run(ctx *Cli) error {
	e, err := ctx.Engine()
	if err != nil {
		return err
	}

	alg, err := signingAlgorithm(e, a.Alg)
	if err != nil {
		return err
	}

	claims := jwt.Claims{}
	if a.Claims != "" {
		raw, err := ctx.ReadValue(a.Claims)
		if err != nil {
			return errors.WithMessage(err, "unable to read claims")
		}
		d := json.NewDecoder(bytes.NewReader(raw))
		d.UseNumber()
		if err = d.Decode(&claims); err != nil {
			return errors.WithMessage(err, "unable to parse claims")
		}
	}

	std := standardClaims{
		Issuer:    a.Iss,
		Subject:   a.Sub,
		Expiry:    a.Exp,
		NotBefore: a.Nbf,
	}
	switch len(a.Aud) {
	case 0:
	case 1:
		std.Audience = a.Aud[0]
	default:
		std.Audience = a.Aud
	}
	if a.Jti {
		std.ID = guid.MustCreate()
	}
	if err = claims.Add(std); err != nil {
		return err
	}

	token, _, err := e.Sign(ctx.Context(), alg, claims)
	if err != nil {
		return err
	}

	fmt.Fprintln(ctx.Writer(), token)
	return nil
}

func signingAlgorithm(e *jwt.Engine, name string) (jwt.Algorithm, error) {
	if name != "" {
		return jwt.ParseAlgorithm(name)
	}
	enabled := e.Backend().Enabled()
	if len(enabled) == 0 {
		return jwt.Algorithm{}, errors.New("backend has no enabled algorithms")
	}
	return enabled[0], nil
}

// VerifyCmd verifies a token
type VerifyCmd struct {
	Token string `arg:"" help:"Token, @file to read from file, or - for stdin"`
	Skew  string `help:"Clock skew tolerance, like 30s, by default the engine skew"`
}

// Run the command
func (a *VerifyCmd) Run(ctx *Cli) error {
	e, err := ctx.Engine()
	if err != nil {
		return err
	}

	token, err := readToken(ctx, a.Token)
	if err != nil {
		return err
	}

	var opts []jwt.VerifyOption
	if a.Skew != "" {
		ms, err := jwt.ParseDuration(a.Skew)
		if err != nil {
			return errors.WithMessage(err, "invalid skew")
		}
		opts = append(opts, jwt.WithClockSkew(time.Duration(ms*float64(time.Millisecond))))
	}

	res, err := e.Verify(ctx.Context(), token, opts...)
	if err != nil {
		return err
	}
	return ctx.WriteJSON(newTokenResult(res.Header, res.Claims))
}

// DecodeCmd prints token header and claims without verification
type DecodeCmd struct {
	Token string `arg:"" help:"Token, @file to read from file, or - for stdin"`
}

// Run the command
func (a *DecodeCmd) Run(ctx *Cli) error {
	token, err := readToken(ctx, a.Token)
	if err != nil {
		return err
	}

	dec, err := jwt.Decode(token)
	if err != nil {
		return err
	}
	return ctx.WriteJSON(newTokenResult(dec.Header, dec.Claims))
}

func readToken(ctx *Cli, value string) (string, error) {
	raw, err := ctx.ReadValue(value)
	if err != nil {
		return "", errors.WithMessage(err, "unable to read token")
	}
	return strings.TrimSpace(string(raw)), nil
}
