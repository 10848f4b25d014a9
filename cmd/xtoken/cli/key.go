package cli

import (
	"crypto"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/backend/jwksbackend"
	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/keymaterial"
	jose "github.com/go-jose/go-jose/v3"
)

// KeyCmd provides key commands
type KeyCmd struct {
	Check KeyCheckCmd `cmd:"" help:"check that key or secret can be used with an algorithm"`
}

// KeyCheckResult is the output of key check command
type KeyCheckResult struct {
	Algorithm string `json:"alg"`
	Type      string `json:"type"`
	Size      int    `json:"size"`
	Private   bool   `json:"private,omitempty"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
}

// KeyCheckCmd checks key material
type KeyCheckCmd struct {
	Key      string `arg:"" help:"Key or secret file, or - for stdin"`
	Alg      string `help:"Algorithm to check against, by default the one the key naturally serves"`
	Encoding string `help:"Encoding of the key: pem, der, base64, base64url, hex or text, by default PEM or raw text"`
}

// Run the command
func (a *KeyCheckCmd) Run(ctx *Cli) error {
	raw, err := ctx.ReadFile(a.Key)
	if err != nil {
		return errors.WithMessage(err, "unable to read key")
	}
	enc, err := keymaterial.ParseEncoding(a.Encoding)
	if err != nil {
		return err
	}
	km := keymaterial.KeyMaterial{Data: raw, Encoding: enc}

	var alg jwt.Algorithm
	if a.Alg != "" {
		if alg, err = jwt.ParseAlgorithm(a.Alg); err != nil {
			return err
		}
	}

	res := KeyCheckResult{Algorithm: alg.String()}
	if alg.IsValid() && alg.IsSymmetric() {
		res.Type = "secret"
		secret, err := keymaterial.ValidateSecret(alg, km)
		if err != nil {
			return checkFailed(ctx, res, err)
		}
		res.Size = len(secret) * 8
		res.Valid = true
		return ctx.WriteJSON(res)
	}

	key, err := keymaterial.ParseKey(km)
	if err != nil {
		return checkFailed(ctx, res, err)
	}
	if !alg.IsValid() {
		alg = key.DefaultAlgorithm()
		res.Algorithm = alg.String()
	}
	res.Type = string(key.Type)
	res.Size = key.Size()
	res.Private = key.IsPrivate()

	if err = keymaterial.CheckKey(alg, key); err != nil {
		return checkFailed(ctx, res, err)
	}
	res.Valid = true
	return ctx.WriteJSON(res)
}

// checkFailed prints the result and returns the error
func checkFailed(ctx *Cli, res KeyCheckResult, err error) error {
	res.Reason = err.Error()
	if werr := ctx.WriteJSON(res); werr != nil {
		return werr
	}
	return err
}

type publicKeyer interface {
	Public() crypto.PublicKey
}

// JwksCmd prints JWKS document with the public key of the backend
type JwksCmd struct {
	Kid string `help:"Key ID, by default RFC 7638 thumbprint of the key"`
}

// Run the command
func (a *JwksCmd) Run(ctx *Cli) error {
	e, err := ctx.Engine()
	if err != nil {
		return err
	}

	b := e.Backend()
	pk, ok := b.(publicKeyer)
	if !ok || pk.Public() == nil {
		return errors.Errorf("%s backend does not expose a public key", b.Name())
	}

	ks := jose.JSONWebKeySet{}
	for _, alg := range b.Enabled() {
		jwk, err := jwksbackend.PublicJWK(pk.Public(), a.Kid, alg)
		if err != nil {
			return err
		}
		ks.Keys = append(ks.Keys, jwk)
	}
	return ctx.WriteJSON(ks)
}
