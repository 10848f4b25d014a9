// Package jwksbackend provides verify-only SigningBackend
// with public keys from a JSON Web Key Set
package jwksbackend

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/backend"
	"github.com/effective-security/xtoken/backend/localbackend"
	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/keymaterial"
	"github.com/effective-security/xtoken/metricskey"
	jose "github.com/go-jose/go-jose/v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken/backend", "jwksbackend")

// ProviderName specifies a provider name
const ProviderName = "JWKS"

// Attributes of the provider configuration
const (
	// AttrTimeout is HTTP client timeout in milliseconds or with a unit suffix
	AttrTimeout = "Timeout"
	// AttrMinRefresh is the minimum interval between key set fetches
	AttrMinRefresh = "MinRefresh"
)

// DefaultTimeout of the HTTP client
const DefaultTimeout = 10 * time.Second

func init() {
	_ = backend.Register(ProviderName, Load)
}

// Backend implements verify-only jwt.SigningBackend
type Backend struct {
	keys      KeySet
	keyID     string
	supported []jwt.Algorithm
	enabled   []jwt.Algorithm
}

// Load returns Backend from the provider configuration:
// URL specifies the remote key set, otherwise PublicKey
// must contain JWKS document
func Load(ctx context.Context, cfg *backend.Config) (jwt.SigningBackend, error) {
	algs, err := cfg.EnabledAlgorithms()
	if err != nil {
		return nil, err
	}

	var ks KeySet
	switch {
	case cfg.URL != "":
		attrs := cfg.ParseAttributes()
		timeout, err := durationAttribute(attrs, AttrTimeout, DefaultTimeout)
		if err != nil {
			return nil, err
		}
		minRefresh, err := durationAttribute(attrs, AttrMinRefresh, DefaultMinRefreshInterval)
		if err != nil {
			return nil, err
		}

		ks, err = NewRemoteKeySet(ctx, cfg.URL,
			WithHTTPClient(&http.Client{Timeout: timeout}),
			WithMinRefreshInterval(minRefresh),
		)
		if err != nil {
			return nil, jwt.WrapError(jwt.KindBadConfig, err, "unable to create key set")
		}
	case cfg.PublicKey != "":
		ks, err = ParseKeySet([]byte(cfg.PublicKey))
		if err != nil {
			return nil, jwt.WrapError(jwt.KindBadConfig, err, "unable to parse key set")
		}
	default:
		return nil, jwt.NewError(jwt.KindBadConfig, "url or public_key is required for JWKS backend")
	}

	b, err := New(ctx, ks, cfg.KeyID, algs...)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// New returns Backend. The keys are fetched and validated for the
// enabled algorithms, by default the algorithms the keys declare or
// naturally serve. The keyID restricts the keys to the one with the kid.
func New(ctx context.Context, keys KeySet, keyID string, algs ...jwt.Algorithm) (*Backend, error) {
	b := &Backend{
		keys:  keys,
		keyID: keyID,
	}
	for _, alg := range jwt.Algorithms() {
		if !alg.IsSymmetric() {
			b.supported = append(b.supported, alg)
		}
	}

	list, err := keys.Keys(ctx)
	if err != nil {
		return nil, jwt.WrapError(jwt.KindService, err, "failed to fetch key set")
	}

	if len(algs) == 0 {
		algs = b.keyAlgorithms(list)
	}
	if err = jwt.CheckEnabled(b.supported, algs); err != nil {
		return nil, err
	}
	b.enabled = algs

	for _, alg := range algs {
		if len(b.candidates(list, alg)) == 0 {
			return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "no key in the key set can be used with %s", alg)
		}
	}

	logger.KV(xlog.DEBUG, "keys", len(list), "kid", keyID, "enabled", algs)
	return b, nil
}

// Name implements jwt.SigningBackend
func (b *Backend) Name() string {
	return ProviderName
}

// Supported implements jwt.SigningBackend
func (b *Backend) Supported() []jwt.Algorithm {
	return b.supported
}

// Enabled implements jwt.SigningBackend
func (b *Backend) Enabled() []jwt.Algorithm {
	return b.enabled
}

// GenerateSignature implements jwt.SigningBackend
func (b *Backend) GenerateSignature(_ context.Context, _ jwt.HeaderPayload, _ jwt.Algorithm) ([]byte, error) {
	return nil, jwt.NewError(jwt.KindBadConfig, "backend is configured for verification only")
}

// VerifySignature implements jwt.SigningBackend.
// If no cached key matches, the key set is refreshed once.
func (b *Backend) VerifySignature(ctx context.Context, hp jwt.HeaderPayload, signature []byte, alg jwt.Algorithm) (bool, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "verify")

	if err := jwt.CheckAlgorithm(b, alg); err != nil {
		return false, err
	}

	list, err := b.keys.Keys(ctx)
	if err != nil {
		return false, jwt.WrapError(jwt.KindService, err, "failed to fetch key set")
	}
	if b.verify(list, hp, signature, alg) {
		return true, nil
	}

	refreshed, err := b.keys.Refresh(ctx)
	if err != nil {
		if len(list) > 0 {
			// cached keys did not match, the key set is unavailable
			logger.KV(xlog.WARNING, "status", "refresh_failed", "err", err.Error())
			return false, nil
		}
		return false, jwt.WrapError(jwt.KindService, err, "failed to refresh key set")
	}
	if sameKeys(list, refreshed) {
		return false, nil
	}
	return b.verify(refreshed, hp, signature, alg), nil
}

func (b *Backend) verify(list []jose.JSONWebKey, hp jwt.HeaderPayload, signature []byte, alg jwt.Algorithm) bool {
	for _, pub := range b.candidates(list, alg) {
		if localbackend.VerifyWithKey(hp, signature, alg, pub) {
			return true
		}
	}
	return false
}

// candidates returns public keys from the list that can verify alg
func (b *Backend) candidates(list []jose.JSONWebKey, alg jwt.Algorithm) []crypto.PublicKey {
	var res []crypto.PublicKey
	for i := range list {
		k := &list[i]
		if b.keyID != "" && k.KeyID != b.keyID {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg.String() {
			continue
		}
		pub := k.Public().Key
		if err := keymaterial.ValidateRemotePublicKey(alg, pub); err != nil {
			logger.KV(xlog.TRACE, "kid", k.KeyID, "alg", alg, "reason", err.Error())
			continue
		}
		res = append(res, pub)
	}
	return res
}

// keyAlgorithms returns algorithms declared by the keys,
// or the algorithms the keys naturally serve
func (b *Backend) keyAlgorithms(list []jose.JSONWebKey) []jwt.Algorithm {
	var res []jwt.Algorithm
	for i := range list {
		k := &list[i]
		if b.keyID != "" && k.KeyID != b.keyID {
			continue
		}

		alg, err := jwt.ParseAlgorithm(k.Algorithm)
		if err != nil {
			alg = defaultAlgorithm(k.Public().Key)
		}
		if alg.IsValid() && !alg.IsSymmetric() && !jwt.ContainsAlgorithm(res, alg) {
			res = append(res, alg)
		}
	}
	return res
}

func defaultAlgorithm(pub crypto.PublicKey) jwt.Algorithm {
	var key *keymaterial.Key
	switch pub.(type) {
	case *rsa.PublicKey:
		key = &keymaterial.Key{Type: keymaterial.TypeRSA, Public: pub}
	case *ecdsa.PublicKey:
		key = &keymaterial.Key{Type: keymaterial.TypeEC, Public: pub}
	default:
		return jwt.Algorithm{}
	}
	return key.DefaultAlgorithm()
}

// sameKeys returns true if refresh returned the cached slice
func sameKeys(a, b []jose.JSONWebKey) bool {
	if len(a) != len(b) || len(a) == 0 {
		return len(a) == len(b)
	}
	return &a[0] == &b[0]
}

func durationAttribute(attrs map[string]string, name string, def time.Duration) (time.Duration, error) {
	v, ok := attrs[name]
	if !ok || v == "" {
		return def, nil
	}
	ms, err := jwt.ParseDuration(v)
	if err != nil || ms <= 0 {
		return 0, jwt.NewError(jwt.KindBadConfig, "invalid %s attribute: %q", name, v)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// PublicJWK returns JSON Web Key for the public key,
// the kid is the RFC 7638 thumbprint if not specified
func PublicJWK(pub crypto.PublicKey, kid string, alg jwt.Algorithm) (jose.JSONWebKey, error) {
	if err := keymaterial.ValidateRemotePublicKey(alg, pub); err != nil {
		return jose.JSONWebKey{}, err
	}

	jwk := jose.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: alg.String(),
		Use:       "sig",
	}
	if kid == "" {
		tp, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return jose.JSONWebKey{}, jwt.WrapError(jwt.KindUnknown, err, "unable to compute thumbprint")
		}
		jwk.KeyID = base64.RawURLEncoding.EncodeToString(tp)
	}
	return jwk, nil
}
