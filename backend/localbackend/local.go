// Package localbackend provides SigningBackend with in-process keys
package localbackend

import (
	"context"
	"crypto"
	"crypto/rsa"
	"time"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/backend"
	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/keymaterial"
	"github.com/effective-security/xtoken/metricskey"
	jwtgo "github.com/golang-jwt/jwt/v5"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken/backend", "localbackend")

// ProviderName specifies a provider name
const ProviderName = "local"

func init() {
	_ = backend.Register(ProviderName, Load)
}

// Config of the local backend.
// Exactly one of Secret, PrivateKey or PublicKey must be provided.
type Config struct {
	// Algorithms to enable, by default the algorithm the key naturally serves
	Algorithms []jwt.Algorithm
	Secret     *keymaterial.KeyMaterial
	PrivateKey *keymaterial.KeyMaterial
	// PublicKey creates verify-only backend
	PublicKey *keymaterial.KeyMaterial
}

// Backend implements jwt.SigningBackend
type Backend struct {
	supported []jwt.Algorithm
	enabled   []jwt.Algorithm
	methods   map[jwt.Algorithm]jwtgo.SigningMethod

	secret []byte
	key    *keymaterial.Key
}

// New returns Backend
func New(cfg Config) (*Backend, error) {
	n := 0
	for _, km := range []*keymaterial.KeyMaterial{cfg.Secret, cfg.PrivateKey, cfg.PublicKey} {
		if km != nil && !km.IsEmpty() {
			n++
		}
	}
	if n != 1 {
		return nil, jwt.NewError(jwt.KindBadConfig, "exactly one of secret, private or public key must be provided")
	}

	switch {
	case cfg.Secret != nil && !cfg.Secret.IsEmpty():
		return NewHMAC(*cfg.Secret, cfg.Algorithms...)
	case cfg.PrivateKey != nil && !cfg.PrivateKey.IsEmpty():
		return NewSigner(*cfg.PrivateKey, cfg.Algorithms...)
	default:
		return NewVerifier(*cfg.PublicKey, cfg.Algorithms...)
	}
}

// Load returns Backend from the provider configuration
func Load(_ context.Context, cfg *backend.Config) (jwt.SigningBackend, error) {
	algs, err := cfg.EnabledAlgorithms()
	if err != nil {
		return nil, err
	}

	c := Config{Algorithms: algs}
	for _, v := range []struct {
		value  string
		target **keymaterial.KeyMaterial
	}{
		{cfg.Secret, &c.Secret},
		{cfg.PrivateKey, &c.PrivateKey},
		{cfg.PublicKey, &c.PublicKey},
	} {
		if v.value == "" {
			continue
		}
		km, err := cfg.KeyMaterial(v.value)
		if err != nil {
			return nil, err
		}
		*v.target = &km
	}

	b, err := New(c)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewHMAC returns Backend for HS algorithms, HS256 if none is specified
func NewHMAC(secret keymaterial.KeyMaterial, algs ...jwt.Algorithm) (*Backend, error) {
	if len(algs) == 0 {
		algs = []jwt.Algorithm{jwt.HS256}
	}

	var raw []byte
	for _, alg := range algs {
		s, err := keymaterial.ValidateSecret(alg, secret)
		if err != nil {
			return nil, err
		}
		raw = s
	}

	return newBackend([]jwt.Algorithm{jwt.HS256, jwt.HS384, jwt.HS512}, algs, raw, nil)
}

// NewSigner returns Backend that signs and verifies with the private key
func NewSigner(privateKey keymaterial.KeyMaterial, algs ...jwt.Algorithm) (*Backend, error) {
	key, err := keymaterial.ParseKey(privateKey)
	if err != nil {
		return nil, err
	}
	if !key.IsPrivate() {
		return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "public key supplied where private key expected")
	}
	return newAsymmetric(key, algs)
}

// NewVerifier returns verify-only Backend
func NewVerifier(publicKey keymaterial.KeyMaterial, algs ...jwt.Algorithm) (*Backend, error) {
	key, err := keymaterial.ParseKey(publicKey)
	if err != nil {
		return nil, err
	}
	if key.IsPrivate() {
		return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "private key supplied where public key expected")
	}
	return newAsymmetric(key, algs)
}

func newAsymmetric(key *keymaterial.Key, algs []jwt.Algorithm) (*Backend, error) {
	if len(algs) == 0 {
		algs = []jwt.Algorithm{key.DefaultAlgorithm()}
	}
	for _, alg := range algs {
		if err := keymaterial.CheckKey(alg, key); err != nil {
			return nil, err
		}
	}

	var supported []jwt.Algorithm
	switch key.Type {
	case keymaterial.TypeRSA:
		supported = []jwt.Algorithm{jwt.RS256, jwt.RS384, jwt.RS512}
	case keymaterial.TypeRSAPSS:
		supported = []jwt.Algorithm{jwt.PS256, jwt.PS384, jwt.PS512}
	case keymaterial.TypeEC:
		supported = []jwt.Algorithm{jwt.ES256, jwt.ES384, jwt.ES512}
	}
	return newBackend(supported, algs, nil, key)
}

func newBackend(supported, enabled []jwt.Algorithm, secret []byte, key *keymaterial.Key) (*Backend, error) {
	if err := jwt.CheckEnabled(supported, enabled); err != nil {
		return nil, err
	}

	b := &Backend{
		supported: supported,
		enabled:   enabled,
		methods:   map[jwt.Algorithm]jwtgo.SigningMethod{},
		secret:    secret,
		key:       key,
	}
	for _, alg := range enabled {
		b.methods[alg] = signingMethod(alg, key)
	}

	logger.KV(xlog.DEBUG,
		"enabled", enabled,
		"verify_only", !b.canSign(),
	)
	return b, nil
}

func signingMethod(alg jwt.Algorithm, key *keymaterial.Key) jwtgo.SigningMethod {
	switch alg {
	case jwt.HS256:
		return jwtgo.SigningMethodHS256
	case jwt.HS384:
		return jwtgo.SigningMethodHS384
	case jwt.HS512:
		return jwtgo.SigningMethodHS512
	case jwt.RS256:
		return jwtgo.SigningMethodRS256
	case jwt.RS384:
		return jwtgo.SigningMethodRS384
	case jwt.RS512:
		return jwtgo.SigningMethodRS512
	case jwt.ES256:
		return jwtgo.SigningMethodES256
	case jwt.ES384:
		return jwtgo.SigningMethodES384
	case jwt.ES512:
		return jwtgo.SigningMethodES512
	}

	var base *jwtgo.SigningMethodRSAPSS
	switch alg {
	case jwt.PS256:
		base = jwtgo.SigningMethodPS256
	case jwt.PS384:
		base = jwtgo.SigningMethodPS384
	default:
		base = jwtgo.SigningMethodPS512
	}
	if key == nil || key.PSS == nil {
		return base
	}
	// sign and verify with the salt length declared by the key
	return &jwtgo.SigningMethodRSAPSS{
		SigningMethodRSA: base.SigningMethodRSA,
		Options: &rsa.PSSOptions{
			SaltLength: key.PSS.SaltLength,
		},
		VerifyOptions: &rsa.PSSOptions{
			SaltLength: key.PSS.SaltLength,
		},
	}
}

func (b *Backend) canSign() bool {
	return b.secret != nil || (b.key != nil && b.key.IsPrivate())
}

func (b *Backend) signingKey() any {
	if b.secret != nil {
		return b.secret
	}
	return b.key.Private
}

func (b *Backend) verifyKey() any {
	if b.secret != nil {
		return b.secret
	}
	return b.key.Public
}

// Name returns the backend name
func (b *Backend) Name() string {
	return ProviderName
}

// Supported returns algorithms the backend can serve
func (b *Backend) Supported() []jwt.Algorithm {
	return b.supported
}

// Enabled returns algorithms the backend is configured to serve
func (b *Backend) Enabled() []jwt.Algorithm {
	return b.enabled
}

// CanSign returns false for verify-only backend
func (b *Backend) CanSign() bool {
	return b.canSign()
}

// Key returns the asymmetric key, or nil for HMAC backend
func (b *Backend) Key() *keymaterial.Key {
	return b.key
}

// Public returns the public key, or nil for HMAC backend
func (b *Backend) Public() crypto.PublicKey {
	if b.key == nil {
		return nil
	}
	return b.key.Public
}

// GenerateSignature implements jwt.SigningBackend
func (b *Backend) GenerateSignature(_ context.Context, hp jwt.HeaderPayload, alg jwt.Algorithm) ([]byte, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "sign")

	method, ok := b.methods[alg]
	if !ok {
		return nil, jwt.NewError(jwt.KindBadConfig, "algorithm %s is not enabled", alg)
	}
	if !b.canSign() {
		return nil, jwt.NewError(jwt.KindBadConfig, "backend is configured for verification only")
	}

	sig, err := method.Sign(string(hp), b.signingKey())
	if err != nil {
		return nil, jwt.WrapError(jwt.KindUnknown, err, "unable to sign with %s", alg)
	}
	return sig, nil
}

// VerifySignature implements jwt.SigningBackend
func (b *Backend) VerifySignature(_ context.Context, hp jwt.HeaderPayload, signature []byte, alg jwt.Algorithm) (bool, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "verify")

	method, ok := b.methods[alg]
	if !ok {
		return false, jwt.NewError(jwt.KindBadConfig, "algorithm %s is not enabled", alg)
	}

	if err := method.Verify(string(hp), signature, b.verifyKey()); err != nil {
		logger.KV(xlog.TRACE, "alg", alg, "reason", err.Error())
		return false, nil
	}
	return true, nil
}

// VerifyWithKey checks the signature with a public key held outside of
// a Backend, RSA-PSS signatures are accepted with any salt length
func VerifyWithKey(hp jwt.HeaderPayload, signature []byte, alg jwt.Algorithm, pub crypto.PublicKey) bool {
	if !alg.IsValid() || alg.IsSymmetric() {
		return false
	}
	if err := signingMethod(alg, nil).Verify(string(hp), signature, pub); err != nil {
		logger.KV(xlog.TRACE, "alg", alg, "reason", err.Error())
		return false
	}
	return true
}
