package jwt

import (
	"context"
)

// SigningBackend produces and checks signatures over the signing input.
// Implementations must be safe for concurrent use.
type SigningBackend interface {
	// Name returns the backend name, used in logs and metrics
	Name() string
	// Supported returns algorithms the backend can serve
	Supported() []Algorithm
	// Enabled returns algorithms the backend is configured to serve,
	// it must be a subset of Supported
	Enabled() []Algorithm
	// GenerateSignature returns raw signature bytes.
	// ECDSA signatures are in JOSE form (r||s).
	GenerateSignature(ctx context.Context, hp HeaderPayload, alg Algorithm) ([]byte, error)
	// VerifySignature returns false if the signature does not match,
	// and an error only if the check could not be performed
	VerifySignature(ctx context.Context, hp HeaderPayload, signature []byte, alg Algorithm) (bool, error)
}

// CheckEnabled returns BadConfig error if enabled is empty
// or not a subset of supported
func CheckEnabled(supported, enabled []Algorithm) error {
	if len(enabled) == 0 {
		return NewError(KindBadConfig, "no algorithms enabled")
	}
	for _, alg := range enabled {
		if !ContainsAlgorithm(supported, alg) {
			return NewError(KindBadConfig, "algorithm %s is not supported", alg)
		}
	}
	return nil
}

// CheckAlgorithm returns BadConfig error if alg is not enabled by the backend
func CheckAlgorithm(b SigningBackend, alg Algorithm) error {
	if !alg.IsValid() {
		return NewError(KindBadConfig, "unsupported algorithm: %q", alg.String())
	}
	if !ContainsAlgorithm(b.Enabled(), alg) {
		return NewError(KindBadConfig, "algorithm %s is not enabled for %s backend", alg, b.Name())
	}
	return nil
}
