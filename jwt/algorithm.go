package jwt

import (
	"crypto"
	"crypto/elliptic"
	"encoding/json"
	"strings"

	// register hashes used by the algorithm table
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// Family identifies the signature scheme of an Algorithm
type Family uint8

// Algorithm families
const (
	FamilyHMAC Family = iota + 1
	FamilyRSA
	FamilyRSAPSS
	FamilyECDSA
)

// String returns the family name
func (f Family) String() string {
	switch f {
	case FamilyHMAC:
		return "HMAC"
	case FamilyRSA:
		return "RSA"
	case FamilyRSAPSS:
		return "RSA-PSS"
	case FamilyECDSA:
		return "ECDSA"
	}
	return "unknown"
}

// Algorithm is one of the twelve supported signature algorithms.
// The zero value is not a valid algorithm.
type Algorithm struct {
	name string
}

type algInfo struct {
	family Family
	hash   crypto.Hash
	// minimum secret size in bytes for HMAC,
	// minimum modulus size in bits for RSA and RSA-PSS,
	// curve size in bits for ECDSA
	strength int
	curve    elliptic.Curve
	// JOSE signature size for ECDSA
	sigSize int
}

// Supported algorithms
var (
	HS256 = Algorithm{"HS256"}
	HS384 = Algorithm{"HS384"}
	HS512 = Algorithm{"HS512"}
	RS256 = Algorithm{"RS256"}
	RS384 = Algorithm{"RS384"}
	RS512 = Algorithm{"RS512"}
	PS256 = Algorithm{"PS256"}
	PS384 = Algorithm{"PS384"}
	PS512 = Algorithm{"PS512"}
	ES256 = Algorithm{"ES256"}
	ES384 = Algorithm{"ES384"}
	ES512 = Algorithm{"ES512"}
)

var algorithms = map[Algorithm]algInfo{
	HS256: {family: FamilyHMAC, hash: crypto.SHA256, strength: 32},
	HS384: {family: FamilyHMAC, hash: crypto.SHA384, strength: 48},
	HS512: {family: FamilyHMAC, hash: crypto.SHA512, strength: 64},
	RS256: {family: FamilyRSA, hash: crypto.SHA256, strength: 2048},
	RS384: {family: FamilyRSA, hash: crypto.SHA384, strength: 3072},
	RS512: {family: FamilyRSA, hash: crypto.SHA512, strength: 4096},
	PS256: {family: FamilyRSAPSS, hash: crypto.SHA256, strength: 2048},
	PS384: {family: FamilyRSAPSS, hash: crypto.SHA384, strength: 3072},
	PS512: {family: FamilyRSAPSS, hash: crypto.SHA512, strength: 4096},
	ES256: {family: FamilyECDSA, hash: crypto.SHA256, strength: 256, curve: elliptic.P256(), sigSize: 64},
	ES384: {family: FamilyECDSA, hash: crypto.SHA384, strength: 384, curve: elliptic.P384(), sigSize: 96},
	ES512: {family: FamilyECDSA, hash: crypto.SHA512, strength: 521, curve: elliptic.P521(), sigSize: 132},
}

// Algorithms returns all supported algorithms in a stable order
func Algorithms() []Algorithm {
	return []Algorithm{
		HS256, HS384, HS512,
		RS256, RS384, RS512,
		PS256, PS384, PS512,
		ES256, ES384, ES512,
	}
}

// ParseAlgorithm returns Algorithm by its JOSE name
func ParseAlgorithm(name string) (Algorithm, error) {
	alg := Algorithm{name: strings.TrimSpace(name)}
	if _, ok := algorithms[alg]; !ok {
		return Algorithm{}, NewError(KindBadConfig, "unsupported algorithm: %q", name)
	}
	return alg, nil
}

// ParseAlgorithms returns list of algorithms by names
func ParseAlgorithms(names []string) ([]Algorithm, error) {
	list := make([]Algorithm, 0, len(names))
	for _, n := range names {
		alg, err := ParseAlgorithm(n)
		if err != nil {
			return nil, err
		}
		list = append(list, alg)
	}
	return list, nil
}

// String returns the JOSE name of the algorithm
func (a Algorithm) String() string {
	return a.name
}

// IsValid returns true if the algorithm is one of the supported values
func (a Algorithm) IsValid() bool {
	_, ok := algorithms[a]
	return ok
}

// Family returns the algorithm family
func (a Algorithm) Family() Family {
	return algorithms[a].family
}

// Hash returns the digest algorithm
func (a Algorithm) Hash() crypto.Hash {
	return algorithms[a].hash
}

// MinSecretBytes returns minimum size of HMAC secret, or 0 for non-HMAC algorithms
func (a Algorithm) MinSecretBytes() int {
	if info := algorithms[a]; info.family == FamilyHMAC {
		return info.strength
	}
	return 0
}

// MinModulusBits returns minimum RSA modulus size, or 0 for non-RSA algorithms
func (a Algorithm) MinModulusBits() int {
	if info := algorithms[a]; info.family == FamilyRSA || info.family == FamilyRSAPSS {
		return info.strength
	}
	return 0
}

// MinSaltLength returns minimum RSA-PSS salt length, or 0 for other algorithms
func (a Algorithm) MinSaltLength() int {
	if info := algorithms[a]; info.family == FamilyRSAPSS {
		return info.hash.Size()
	}
	return 0
}

// Curve returns the required curve for ECDSA, or nil
func (a Algorithm) Curve() elliptic.Curve {
	return algorithms[a].curve
}

// SignatureSize returns the size of JOSE encoded ECDSA signature, or 0
func (a Algorithm) SignatureSize() int {
	return algorithms[a].sigSize
}

// IsDeterministic returns true if signing identical input yields identical signature
func (a Algorithm) IsDeterministic() bool {
	f := algorithms[a].family
	return f == FamilyHMAC || f == FamilyRSA
}

// IsSymmetric returns true for HMAC algorithms
func (a Algorithm) IsSymmetric() bool {
	return algorithms[a].family == FamilyHMAC
}

// MarshalJSON implements json.Marshaler
func (a Algorithm) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.name)
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Algorithm) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	alg, err := ParseAlgorithm(s)
	if err != nil {
		return err
	}
	*a = alg
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (a Algorithm) MarshalYAML() (any, error) {
	return a.name, nil
}

// UnmarshalText implements encoding.TextUnmarshaler,
// used by YAML decoder and CLI flags
func (a *Algorithm) UnmarshalText(b []byte) error {
	alg, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = alg
	return nil
}

// ContainsAlgorithm returns true if list contains alg
func ContainsAlgorithm(list []Algorithm, alg Algorithm) bool {
	for _, a := range list {
		if a == alg {
			return true
		}
	}
	return false
}
