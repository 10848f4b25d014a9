// Package testkeys provides cached keys for tests
package testkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"

	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/keymaterial"
)

var (
	lock    sync.Mutex
	rsaKeys = map[int]*rsa.PrivateKey{}
	ecKeys  = map[string]*ecdsa.PrivateKey{}
)

// RSA returns cached RSA key of the size
func RSA(bits int) *rsa.PrivateKey {
	lock.Lock()
	defer lock.Unlock()
	if k, ok := rsaKeys[bits]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		panic(err)
	}
	rsaKeys[bits] = k
	return k
}

// EC returns cached EC key on the curve
func EC(curve elliptic.Curve) *ecdsa.PrivateKey {
	lock.Lock()
	defer lock.Unlock()
	name := curve.Params().Name
	if k, ok := ecKeys[name]; ok {
		return k
	}
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		panic(err)
	}
	ecKeys[name] = k
	return k
}

// PrivatePEM returns PKCS#8 PEM
func PrivatePEM(key crypto.Signer) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// PublicPEM returns SPKI PEM
func PublicPEM(pub crypto.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// PSSParams returns params matching alg
func PSSParams(alg jwt.Algorithm) keymaterial.PSSParams {
	return keymaterial.PSSParams{
		Hash:       alg.Hash(),
		MGF1Hash:   alg.Hash(),
		SaltLength: alg.MinSaltLength(),
	}
}

// PSSPrivatePEM returns PKCS#8 PEM of RSASSA-PSS key
func PSSPrivatePEM(key *rsa.PrivateKey, params keymaterial.PSSParams) []byte {
	der, err := keymaterial.MarshalPSSPrivateKey(key, params)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// PSSPublicPEM returns SPKI PEM of RSASSA-PSS key
func PSSPublicPEM(key *rsa.PublicKey, params keymaterial.PSSParams) []byte {
	der, err := keymaterial.MarshalPSSPublicKey(key, params)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// Secret returns text secret of n bytes
func Secret(n int) string {
	return strings.Repeat("s", n)
}

// ForAlgorithm returns key material of the minimum strength for alg:
// secret for HS, PKCS#8 PEM for others
func ForAlgorithm(alg jwt.Algorithm) keymaterial.KeyMaterial {
	switch alg.Family() {
	case jwt.FamilyHMAC:
		return keymaterial.Text(Secret(alg.MinSecretBytes()))
	case jwt.FamilyRSA:
		return keymaterial.PEM(PrivatePEM(RSA(alg.MinModulusBits())))
	case jwt.FamilyRSAPSS:
		return keymaterial.PEM(PSSPrivatePEM(RSA(alg.MinModulusBits()), PSSParams(alg)))
	default:
		return keymaterial.PEM(PrivatePEM(EC(alg.Curve())))
	}
}
