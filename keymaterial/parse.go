package keymaterial

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/jwt"
)

// KeyType is the type of asymmetric key
type KeyType string

// Key types
const (
	TypeRSA    KeyType = "RSA"
	TypeRSAPSS KeyType = "RSA-PSS"
	TypeEC     KeyType = "EC"
)

// Key is a parsed asymmetric key
type Key struct {
	Type KeyType
	// Public is *rsa.PublicKey or *ecdsa.PublicKey
	Public crypto.PublicKey
	// Private is *rsa.PrivateKey or *ecdsa.PrivateKey, nil for public keys
	Private crypto.Signer
	// PSS is set for RSA-PSS keys that declare parameters
	PSS *PSSParams
}

// IsPrivate returns true if the key has private part
func (k *Key) IsPrivate() bool {
	return k.Private != nil
}

// Size returns modulus size in bits for RSA keys, or curve size for EC keys
func (k *Key) Size() int {
	switch pub := k.Public.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen()
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize
	}
	return 0
}

// DefaultAlgorithm returns the algorithm the key naturally serves:
// RSA by modulus size, RSA-PSS by declared hash, EC by curve
func (k *Key) DefaultAlgorithm() jwt.Algorithm {
	switch k.Type {
	case TypeRSAPSS:
		if k.PSS != nil {
			switch k.PSS.Hash {
			case crypto.SHA512:
				return jwt.PS512
			case crypto.SHA384:
				return jwt.PS384
			}
		}
		return jwt.PS256
	case TypeEC:
		switch k.Public.(*ecdsa.PublicKey).Curve {
		case elliptic.P521():
			return jwt.ES512
		case elliptic.P384():
			return jwt.ES384
		default:
			return jwt.ES256
		}
	default:
		keySize := k.Size()
		switch {
		case keySize >= 4096:
			return jwt.RS512
		case keySize >= 3072:
			return jwt.RS384
		default:
			return jwt.RS256
		}
	}
}

// ParseKey parses private or public key from PEM or DER.
// For textual encodings the decoded bytes may be PEM or DER.
func ParseKey(km KeyMaterial) (*Key, error) {
	if km.IsEmpty() {
		return nil, invalid("key material is empty")
	}

	if km.Encoding == EncodingPEM || km.looksLikePEM() {
		return parsePEM(km.Data)
	}
	if km.Encoding == EncodingText {
		return nil, invalid("secret supplied where asymmetric key expected")
	}

	der, err := km.decode()
	if err != nil {
		return nil, invalidWrap(err, "unable to decode key")
	}
	if (KeyMaterial{Data: der}).looksLikePEM() {
		return parsePEM(der)
	}

	key, err := parseDER(der)
	if err != nil {
		if km.Encoding != EncodingDER && errors.Is(err, errUnknownEncoding) {
			// base64 or hex encoded bytes that are not a key
			return nil, invalidWrap(err, "secret supplied where asymmetric key expected")
		}
		return nil, invalidWrap(err, "unable to parse key")
	}
	return key, nil
}

func parsePEM(data []byte) (*Key, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, invalid("unable to decode PEM")
	}

	var (
		key *Key
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		var pvk *rsa.PrivateKey
		if pvk, err = x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			key = &Key{Type: TypeRSA, Public: &pvk.PublicKey, Private: pvk}
		}
	case "EC PRIVATE KEY":
		var pvk *ecdsa.PrivateKey
		if pvk, err = x509.ParseECPrivateKey(block.Bytes); err == nil {
			key = &Key{Type: TypeEC, Public: &pvk.PublicKey, Private: pvk}
		}
	case "RSA PUBLIC KEY":
		var pub *rsa.PublicKey
		if pub, err = x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
			key = &Key{Type: TypeRSA, Public: pub}
		}
	case "PRIVATE KEY", "PUBLIC KEY":
		key, err = parseDER(block.Bytes)
	case "CERTIFICATE":
		var crt *x509.Certificate
		if crt, err = x509.ParseCertificate(block.Bytes); err == nil {
			key, err = publicKey(crt.PublicKey)
		}
	default:
		if strings.Contains(block.Type, "ENCRYPTED") {
			return nil, invalid("encrypted keys are not supported")
		}
		return nil, invalid("unsupported PEM type: %q", block.Type)
	}
	if err != nil {
		return nil, invalidWrap(err, "unable to parse %s", strings.ToLower(block.Type))
	}
	return key, nil
}

// parseDER tries private key encodings first, then public
func parseDER(der []byte) (*Key, error) {
	if pvk, params, ok, err := parsePKCS8PSS(der); ok {
		if err != nil {
			return nil, err
		}
		return &Key{Type: TypeRSAPSS, Public: &pvk.PublicKey, Private: pvk, PSS: params}, nil
	}
	if pub, params, ok, err := parseSPKIPSS(der); ok {
		if err != nil {
			return nil, err
		}
		return &Key{Type: TypeRSAPSS, Public: pub, PSS: params}, nil
	}

	if pvk, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return privateKey(pvk)
	}
	if pvk, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return &Key{Type: TypeRSA, Public: &pvk.PublicKey, Private: pvk}, nil
	}
	if pvk, err := x509.ParseECPrivateKey(der); err == nil {
		return &Key{Type: TypeEC, Public: &pvk.PublicKey, Private: pvk}, nil
	}
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		return publicKey(pub)
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return &Key{Type: TypeRSA, Public: pub}, nil
	}
	return nil, errUnknownEncoding
}

var errUnknownEncoding = errors.New("unsupported key encoding")

func privateKey(pvk any) (*Key, error) {
	switch k := pvk.(type) {
	case *rsa.PrivateKey:
		return &Key{Type: TypeRSA, Public: &k.PublicKey, Private: k}, nil
	case *ecdsa.PrivateKey:
		return &Key{Type: TypeEC, Public: &k.PublicKey, Private: k}, nil
	}
	return nil, errors.Errorf("unsupported key type: %T", pvk)
}

func publicKey(pub any) (*Key, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return &Key{Type: TypeRSA, Public: k}, nil
	case *ecdsa.PublicKey:
		return &Key{Type: TypeEC, Public: k}, nil
	}
	return nil, errors.Errorf("unsupported key type: %T", pub)
}
