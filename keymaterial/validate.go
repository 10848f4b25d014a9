package keymaterial

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"

	"github.com/effective-security/xtoken/jwt"
)

// ValidateSecret decodes the secret and checks it is long enough for alg
func ValidateSecret(alg jwt.Algorithm, km KeyMaterial) ([]byte, error) {
	if !alg.IsSymmetric() {
		return nil, invalid("secret supplied where asymmetric key expected for %s", alg)
	}
	if km.Encoding == EncodingPEM || km.Encoding == EncodingDER || km.looksLikePEM() {
		return nil, invalid("asymmetric key supplied where secret expected for %s", alg)
	}

	secret, err := km.decode()
	if err != nil {
		return nil, invalidWrap(err, "unable to decode secret")
	}
	if km.Encoding != EncodingText {
		if _, err := parseDER(secret); err == nil {
			return nil, invalid("asymmetric key supplied where secret expected for %s", alg)
		}
	}
	if bytes.Contains(secret, []byte("-----BEGIN ")) {
		return nil, invalid("asymmetric key supplied where secret expected for %s", alg)
	}

	if required := alg.MinSecretBytes(); len(secret) < required {
		return nil, invalid("secret is too short for %s: %d bytes, required at least %d", alg, len(secret), required)
	}
	return secret, nil
}

// ValidatePrivateKey parses the private key and checks it can serve alg
func ValidatePrivateKey(alg jwt.Algorithm, km KeyMaterial) (*Key, error) {
	if alg.IsSymmetric() {
		return nil, invalid("asymmetric key supplied where secret expected for %s", alg)
	}
	key, err := ParseKey(km)
	if err != nil {
		return nil, err
	}
	if !key.IsPrivate() {
		return nil, invalid("public key supplied where private key expected for %s", alg)
	}
	if err = CheckKey(alg, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidatePublicKey parses the public key and checks it can serve alg
func ValidatePublicKey(alg jwt.Algorithm, km KeyMaterial) (*Key, error) {
	if alg.IsSymmetric() {
		return nil, invalid("asymmetric key supplied where secret expected for %s", alg)
	}
	key, err := ParseKey(km)
	if err != nil {
		return nil, err
	}
	if key.IsPrivate() {
		return nil, invalid("private key supplied where public key expected for %s", alg)
	}
	if err = CheckKey(alg, key); err != nil {
		return nil, err
	}
	return key, nil
}

// CheckKey returns InvalidKeyMaterial error if the key
// does not meet the requirements of alg
func CheckKey(alg jwt.Algorithm, key *Key) error {
	switch alg.Family() {
	case jwt.FamilyRSA:
		if key.Type != TypeRSA {
			return invalid("%s key can not be used with %s, RSA key required", key.Type, alg)
		}
		return checkModulus(alg, key.Public)
	case jwt.FamilyRSAPSS:
		if key.Type != TypeRSAPSS {
			return invalid("%s key can not be used with %s, RSA-PSS key required", key.Type, alg)
		}
		if err := checkModulus(alg, key.Public); err != nil {
			return err
		}
		return CheckPSSParams(alg, key.PSS)
	case jwt.FamilyECDSA:
		if key.Type != TypeEC {
			return invalid("%s key can not be used with %s, EC key required", key.Type, alg)
		}
		return checkCurve(alg, key.Public)
	case jwt.FamilyHMAC:
		return invalid("asymmetric key supplied where secret expected for %s", alg)
	}
	return jwt.NewError(jwt.KindBadConfig, "unsupported algorithm: %q", alg.String())
}

// CheckPSSParams checks the parameters declared by RSA-PSS key
func CheckPSSParams(alg jwt.Algorithm, params *PSSParams) error {
	if params == nil {
		return invalid("RSA-PSS key parameters are missing, %s requires restricted key", alg)
	}
	if params.Hash != alg.Hash() {
		return invalid("RSA-PSS key hash %s does not match %s", params.Hash, alg)
	}
	if params.MGF1Hash != alg.Hash() {
		return invalid("RSA-PSS key MGF1 hash %s does not match %s", params.MGF1Hash, alg)
	}
	if required := alg.MinSaltLength(); params.SaltLength < required {
		return invalid("RSA-PSS salt length is too short for %s: %d, required at least %d", alg, params.SaltLength, required)
	}
	return nil
}

// ValidateRemotePublicKey checks the public key of a key held by a remote
// service. RSA keys are accepted for RS and PS algorithms, the padding is
// enforced by the service.
func ValidateRemotePublicKey(alg jwt.Algorithm, pub crypto.PublicKey) error {
	switch alg.Family() {
	case jwt.FamilyRSA, jwt.FamilyRSAPSS:
		if _, ok := pub.(*rsa.PublicKey); !ok {
			return invalid("%T key can not be used with %s, RSA key required", pub, alg)
		}
		return checkModulus(alg, pub)
	case jwt.FamilyECDSA:
		if _, ok := pub.(*ecdsa.PublicKey); !ok {
			return invalid("%T key can not be used with %s, EC key required", pub, alg)
		}
		return checkCurve(alg, pub)
	case jwt.FamilyHMAC:
		return invalid("public key supplied where secret expected for %s", alg)
	}
	return jwt.NewError(jwt.KindBadConfig, "unsupported algorithm: %q", alg.String())
}

func checkModulus(alg jwt.Algorithm, pub crypto.PublicKey) error {
	bits := pub.(*rsa.PublicKey).N.BitLen()
	if required := alg.MinModulusBits(); bits < required {
		return invalid("RSA modulus is too weak for %s: %d bits, required at least %d", alg, bits, required)
	}
	return nil
}

func checkCurve(alg jwt.Algorithm, pub crypto.PublicKey) error {
	curve := pub.(*ecdsa.PublicKey).Curve
	if curve != alg.Curve() {
		return invalid("EC curve %s can not be used with %s, %s required", curve.Params().Name, alg, alg.Curve().Params().Name)
	}
	return nil
}
