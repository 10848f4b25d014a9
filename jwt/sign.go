package jwt

import (
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// ECDSASignatureToJOSE converts ASN.1 DER signature, as returned by
// crypto.Signer and KMS services, to the fixed size r||s form
func ECDSASignatureToJOSE(alg Algorithm, der []byte) ([]byte, error) {
	size := alg.SignatureSize()
	if size == 0 {
		return nil, NewError(KindBadConfig, "algorithm %s is not ECDSA", alg)
	}

	var (
		r, s  = &big.Int{}, &big.Int{}
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, NewError(KindInvalidSignature, "unable to decode ECDSA signature")
	}

	keyBytes := size / 2
	if r.Sign() < 0 || s.Sign() < 0 || r.BitLen() > keyBytes*8 || s.BitLen() > keyBytes*8 {
		return nil, NewError(KindInvalidSignature, "invalid ECDSA signature for %s", alg)
	}

	// r and s are big-endian, left padded with zeros
	out := make([]byte, size)
	r.FillBytes(out[:keyBytes])
	s.FillBytes(out[keyBytes:])
	return out, nil
}

// ECDSASignatureToDER converts r||s signature to ASN.1 DER form
func ECDSASignatureToDER(alg Algorithm, sig []byte) ([]byte, error) {
	size := alg.SignatureSize()
	if size == 0 {
		return nil, NewError(KindBadConfig, "algorithm %s is not ECDSA", alg)
	}
	if len(sig) != size {
		return nil, NewError(KindInvalidSignature, "invalid ECDSA signature length for %s: %d", alg, len(sig))
	}

	keyBytes := size / 2
	r := new(big.Int).SetBytes(sig[:keyBytes])
	s := new(big.Int).SetBytes(sig[keyBytes:])

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, WrapError(KindInvalidSignature, err, "unable to encode ECDSA signature")
	}
	return der, nil
}
