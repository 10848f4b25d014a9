package keymaterial

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	encoding_asn1 "encoding/asn1"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Object identifiers
var (
	oidRSAEncryption = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidRSASSAPSS     = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	oidMGF1          = encoding_asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}

	oidSHA1   = encoding_asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = encoding_asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = encoding_asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = encoding_asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

var hashOIDs = []struct {
	oid  encoding_asn1.ObjectIdentifier
	hash crypto.Hash
}{
	{oidSHA1, crypto.SHA1},
	{oidSHA256, crypto.SHA256},
	{oidSHA384, crypto.SHA384},
	{oidSHA512, crypto.SHA512},
}

func hashByOID(oid encoding_asn1.ObjectIdentifier) crypto.Hash {
	for _, h := range hashOIDs {
		if h.oid.Equal(oid) {
			return h.hash
		}
	}
	return 0
}

func oidByHash(hash crypto.Hash) encoding_asn1.ObjectIdentifier {
	for _, h := range hashOIDs {
		if h.hash == hash {
			return h.oid
		}
	}
	return nil
}

// PSSParams are RSASSA-PSS restrictions declared by a key
type PSSParams struct {
	Hash       crypto.Hash
	MGF1Hash   crypto.Hash
	SaltLength int
}

var (
	tagHash    = asn1.Tag(0).ContextSpecific().Constructed()
	tagMGF     = asn1.Tag(1).ContextSpecific().Constructed()
	tagSalt    = asn1.Tag(2).ContextSpecific().Constructed()
	tagTrailer = asn1.Tag(3).ContextSpecific().Constructed()
)

// readAlgorithmIdentifier reads AlgorithmIdentifier and returns OID and
// the raw parameters element, if present
func readAlgorithmIdentifier(input *cryptobyte.String) (encoding_asn1.ObjectIdentifier, cryptobyte.String, bool) {
	var (
		algID  cryptobyte.String
		oid    encoding_asn1.ObjectIdentifier
		params cryptobyte.String
	)
	if !input.ReadASN1(&algID, asn1.SEQUENCE) ||
		!algID.ReadASN1ObjectIdentifier(&oid) {
		return nil, nil, false
	}
	if !algID.Empty() {
		params = algID
	}
	return oid, params, true
}

// parsePSSParams parses RSASSA-PSS-params,
// nil params are reported as missing
func parsePSSParams(params cryptobyte.String) (*PSSParams, error) {
	if len(params) == 0 {
		return nil, nil
	}

	// RFC 4055 defaults
	p := &PSSParams{
		Hash:       crypto.SHA1,
		MGF1Hash:   crypto.SHA1,
		SaltLength: 20,
	}

	var seq cryptobyte.String
	if !params.ReadASN1(&seq, asn1.SEQUENCE) {
		if params.PeekASN1Tag(asn1.NULL) {
			return nil, nil
		}
		return nil, errors.New("invalid RSASSA-PSS parameters")
	}

	var (
		field   cryptobyte.String
		present bool
	)
	if !seq.ReadOptionalASN1(&field, &present, tagHash) {
		return nil, errors.New("invalid RSASSA-PSS hash algorithm")
	}
	if present {
		oid, _, ok := readAlgorithmIdentifier(&field)
		if !ok {
			return nil, errors.New("invalid RSASSA-PSS hash algorithm")
		}
		p.Hash = hashByOID(oid)
		if p.Hash == 0 {
			return nil, errors.Errorf("unsupported RSASSA-PSS hash algorithm: %s", oid)
		}
	}

	if !seq.ReadOptionalASN1(&field, &present, tagMGF) {
		return nil, errors.New("invalid RSASSA-PSS mask generation algorithm")
	}
	if present {
		oid, mgfParams, ok := readAlgorithmIdentifier(&field)
		if !ok || !oid.Equal(oidMGF1) {
			return nil, errors.New("unsupported RSASSA-PSS mask generation algorithm")
		}
		hashOID, _, ok := readAlgorithmIdentifier(&mgfParams)
		if !ok {
			return nil, errors.New("invalid MGF1 hash algorithm")
		}
		p.MGF1Hash = hashByOID(hashOID)
		if p.MGF1Hash == 0 {
			return nil, errors.Errorf("unsupported MGF1 hash algorithm: %s", hashOID)
		}
	}

	if !seq.ReadOptionalASN1(&field, &present, tagSalt) {
		return nil, errors.New("invalid RSASSA-PSS salt length")
	}
	if present {
		if !field.ReadASN1Integer(&p.SaltLength) || p.SaltLength < 0 {
			return nil, errors.New("invalid RSASSA-PSS salt length")
		}
	}

	if !seq.SkipOptionalASN1(tagTrailer) || !seq.Empty() {
		return nil, errors.New("invalid RSASSA-PSS parameters")
	}
	return p, nil
}

// parsePKCS8PSS parses PKCS#8 PrivateKeyInfo with RSASSA-PSS algorithm.
// ok is false if der is not PKCS#8 with RSASSA-PSS OID.
func parsePKCS8PSS(der []byte) (key *rsa.PrivateKey, params *PSSParams, ok bool, err error) {
	var (
		input   = cryptobyte.String(der)
		info    cryptobyte.String
		version int
		pkey    cryptobyte.String
	)
	if !input.ReadASN1(&info, asn1.SEQUENCE) ||
		!input.Empty() ||
		!info.ReadASN1Integer(&version) {
		return nil, nil, false, nil
	}
	oid, rawParams, valid := readAlgorithmIdentifier(&info)
	if !valid || !oid.Equal(oidRSASSAPSS) {
		return nil, nil, false, nil
	}
	if !info.ReadASN1(&pkey, asn1.OCTET_STRING) {
		return nil, nil, true, errors.New("invalid PKCS#8 private key")
	}

	params, err = parsePSSParams(rawParams)
	if err != nil {
		return nil, nil, true, err
	}

	key, err = x509.ParsePKCS1PrivateKey(pkey)
	if err != nil {
		return nil, nil, true, errors.WithStack(err)
	}
	return key, params, true, nil
}

// parseSPKIPSS parses SubjectPublicKeyInfo with RSASSA-PSS algorithm.
// ok is false if der is not SPKI with RSASSA-PSS OID.
func parseSPKIPSS(der []byte) (key *rsa.PublicKey, params *PSSParams, ok bool, err error) {
	var (
		input = cryptobyte.String(der)
		spki  cryptobyte.String
		bits  encoding_asn1.BitString
	)
	if !input.ReadASN1(&spki, asn1.SEQUENCE) || !input.Empty() {
		return nil, nil, false, nil
	}
	oid, rawParams, valid := readAlgorithmIdentifier(&spki)
	if !valid || !oid.Equal(oidRSASSAPSS) {
		return nil, nil, false, nil
	}
	if !spki.ReadASN1BitString(&bits) || bits.BitLength%8 != 0 {
		return nil, nil, true, errors.New("invalid public key")
	}

	params, err = parsePSSParams(rawParams)
	if err != nil {
		return nil, nil, true, err
	}

	key, err = x509.ParsePKCS1PublicKey(bits.Bytes)
	if err != nil {
		return nil, nil, true, errors.WithStack(err)
	}
	return key, params, true, nil
}

func addPSSAlgorithmIdentifier(b *cryptobyte.Builder, params PSSParams) {
	hashAlgID := func(b *cryptobyte.Builder, hash crypto.Hash) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidByHash(hash))
			b.AddASN1NULL()
		})
	}

	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidRSASSAPSS)
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(tagHash, func(b *cryptobyte.Builder) {
				hashAlgID(b, params.Hash)
			})
			b.AddASN1(tagMGF, func(b *cryptobyte.Builder) {
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oidMGF1)
					hashAlgID(b, params.MGF1Hash)
				})
			})
			b.AddASN1(tagSalt, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(int64(params.SaltLength))
			})
		})
	})
}

func (p PSSParams) check() error {
	if oidByHash(p.Hash) == nil || oidByHash(p.MGF1Hash) == nil {
		return errors.New("unsupported RSASSA-PSS hash")
	}
	if p.SaltLength < 0 {
		return errors.New("invalid RSASSA-PSS salt length")
	}
	return nil
}

// MarshalPSSPrivateKey returns PKCS#8 DER encoding of RSA key
// restricted to RSASSA-PSS with params
func MarshalPSSPrivateKey(key *rsa.PrivateKey, params PSSParams) ([]byte, error) {
	if err := params.check(); err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		addPSSAlgorithmIdentifier(b, params)
		b.AddASN1OctetString(x509.MarshalPKCS1PrivateKey(key))
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return der, nil
}

// MarshalPSSPublicKey returns SubjectPublicKeyInfo DER encoding of RSA key
// restricted to RSASSA-PSS with params
func MarshalPSSPublicKey(key *rsa.PublicKey, params PSSParams) ([]byte, error) {
	if err := params.check(); err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addPSSAlgorithmIdentifier(b, params)
		b.AddASN1BitString(x509.MarshalPKCS1PublicKey(key))
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return der, nil
}
