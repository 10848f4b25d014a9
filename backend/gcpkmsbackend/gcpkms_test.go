package gcpkmsbackend_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"hash/crc32"
	"os"
	"strings"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/backend"
	"github.com/effective-security/xtoken/backend/gcpkmsbackend"
	"github.com/effective-security/xtoken/internal/testkeys"
	"github.com/effective-security/xtoken/jwt"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestMain(m *testing.M) {
	xlog.SetGlobalLogLevel(xlog.DEBUG)
	os.Exit(m.Run())
}

const keyRing = "projects/test/locations/global/keyRings/xtoken/cryptoKeys/"

func checksum(data []byte) *wrapperspb.Int64Value {
	return wrapperspb.Int64(int64(crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))))
}

type fakeVersion struct {
	version *kmspb.CryptoKeyVersion
	signer  crypto.Signer
	secret  []byte
}

// fakeKMS emulates Cloud KMS with in-process keys
type fakeKMS struct {
	versions map[string]*fakeVersion
	err      error
	// corrupt returns responses with wrong checksums
	corrupt bool
	closed  bool
}

func (f *fakeKMS) get(name string) (*fakeVersion, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.versions[name]
	if !ok {
		return nil, errors.Errorf("rpc error: code = NotFound desc = %s not found", name)
	}
	return v, nil
}

func (f *fakeKMS) sum(data []byte) *wrapperspb.Int64Value {
	if f.corrupt {
		return wrapperspb.Int64(0)
	}
	return checksum(data)
}

func (f *fakeKMS) GetCryptoKeyVersion(_ context.Context, req *kmspb.GetCryptoKeyVersionRequest, _ ...gax.CallOption) (*kmspb.CryptoKeyVersion, error) {
	v, err := f.get(req.GetName())
	if err != nil {
		return nil, err
	}
	return v.version, nil
}

func (f *fakeKMS) GetPublicKey(_ context.Context, req *kmspb.GetPublicKeyRequest, _ ...gax.CallOption) (*kmspb.PublicKey, error) {
	v, err := f.get(req.GetName())
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(v.signer.Public())
	if err != nil {
		return nil, err
	}
	p := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return &kmspb.PublicKey{
		Name:      req.GetName(),
		Pem:       p,
		PemCrc32C: f.sum([]byte(p)),
		Algorithm: v.version.GetAlgorithm(),
	}, nil
}

func (f *fakeKMS) AsymmetricSign(_ context.Context, req *kmspb.AsymmetricSignRequest, _ ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	v, err := f.get(req.GetName())
	if err != nil {
		return nil, err
	}

	d := req.GetDigest()
	var (
		digest []byte
		hash   crypto.Hash
	)
	switch {
	case d.GetSha256() != nil:
		digest, hash = d.GetSha256(), crypto.SHA256
	case d.GetSha384() != nil:
		digest, hash = d.GetSha384(), crypto.SHA384
	default:
		digest, hash = d.GetSha512(), crypto.SHA512
	}
	verified := checksum(digest).GetValue() == req.GetDigestCrc32C().GetValue()

	var sig []byte
	switch key := v.signer.(type) {
	case *rsa.PrivateKey:
		if strings.Contains(v.version.GetAlgorithm().String(), "PSS") {
			sig, err = rsa.SignPSS(rand.Reader, key, hash, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			sig, err = rsa.SignPKCS1v15(rand.Reader, key, hash, digest)
		}
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, key, digest)
	}
	if err != nil {
		return nil, err
	}
	return &kmspb.AsymmetricSignResponse{
		Name:                 req.GetName(),
		Signature:            sig,
		SignatureCrc32C:      f.sum(sig),
		VerifiedDigestCrc32C: verified,
	}, nil
}

func (f *fakeKMS) MacSign(_ context.Context, req *kmspb.MacSignRequest, _ ...gax.CallOption) (*kmspb.MacSignResponse, error) {
	v, err := f.get(req.GetName())
	if err != nil {
		return nil, err
	}
	mac := hmacSHA256(v.secret, req.GetData())
	return &kmspb.MacSignResponse{
		Name:               req.GetName(),
		Mac:                mac,
		MacCrc32C:          f.sum(mac),
		VerifiedDataCrc32C: checksum(req.GetData()).GetValue() == req.GetDataCrc32C().GetValue(),
	}, nil
}

func (f *fakeKMS) MacVerify(_ context.Context, req *kmspb.MacVerifyRequest, _ ...gax.CallOption) (*kmspb.MacVerifyResponse, error) {
	v, err := f.get(req.GetName())
	if err != nil {
		return nil, err
	}
	ok := hmac.Equal(req.GetMac(), hmacSHA256(v.secret, req.GetData()))
	return &kmspb.MacVerifyResponse{
		Name:                     req.GetName(),
		Success:                  ok,
		VerifiedDataCrc32C:       checksum(req.GetData()).GetValue() == req.GetDataCrc32C().GetValue(),
		VerifiedMacCrc32C:        checksum(req.GetMac()).GetValue() == req.GetMacCrc32C().GetValue(),
		VerifiedSuccessIntegrity: ok != f.corrupt,
	}, nil
}

func (f *fakeKMS) Close() error {
	f.closed = true
	return nil
}

func hmacSHA256(secret, data []byte) []byte {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write(data)
	return h.Sum(nil)
}

func version(name string, alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, signer crypto.Signer) *fakeVersion {
	return &fakeVersion{
		version: &kmspb.CryptoKeyVersion{
			Name:      keyRing + name,
			State:     kmspb.CryptoKeyVersion_ENABLED,
			Algorithm: alg,
		},
		signer: signer,
	}
}

func newFake() *fakeKMS {
	f := &fakeKMS{versions: map[string]*fakeVersion{}}
	for _, v := range []*fakeVersion{
		version("rs256/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256, testkeys.RSA(2048)),
		version("ps256/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_RSA_SIGN_PSS_2048_SHA256, testkeys.RSA(2048)),
		version("ps512/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA512, testkeys.RSA(4096)),
		version("es256/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, testkeys.EC(elliptic.P256())),
		version("es384/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384, testkeys.EC(elliptic.P384())),
		version("hs256/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_HMAC_SHA256, nil),
		version("weak/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256, testkeys.RSA(1024)),
		version("k1/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_EC_SIGN_SECP256K1_SHA256, nil),
		version("destroyed/cryptoKeyVersions/1", kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, testkeys.EC(elliptic.P256())),
	} {
		f.versions[v.version.Name] = v
	}
	f.versions[keyRing+"hs256/cryptoKeyVersions/1"].secret = []byte(testkeys.Secret(32))
	f.versions[keyRing+"destroyed/cryptoKeyVersions/1"].version.State = kmspb.CryptoKeyVersion_DESTROYED
	return f
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	b, err := gcpkmsbackend.New(ctx, fake, keyRing+"ps256/cryptoKeyVersions/1")
	require.NoError(t, err)
	assert.Equal(t, gcpkmsbackend.ProviderName, b.Name())
	assert.Equal(t, []jwt.Algorithm{jwt.PS256}, b.Enabled())
	assert.Equal(t, []jwt.Algorithm{jwt.PS256}, b.Supported())
	assert.Equal(t, keyRing+"ps256/cryptoKeyVersions/1", b.KeyName())
	assert.NotNil(t, b.Public())

	b, err = gcpkmsbackend.New(ctx, fake, keyRing+"hs256/cryptoKeyVersions/1", jwt.HS256)
	require.NoError(t, err)
	assert.Nil(t, b.Public())

	tcases := []struct {
		name string
		algs []jwt.Algorithm
		kind jwt.Kind
		err  string
	}{
		{"missing/cryptoKeyVersions/1", nil, jwt.KindService, ""},
		{"destroyed/cryptoKeyVersions/1", nil, jwt.KindInvalidKeyMaterial, "key version is not enabled, name=" + keyRing + "destroyed/cryptoKeyVersions/1, state=DESTROYED"},
		{"k1/cryptoKeyVersions/1", nil, jwt.KindInvalidKeyMaterial, "key algorithm EC_SIGN_SECP256K1_SHA256 is not supported, name=" + keyRing + "k1/cryptoKeyVersions/1"},
		{"weak/cryptoKeyVersions/1", nil, jwt.KindInvalidKeyMaterial, "RSA modulus is too weak for RS256: 1024 bits, required at least 2048"},
		{"es256/cryptoKeyVersions/1", []jwt.Algorithm{jwt.ES384}, jwt.KindInvalidKeyMaterial, "EC curve P-256 can not be used with ES384, P-384 required"},
		{"rs256/cryptoKeyVersions/1", []jwt.Algorithm{jwt.PS256}, jwt.KindBadConfig, "algorithm PS256 is not supported"},
		{"hs256/cryptoKeyVersions/1", []jwt.Algorithm{jwt.RS256}, jwt.KindInvalidKeyMaterial, "secret supplied where asymmetric key expected for RS256"},
	}
	for _, tc := range tcases {
		_, err := gcpkmsbackend.New(ctx, fake, keyRing+tc.name, tc.algs...)
		require.Error(t, err, tc.name)
		assert.Equal(t, tc.kind, jwt.KindOf(err), tc.name)
		if tc.err != "" {
			assert.EqualError(t, err, tc.err, tc.name)
		}
	}
}

func TestSignVerify(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	for _, name := range []string{"rs256", "ps256", "ps512", "es256", "es384", "hs256"} {
		b, err := gcpkmsbackend.New(ctx, fake, keyRing+name+"/cryptoKeyVersions/1")
		require.NoError(t, err, name)
		e := jwt.MustNew(b)
		alg := b.Enabled()[0]
		assert.Equal(t, strings.ToUpper(name), alg.String())

		token, claims, err := e.Sign(ctx, alg, jwt.Claims{"sub": "user_1"})
		require.NoError(t, err, name)

		res, err := e.Verify(ctx, token)
		require.NoError(t, err, name)
		assert.Equal(t, claims, res.Claims)

		parts := strings.Split(token, ".")
		sig, err := jwt.DecodeSegment(jwt.Segment(parts[2]))
		require.NoError(t, err)
		if size := alg.SignatureSize(); size > 0 {
			assert.Len(t, sig, size, name)
		}

		ok, err := b.VerifySignature(ctx, jwt.HeaderPayload(parts[0]+"."+parts[1]+"x"), sig, alg)
		require.NoError(t, err, name)
		assert.False(t, ok, name)

		_, err = e.Verify(ctx, parts[0]+"."+parts[1]+"."+string(jwt.EncodeSegment([]byte("bad"))))
		assert.True(t, jwt.IsKind(err, jwt.KindInvalidSignature), name)
	}
}

func TestServiceFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	for _, name := range []string{"es256", "hs256"} {
		b, err := gcpkmsbackend.New(ctx, fake, keyRing+name+"/cryptoKeyVersions/1")
		require.NoError(t, err)
		e := jwt.MustNew(b)
		alg := b.Enabled()[0]

		token, _, err := e.Sign(ctx, alg, jwt.Claims{})
		require.NoError(t, err)

		fake.corrupt = true
		_, _, err = e.Sign(ctx, alg, jwt.Claims{})
		require.Error(t, err)
		assert.True(t, jwt.IsKind(err, jwt.KindService), name)
		assert.Contains(t, err.Error(), "corrupted in-transit")
		fake.corrupt = false

		fake.err = errors.New("rpc error: code = Unavailable")
		_, _, err = e.Sign(ctx, alg, jwt.Claims{})
		require.Error(t, err)
		assert.True(t, jwt.IsKind(err, jwt.KindService), name)

		_, err = e.Verify(ctx, token)
		if alg.IsSymmetric() {
			assert.True(t, jwt.IsKind(err, jwt.KindService), name)
		} else {
			// verified locally with the public key
			assert.NoError(t, err, name)
		}
		fake.err = nil
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	t.Setenv(gcpkmsbackend.AccessTokenEnv, "token")

	factory := gcpkmsbackend.KmsClientFactory
	defer func() {
		gcpkmsbackend.KmsClientFactory = factory
	}()
	gcpkmsbackend.KmsClientFactory = func(_ context.Context, opts ...option.ClientOption) (gcpkmsbackend.KmsClient, error) {
		// endpoint and token source
		assert.Len(t, opts, 2)
		return fake, nil
	}

	assert.Contains(t, backend.Registered(), gcpkmsbackend.ProviderName)

	b, err := backend.Load(ctx, &backend.Config{
		Provider:   gcpkmsbackend.ProviderName,
		KeyID:      keyRing + "es256/cryptoKeyVersions/1",
		Attributes: "Endpoint=localhost:8443",
	})
	require.NoError(t, err)
	assert.Equal(t, []jwt.Algorithm{jwt.ES256}, b.Enabled())
	assert.False(t, fake.closed)

	_, err = backend.Load(ctx, &backend.Config{
		Provider:   gcpkmsbackend.ProviderName,
		KeyID:      keyRing + "es256/cryptoKeyVersions/1",
		Attributes: "Endpoint=localhost:8443",
		Algorithms: []string{"ES384"},
	})
	assert.True(t, jwt.IsKind(err, jwt.KindInvalidKeyMaterial))
	assert.True(t, fake.closed)

	_, err = backend.Load(ctx, &backend.Config{Provider: gcpkmsbackend.ProviderName})
	assert.EqualError(t, err, "key_id is required for GCPKMS backend")
}
