package awskmsbackend_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/backend"
	"github.com/effective-security/xtoken/backend/awskmsbackend"
	"github.com/effective-security/xtoken/backend/localbackend"
	"github.com/effective-security/xtoken/internal/testkeys"
	"github.com/effective-security/xtoken/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	xlog.SetGlobalLogLevel(xlog.DEBUG)
	os.Exit(m.Run())
}

var specHash = map[types.SigningAlgorithmSpec]crypto.Hash{
	types.SigningAlgorithmSpecRsassaPkcs1V15Sha256: crypto.SHA256,
	types.SigningAlgorithmSpecRsassaPkcs1V15Sha384: crypto.SHA384,
	types.SigningAlgorithmSpecRsassaPkcs1V15Sha512: crypto.SHA512,
	types.SigningAlgorithmSpecRsassaPssSha256:      crypto.SHA256,
	types.SigningAlgorithmSpecRsassaPssSha384:      crypto.SHA384,
	types.SigningAlgorithmSpecRsassaPssSha512:      crypto.SHA512,
	types.SigningAlgorithmSpecEcdsaSha256:          crypto.SHA256,
	types.SigningAlgorithmSpecEcdsaSha384:          crypto.SHA384,
	types.SigningAlgorithmSpecEcdsaSha512:          crypto.SHA512,
}

var macHash = map[types.MacAlgorithmSpec]crypto.Hash{
	types.MacAlgorithmSpecHmacSha256: crypto.SHA256,
	types.MacAlgorithmSpecHmacSha384: crypto.SHA384,
	types.MacAlgorithmSpecHmacSha512: crypto.SHA512,
}

type fakeKey struct {
	meta   types.KeyMetadata
	signer crypto.Signer
	secret []byte
}

// fakeKMS emulates KMS with in-process keys
type fakeKMS struct {
	keys map[string]*fakeKey
	err  error
}

func (f *fakeKMS) key(id *string) (*fakeKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	k, ok := f.keys[aws.ToString(id)]
	if !ok {
		return nil, &types.NotFoundException{Message: aws.String("key not found")}
	}
	return k, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	k, err := f.key(in.KeyId)
	if err != nil {
		return nil, err
	}
	meta := k.meta
	return &kms.DescribeKeyOutput{KeyMetadata: &meta}, nil
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	k, err := f.key(in.KeyId)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(k.signer.Public())
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{
		KeyId:             in.KeyId,
		PublicKey:         der,
		SigningAlgorithms: k.meta.SigningAlgorithms,
	}, nil
}

func (f *fakeKMS) Sign(_ context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	k, err := f.key(in.KeyId)
	if err != nil {
		return nil, err
	}
	if in.MessageType != types.MessageTypeDigest {
		return nil, errors.New("digest expected")
	}
	hash := specHash[in.SigningAlgorithm]

	var sig []byte
	switch key := k.signer.(type) {
	case *rsa.PrivateKey:
		if strings.Contains(string(in.SigningAlgorithm), "PSS") {
			sig, err = rsa.SignPSS(rand.Reader, key, hash, in.Message, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			sig, err = rsa.SignPKCS1v15(rand.Reader, key, hash, in.Message)
		}
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, key, in.Message)
	}
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{KeyId: in.KeyId, Signature: sig, SigningAlgorithm: in.SigningAlgorithm}, nil
}

func (f *fakeKMS) Verify(_ context.Context, in *kms.VerifyInput, _ ...func(*kms.Options)) (*kms.VerifyOutput, error) {
	k, err := f.key(in.KeyId)
	if err != nil {
		return nil, err
	}
	hash := specHash[in.SigningAlgorithm]

	switch pub := k.signer.Public().(type) {
	case *rsa.PublicKey:
		if strings.Contains(string(in.SigningAlgorithm), "PSS") {
			err = rsa.VerifyPSS(pub, hash, in.Message, in.Signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			err = rsa.VerifyPKCS1v15(pub, hash, in.Message, in.Signature)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, in.Message, in.Signature) {
			err = errors.New("invalid")
		}
	}
	if err != nil {
		return nil, &types.KMSInvalidSignatureException{Message: aws.String("invalid signature")}
	}
	return &kms.VerifyOutput{KeyId: in.KeyId, SignatureValid: true}, nil
}

func (f *fakeKMS) mac(k *fakeKey, spec types.MacAlgorithmSpec, msg []byte) []byte {
	h := hmac.New(macHash[spec].New, k.secret)
	_, _ = h.Write(msg)
	return h.Sum(nil)
}

func (f *fakeKMS) GenerateMac(_ context.Context, in *kms.GenerateMacInput, _ ...func(*kms.Options)) (*kms.GenerateMacOutput, error) {
	k, err := f.key(in.KeyId)
	if err != nil {
		return nil, err
	}
	return &kms.GenerateMacOutput{KeyId: in.KeyId, Mac: f.mac(k, in.MacAlgorithm, in.Message), MacAlgorithm: in.MacAlgorithm}, nil
}

func (f *fakeKMS) VerifyMac(_ context.Context, in *kms.VerifyMacInput, _ ...func(*kms.Options)) (*kms.VerifyMacOutput, error) {
	k, err := f.key(in.KeyId)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(in.Mac, f.mac(k, in.MacAlgorithm, in.Message)) {
		return nil, &types.KMSInvalidMacException{Message: aws.String("invalid MAC")}
	}
	return &kms.VerifyMacOutput{KeyId: in.KeyId, MacValid: true}, nil
}

func signKey(signer crypto.Signer, specs ...types.SigningAlgorithmSpec) *fakeKey {
	return &fakeKey{
		meta: types.KeyMetadata{
			Enabled:           true,
			KeyState:          types.KeyStateEnabled,
			KeyUsage:          types.KeyUsageTypeSignVerify,
			SigningAlgorithms: specs,
			Description:       aws.String("test key"),
		},
		signer: signer,
	}
}

func newFake() *fakeKMS {
	hmacKey := &fakeKey{
		meta: types.KeyMetadata{
			Enabled:       true,
			KeyState:      types.KeyStateEnabled,
			KeyUsage:      types.KeyUsageTypeGenerateVerifyMac,
			MacAlgorithms: []types.MacAlgorithmSpec{types.MacAlgorithmSpecHmacSha256, types.MacAlgorithmSpecHmacSha512},
		},
		secret: []byte(testkeys.Secret(64)),
	}
	disabled := signKey(testkeys.EC(elliptic.P256()), types.SigningAlgorithmSpecEcdsaSha256)
	disabled.meta.Enabled = false
	disabled.meta.KeyState = types.KeyStateDisabled

	encrypt := signKey(testkeys.RSA(2048))
	encrypt.meta.KeyUsage = types.KeyUsageTypeEncryptDecrypt

	return &fakeKMS{
		keys: map[string]*fakeKey{
			"rsa": signKey(testkeys.RSA(4096),
				types.SigningAlgorithmSpecRsassaPssSha256,
				types.SigningAlgorithmSpecRsassaPssSha384,
				types.SigningAlgorithmSpecRsassaPssSha512,
				types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
				types.SigningAlgorithmSpecRsassaPkcs1V15Sha384,
				types.SigningAlgorithmSpecRsassaPkcs1V15Sha512,
			),
			"rsa1024":  signKey(testkeys.RSA(1024), types.SigningAlgorithmSpecRsassaPkcs1V15Sha256),
			"ec256":    signKey(testkeys.EC(elliptic.P256()), types.SigningAlgorithmSpecEcdsaSha256),
			"ec384":    signKey(testkeys.EC(elliptic.P384()), types.SigningAlgorithmSpecEcdsaSha384),
			"ec521":    signKey(testkeys.EC(elliptic.P521()), types.SigningAlgorithmSpecEcdsaSha512),
			"hmac":     hmacKey,
			"disabled": disabled,
			"encrypt":  encrypt,
		},
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	b, err := awskmsbackend.New(ctx, fake, "rsa")
	require.NoError(t, err)
	assert.Equal(t, awskmsbackend.ProviderName, b.Name())
	assert.Equal(t, "rsa", b.KeyID())
	assert.Equal(t, []jwt.Algorithm{jwt.RS256}, b.Enabled())
	assert.Equal(t, []jwt.Algorithm{jwt.RS256, jwt.RS384, jwt.RS512, jwt.PS256, jwt.PS384, jwt.PS512}, b.Supported())
	assert.NotNil(t, b.Public())

	b, err = awskmsbackend.New(ctx, fake, "hmac")
	require.NoError(t, err)
	assert.Equal(t, []jwt.Algorithm{jwt.HS256, jwt.HS512}, b.Supported())
	assert.Nil(t, b.Public())

	tcases := []struct {
		keyID string
		algs  []jwt.Algorithm
		kind  jwt.Kind
		err   string
	}{
		{"missing", nil, jwt.KindService, "failed to describe key, id=missing: NotFoundException: key not found"},
		{"disabled", nil, jwt.KindInvalidKeyMaterial, "key is not enabled, id=disabled, state=Disabled"},
		{"encrypt", nil, jwt.KindInvalidKeyMaterial, "key usage ENCRYPT_DECRYPT can not be used for signing, id=encrypt"},
		{"rsa1024", nil, jwt.KindInvalidKeyMaterial, "RSA modulus is too weak for RS256: 1024 bits, required at least 2048"},
		{"ec256", []jwt.Algorithm{jwt.ES384}, jwt.KindInvalidKeyMaterial, "EC curve P-256 can not be used with ES384, P-384 required"},
		{"ec256", []jwt.Algorithm{jwt.RS256}, jwt.KindInvalidKeyMaterial, "*ecdsa.PublicKey key can not be used with RS256, RSA key required"},
		{"ec256", []jwt.Algorithm{jwt.HS256}, jwt.KindInvalidKeyMaterial, "public key supplied where secret expected for HS256"},
		{"hmac", []jwt.Algorithm{jwt.ES256}, jwt.KindInvalidKeyMaterial, "secret supplied where asymmetric key expected for ES256"},
		{"hmac", []jwt.Algorithm{jwt.HS384}, jwt.KindBadConfig, "algorithm HS384 is not supported"},
	}
	for _, tc := range tcases {
		_, err := awskmsbackend.New(ctx, fake, tc.keyID, tc.algs...)
		require.Error(t, err, tc.keyID)
		assert.Equal(t, tc.kind, jwt.KindOf(err), tc.keyID)
		assert.EqualError(t, err, tc.err, tc.keyID)
	}
}

func TestSignVerify(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	tcases := []struct {
		keyID string
		algs  []jwt.Algorithm
	}{
		{"rsa", []jwt.Algorithm{jwt.RS256, jwt.RS384, jwt.RS512, jwt.PS256, jwt.PS384, jwt.PS512}},
		{"ec256", []jwt.Algorithm{jwt.ES256}},
		{"ec384", []jwt.Algorithm{jwt.ES384}},
		{"ec521", []jwt.Algorithm{jwt.ES512}},
		{"hmac", []jwt.Algorithm{jwt.HS256, jwt.HS512}},
	}
	for _, tc := range tcases {
		b, err := awskmsbackend.New(ctx, fake, tc.keyID, tc.algs...)
		require.NoError(t, err)
		e := jwt.MustNew(b)

		for _, alg := range tc.algs {
			token, claims, err := e.Sign(ctx, alg, jwt.Claims{"sub": "user_1"})
			require.NoError(t, err, alg.String())

			res, err := e.Verify(ctx, token)
			require.NoError(t, err, alg.String())
			assert.Equal(t, claims, res.Claims)

			parts := strings.Split(token, ".")
			sig, err := jwt.DecodeSegment(jwt.Segment(parts[2]))
			require.NoError(t, err)
			if size := alg.SignatureSize(); size > 0 {
				assert.Len(t, sig, size, alg.String())
			}

			hp := jwt.HeaderPayload(parts[0] + "." + parts[1])
			if !alg.IsSymmetric() {
				// signatures produced by KMS verify with the public key alone
				assert.True(t, localbackend.VerifyWithKey(hp, sig, alg, b.Public()), alg.String())
			}

			ok, err := b.VerifySignature(ctx, hp+"x", sig, alg)
			require.NoError(t, err, alg.String())
			assert.False(t, ok, alg.String())

			_, err = e.Verify(ctx, parts[0]+"."+parts[1]+"."+string(jwt.EncodeSegment([]byte("bad"))))
			assert.True(t, jwt.IsKind(err, jwt.KindInvalidSignature), alg.String())
		}
	}
}

func TestServiceFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	for _, keyID := range []string{"ec256", "hmac"} {
		b, err := awskmsbackend.New(ctx, fake, keyID)
		require.NoError(t, err)
		e := jwt.MustNew(b)
		alg := b.Enabled()[0]

		token, _, err := e.Sign(ctx, alg, jwt.Claims{})
		require.NoError(t, err)

		fake.err = errors.New("connection refused")

		_, _, err = e.Sign(ctx, alg, jwt.Claims{})
		require.Error(t, err)
		assert.True(t, jwt.IsKind(err, jwt.KindService), keyID)
		assert.Contains(t, err.Error(), "connection refused")

		_, err = e.Verify(ctx, token)
		require.Error(t, err)
		assert.True(t, jwt.IsKind(err, jwt.KindService), keyID)

		fake.err = nil
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	fake := newFake()

	t.Setenv("AWS_ACCESS_KEY_ID", "notusedbyemulator")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "notusedbyemulator")

	factory := awskmsbackend.KmsClientFactory
	defer func() {
		awskmsbackend.KmsClientFactory = factory
	}()
	awskmsbackend.KmsClientFactory = func(cfg aws.Config, optFns ...func(*kms.Options)) awskmsbackend.KmsClient {
		assert.Equal(t, "us-west-2", cfg.Region)
		var o kms.Options
		for _, fn := range optFns {
			fn(&o)
		}
		assert.Equal(t, "http://localhost:4566", aws.ToString(o.BaseEndpoint))
		return fake
	}

	assert.Contains(t, backend.Registered(), awskmsbackend.ProviderName)

	cfg := &backend.Config{
		Provider:   awskmsbackend.ProviderName,
		KeyID:      "ec384",
		Attributes: "Endpoint=http://localhost:4566, Region=us-west-2",
	}
	b, err := backend.Load(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, []jwt.Algorithm{jwt.ES384}, b.Enabled())

	e, err := backend.NewEngine(ctx, cfg)
	require.NoError(t, err)
	token, _, err := e.Sign(ctx, jwt.ES384, jwt.Claims{"sub": "user_1"})
	require.NoError(t, err)
	_, err = e.Verify(ctx, token)
	require.NoError(t, err)

	_, err = backend.Load(ctx, &backend.Config{Provider: awskmsbackend.ProviderName})
	assert.EqualError(t, err, "key_id is required for AWSKMS backend")
	assert.True(t, jwt.IsKind(err, jwt.KindBadConfig))

	_, err = backend.Load(ctx, &backend.Config{
		Provider:   awskmsbackend.ProviderName,
		KeyID:      "ec384",
		Algorithms: []string{"none"},
	})
	assert.True(t, jwt.IsKind(err, jwt.KindBadConfig))
}
