// Package gcpkmsbackend provides SigningBackend with keys held in Google Cloud KMS
package gcpkmsbackend

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"hash/crc32"
	"os"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/backend"
	"github.com/effective-security/xtoken/backend/localbackend"
	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/keymaterial"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken/backend", "gcpkmsbackend")

// ProviderName specifies a provider name
const ProviderName = "GCPKMS"

// AccessTokenEnv specifies environment variable with OAuth2 access token
const AccessTokenEnv = "GOOGLE_OAUTH_ACCESS_TOKEN"

func init() {
	_ = backend.Register(ProviderName, Load)
}

// KmsClient interface
type KmsClient interface {
	GetCryptoKeyVersion(context.Context, *kmspb.GetCryptoKeyVersionRequest, ...gax.CallOption) (*kmspb.CryptoKeyVersion, error)
	GetPublicKey(context.Context, *kmspb.GetPublicKeyRequest, ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(context.Context, *kmspb.AsymmetricSignRequest, ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	MacSign(context.Context, *kmspb.MacSignRequest, ...gax.CallOption) (*kmspb.MacSignResponse, error)
	MacVerify(context.Context, *kmspb.MacVerifyRequest, ...gax.CallOption) (*kmspb.MacVerifyResponse, error)
	Close() error
}

// KmsClientFactory override for unittest
var KmsClientFactory = func(ctx context.Context, opts ...option.ClientOption) (KmsClient, error) {
	c, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var versionAlgorithms = map[kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm]jwt.Algorithm{
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256: jwt.RS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_3072_SHA256: jwt.RS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256: jwt.RS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA512: jwt.RS512,
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_2048_SHA256:   jwt.PS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_3072_SHA256:   jwt.PS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA256:   jwt.PS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA512:   jwt.PS512,
	kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256:        jwt.ES256,
	kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384:        jwt.ES384,
	kmspb.CryptoKeyVersion_HMAC_SHA256:                jwt.HS256,
	kmspb.CryptoKeyVersion_HMAC_SHA384:                jwt.HS384,
	kmspb.CryptoKeyVersion_HMAC_SHA512:                jwt.HS512,
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(data []byte) *wrapperspb.Int64Value {
	return wrapperspb.Int64(int64(crc32.Checksum(data, crc32cTable)))
}

func crc32cMatch(data []byte, v *wrapperspb.Int64Value) bool {
	return v != nil && v.GetValue() == int64(crc32.Checksum(data, crc32cTable))
}

// Backend implements jwt.SigningBackend.
// A key version in Cloud KMS serves exactly one algorithm.
type Backend struct {
	name   string
	client KmsClient
	alg    jwt.Algorithm
	pub    crypto.PublicKey
}

// Load returns Backend from the provider configuration.
// KeyID is the key version resource name,
// Attributes may specify Endpoint and CredentialsFile.
func Load(ctx context.Context, cfg *backend.Config) (jwt.SigningBackend, error) {
	if cfg.KeyID == "" {
		return nil, jwt.NewError(jwt.KindBadConfig, "key_id is required for %s backend", ProviderName)
	}
	algs, err := cfg.EnabledAlgorithms()
	if err != nil {
		return nil, err
	}

	client, err := NewClient(ctx, cfg.ParseAttributes())
	if err != nil {
		return nil, err
	}

	b, err := New(ctx, client, cfg.KeyID, algs...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// NewClient returns KMS client configured by attributes
func NewClient(ctx context.Context, attributes map[string]string) (KmsClient, error) {
	var opts []option.ClientOption
	if endpoint := attributes["Endpoint"]; endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	if file := attributes["CredentialsFile"]; file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	if token := os.Getenv(AccessTokenEnv); token != "" {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	}

	client, err := KmsClientFactory(ctx, opts...)
	if err != nil {
		return nil, jwt.WrapError(jwt.KindBadConfig, err, "unable to create KMS client")
	}
	return client, nil
}

// New returns Backend for the KMS key version
func New(ctx context.Context, client KmsClient, name string, algs ...jwt.Algorithm) (*Backend, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "describe")

	ver, err := client.GetCryptoKeyVersion(ctx, &kmspb.GetCryptoKeyVersionRequest{Name: name})
	if err != nil {
		return nil, jwt.WrapError(jwt.KindService, err, "failed to get key version, name=%s", name)
	}
	if ver.GetState() != kmspb.CryptoKeyVersion_ENABLED {
		return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "key version is not enabled, name=%s, state=%s", name, ver.GetState())
	}

	alg, ok := versionAlgorithms[ver.GetAlgorithm()]
	if !ok {
		return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "key algorithm %s is not supported, name=%s", ver.GetAlgorithm(), name)
	}

	b := &Backend{
		name:   name,
		client: client,
		alg:    alg,
	}

	if !alg.IsSymmetric() {
		resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: name})
		if err != nil {
			return nil, jwt.WrapError(jwt.KindService, err, "failed to get public key, name=%s", name)
		}
		if resp.GetPemCrc32C() != nil && !crc32cMatch([]byte(resp.GetPem()), resp.GetPemCrc32C()) {
			return nil, jwt.NewError(jwt.KindService, "public key response corrupted in-transit, name=%s", name)
		}
		block, _ := pem.Decode([]byte(resp.GetPem()))
		if block == nil {
			return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "failed to decode public key, name=%s", name)
		}
		b.pub, err = x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, jwt.WrapError(jwt.KindInvalidKeyMaterial, err, "failed to parse public key, name=%s", name)
		}
	}

	if len(algs) == 0 {
		algs = []jwt.Algorithm{alg}
	}
	for _, a := range algs {
		if err = b.checkKey(a); err != nil {
			return nil, err
		}
	}
	if err = jwt.CheckEnabled(b.Supported(), algs); err != nil {
		return nil, err
	}

	logger.KV(xlog.INFO,
		"name", name,
		"algorithm", ver.GetAlgorithm(),
		"alg", alg,
	)
	return b, nil
}

func (b *Backend) checkKey(alg jwt.Algorithm) error {
	if b.pub != nil {
		return keymaterial.ValidateRemotePublicKey(alg, b.pub)
	}
	if !alg.IsSymmetric() {
		return jwt.NewError(jwt.KindInvalidKeyMaterial, "secret supplied where asymmetric key expected for %s", alg)
	}
	return nil
}

// Name returns the backend name
func (b *Backend) Name() string {
	return ProviderName
}

// KeyName returns the key version resource name
func (b *Backend) KeyName() string {
	return b.name
}

// Public returns the public key, or nil for HMAC key
func (b *Backend) Public() crypto.PublicKey {
	return b.pub
}

// Supported returns the algorithm of the key version
func (b *Backend) Supported() []jwt.Algorithm {
	return []jwt.Algorithm{b.alg}
}

// Enabled returns the algorithm of the key version
func (b *Backend) Enabled() []jwt.Algorithm {
	return []jwt.Algorithm{b.alg}
}

// Close releases the client
func (b *Backend) Close() error {
	return b.client.Close()
}

// GenerateSignature implements jwt.SigningBackend
func (b *Backend) GenerateSignature(ctx context.Context, hp jwt.HeaderPayload, alg jwt.Algorithm) ([]byte, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "sign")

	if err := jwt.CheckAlgorithm(b, alg); err != nil {
		return nil, err
	}
	if alg.IsSymmetric() {
		return b.macSign(ctx, []byte(hp))
	}

	d := digest(alg, hp)
	resp, err := b.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         b.name,
		Digest:       d,
		DigestCrc32C: crc32c(digestBytes(d)),
	})
	if err != nil {
		return nil, jwt.WrapError(jwt.KindService, err, "unable to sign, name=%s", b.name)
	}
	if !resp.GetVerifiedDigestCrc32C() || !crc32cMatch(resp.GetSignature(), resp.GetSignatureCrc32C()) {
		return nil, jwt.NewError(jwt.KindService, "sign response corrupted in-transit, name=%s", b.name)
	}

	if alg.Family() == jwt.FamilyECDSA {
		return jwt.ECDSASignatureToJOSE(alg, resp.GetSignature())
	}
	return resp.GetSignature(), nil
}

func (b *Backend) macSign(ctx context.Context, data []byte) ([]byte, error) {
	resp, err := b.client.MacSign(ctx, &kmspb.MacSignRequest{
		Name:       b.name,
		Data:       data,
		DataCrc32C: crc32c(data),
	})
	if err != nil {
		return nil, jwt.WrapError(jwt.KindService, err, "unable to generate MAC, name=%s", b.name)
	}
	if !resp.GetVerifiedDataCrc32C() || !crc32cMatch(resp.GetMac(), resp.GetMacCrc32C()) {
		return nil, jwt.NewError(jwt.KindService, "MAC response corrupted in-transit, name=%s", b.name)
	}
	return resp.GetMac(), nil
}

// VerifySignature implements jwt.SigningBackend.
// Asymmetric signatures are verified with the public key.
func (b *Backend) VerifySignature(ctx context.Context, hp jwt.HeaderPayload, signature []byte, alg jwt.Algorithm) (bool, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "verify")

	if err := jwt.CheckAlgorithm(b, alg); err != nil {
		return false, err
	}
	if !alg.IsSymmetric() {
		return localbackend.VerifyWithKey(hp, signature, alg, b.pub), nil
	}

	data := []byte(hp)
	resp, err := b.client.MacVerify(ctx, &kmspb.MacVerifyRequest{
		Name:       b.name,
		Data:       data,
		DataCrc32C: crc32c(data),
		Mac:        signature,
		MacCrc32C:  crc32c(signature),
	})
	if err != nil {
		return false, jwt.WrapError(jwt.KindService, err, "unable to verify MAC, name=%s", b.name)
	}
	if !resp.GetVerifiedDataCrc32C() || !resp.GetVerifiedMacCrc32C() || resp.GetVerifiedSuccessIntegrity() != resp.GetSuccess() {
		return false, jwt.NewError(jwt.KindService, "MAC verify response corrupted in-transit, name=%s", b.name)
	}
	return resp.GetSuccess(), nil
}

func digest(alg jwt.Algorithm, hp jwt.HeaderPayload) *kmspb.Digest {
	h := alg.Hash().New()
	_, _ = h.Write([]byte(hp))
	sum := h.Sum(nil)

	switch alg.Hash() {
	case crypto.SHA384:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha384{Sha384: sum}}
	case crypto.SHA512:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha512{Sha512: sum}}
	default:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: sum}}
	}
}

func digestBytes(d *kmspb.Digest) []byte {
	switch {
	case d.GetSha384() != nil:
		return d.GetSha384()
	case d.GetSha512() != nil:
		return d.GetSha512()
	}
	return d.GetSha256()
}
