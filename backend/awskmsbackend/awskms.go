// Package awskmsbackend provides SigningBackend with keys held in AWS KMS
package awskmsbackend

import (
	"context"
	"crypto"
	"crypto/x509"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/backend"
	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/keymaterial"
	"github.com/effective-security/xtoken/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken/backend", "awskmsbackend")

// ProviderName specifies a provider name
const ProviderName = "AWSKMS"

func init() {
	_ = backend.Register(ProviderName, Load)
}

// KmsClient interface
type KmsClient interface {
	DescribeKey(context.Context, *kms.DescribeKeyInput, ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(context.Context, *kms.SignInput, ...func(*kms.Options)) (*kms.SignOutput, error)
	Verify(context.Context, *kms.VerifyInput, ...func(*kms.Options)) (*kms.VerifyOutput, error)
	GenerateMac(context.Context, *kms.GenerateMacInput, ...func(*kms.Options)) (*kms.GenerateMacOutput, error)
	VerifyMac(context.Context, *kms.VerifyMacInput, ...func(*kms.Options)) (*kms.VerifyMacOutput, error)
}

// KmsClientFactory override for unittest
var KmsClientFactory = func(cfg aws.Config, optFns ...func(*kms.Options)) KmsClient {
	return kms.NewFromConfig(cfg, optFns...)
}

var signingAlgorithms = map[types.SigningAlgorithmSpec]jwt.Algorithm{
	types.SigningAlgorithmSpecRsassaPkcs1V15Sha256: jwt.RS256,
	types.SigningAlgorithmSpecRsassaPkcs1V15Sha384: jwt.RS384,
	types.SigningAlgorithmSpecRsassaPkcs1V15Sha512: jwt.RS512,
	types.SigningAlgorithmSpecRsassaPssSha256:      jwt.PS256,
	types.SigningAlgorithmSpecRsassaPssSha384:      jwt.PS384,
	types.SigningAlgorithmSpecRsassaPssSha512:      jwt.PS512,
	types.SigningAlgorithmSpecEcdsaSha256:          jwt.ES256,
	types.SigningAlgorithmSpecEcdsaSha384:          jwt.ES384,
	types.SigningAlgorithmSpecEcdsaSha512:          jwt.ES512,
}

var macAlgorithms = map[types.MacAlgorithmSpec]jwt.Algorithm{
	types.MacAlgorithmSpecHmacSha256: jwt.HS256,
	types.MacAlgorithmSpecHmacSha384: jwt.HS384,
	types.MacAlgorithmSpecHmacSha512: jwt.HS512,
}

// Backend implements jwt.SigningBackend
type Backend struct {
	keyID     string
	label     string
	client    KmsClient
	pub       crypto.PublicKey
	supported []jwt.Algorithm
	enabled   []jwt.Algorithm
	signing   map[jwt.Algorithm]types.SigningAlgorithmSpec
	mac       map[jwt.Algorithm]types.MacAlgorithmSpec
}

// Load returns Backend from the provider configuration.
// Attributes may specify Endpoint and Region.
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
		return nil, err
	}
	return b, nil
}

// NewClient returns KMS client configured by attributes
func NewClient(ctx context.Context, attributes map[string]string) (KmsClient, error) {
	endpoint := attributes["Endpoint"]
	region := attributes["Region"]

	var awsops []func(*awsconfig.LoadOptions) error
	if region != "" {
		awsops = append(awsops, awsconfig.WithRegion(region))
	}

	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	token := os.Getenv("AWS_SESSION_TOKEN")
	if id != "" && secret != "" {
		awsops = append(awsops, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, token)))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsops...)
	if err != nil {
		return nil, jwt.WrapError(jwt.KindBadConfig, errors.WithStack(err), "unable to load AWS config")
	}

	var optFns []func(*kms.Options)
	if endpoint != "" {
		optFns = append(optFns, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	logger.KV(xlog.DEBUG, "endpoint", endpoint, "region", region)
	return KmsClientFactory(cfg, optFns...), nil
}

// New returns Backend for the KMS key.
// The key metadata is fetched and validated against algs,
// by default the first algorithm the key supports is enabled.
func New(ctx context.Context, client KmsClient, keyID string, algs ...jwt.Algorithm) (*Backend, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "describe")

	ki, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, jwt.WrapError(jwt.KindService, err, "failed to describe key, id=%s", keyID)
	}
	meta := ki.KeyMetadata
	if meta == nil {
		return nil, jwt.NewError(jwt.KindService, "key metadata not returned, id=%s", keyID)
	}
	if !meta.Enabled || meta.KeyState != types.KeyStateEnabled {
		return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "key is not enabled, id=%s, state=%s", keyID, meta.KeyState)
	}

	b := &Backend{
		keyID:   keyID,
		label:   aws.ToString(meta.Description),
		client:  client,
		signing: map[jwt.Algorithm]types.SigningAlgorithmSpec{},
		mac:     map[jwt.Algorithm]types.MacAlgorithmSpec{},
	}

	switch meta.KeyUsage {
	case types.KeyUsageTypeSignVerify:
		resp, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
		if err != nil {
			return nil, jwt.WrapError(jwt.KindService, err, "failed to get public key, id=%s", keyID)
		}
		b.pub, err = x509.ParsePKIXPublicKey(resp.PublicKey)
		if err != nil {
			return nil, jwt.WrapError(jwt.KindInvalidKeyMaterial, err, "failed to parse public key, id=%s", keyID)
		}
		for _, spec := range meta.SigningAlgorithms {
			if alg, ok := signingAlgorithms[spec]; ok {
				b.signing[alg] = spec
			}
		}
	case types.KeyUsageTypeGenerateVerifyMac:
		for _, spec := range meta.MacAlgorithms {
			if alg, ok := macAlgorithms[spec]; ok {
				b.mac[alg] = spec
			}
		}
	default:
		return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "key usage %s can not be used for signing, id=%s", meta.KeyUsage, keyID)
	}

	for _, alg := range jwt.Algorithms() {
		_, sig := b.signing[alg]
		_, mac := b.mac[alg]
		if sig || mac {
			b.supported = append(b.supported, alg)
		}
	}
	if len(b.supported) == 0 {
		return nil, jwt.NewError(jwt.KindInvalidKeyMaterial, "key does not support any JWS algorithm, id=%s", keyID)
	}

	if len(algs) == 0 {
		algs = []jwt.Algorithm{b.supported[0]}
	}
	for _, alg := range algs {
		if err = b.checkKey(alg); err != nil {
			return nil, err
		}
	}
	if err = jwt.CheckEnabled(b.supported, algs); err != nil {
		return nil, err
	}
	b.enabled = algs

	logger.KV(xlog.INFO,
		"id", keyID,
		"label", b.label,
		"usage", meta.KeyUsage,
		"enabled", b.enabled,
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

// KeyID returns KMS key id
func (b *Backend) KeyID() string {
	return b.keyID
}

// Public returns the public key, or nil for HMAC key
func (b *Backend) Public() crypto.PublicKey {
	return b.pub
}

// Supported returns algorithms the key can serve
func (b *Backend) Supported() []jwt.Algorithm {
	return b.supported
}

// Enabled returns algorithms the backend is configured to serve
func (b *Backend) Enabled() []jwt.Algorithm {
	return b.enabled
}

// GenerateSignature implements jwt.SigningBackend
func (b *Backend) GenerateSignature(ctx context.Context, hp jwt.HeaderPayload, alg jwt.Algorithm) ([]byte, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "sign")

	if err := jwt.CheckAlgorithm(b, alg); err != nil {
		return nil, err
	}

	if spec, ok := b.mac[alg]; ok {
		resp, err := b.client.GenerateMac(ctx, &kms.GenerateMacInput{
			KeyId:        &b.keyID,
			Message:      []byte(hp),
			MacAlgorithm: spec,
		})
		if err != nil {
			return nil, jwt.WrapError(jwt.KindService, err, "unable to generate MAC, id=%s", b.keyID)
		}
		return resp.Mac, nil
	}

	resp, err := b.client.Sign(ctx, &kms.SignInput{
		KeyId:            &b.keyID,
		Message:          digest(alg, hp),
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: b.signing[alg],
	})
	if err != nil {
		return nil, jwt.WrapError(jwt.KindService, err, "unable to sign, id=%s", b.keyID)
	}

	if alg.Family() == jwt.FamilyECDSA {
		// KMS returns DER encoded ECDSA signature
		return jwt.ECDSASignatureToJOSE(alg, resp.Signature)
	}
	return resp.Signature, nil
}

// VerifySignature implements jwt.SigningBackend
func (b *Backend) VerifySignature(ctx context.Context, hp jwt.HeaderPayload, signature []byte, alg jwt.Algorithm) (bool, error) {
	defer metricskey.PerfBackendOperation.MeasureSince(time.Now(), ProviderName, "verify")

	if err := jwt.CheckAlgorithm(b, alg); err != nil {
		return false, err
	}

	if spec, ok := b.mac[alg]; ok {
		resp, err := b.client.VerifyMac(ctx, &kms.VerifyMacInput{
			KeyId:        &b.keyID,
			Message:      []byte(hp),
			Mac:          signature,
			MacAlgorithm: spec,
		})
		if err != nil {
			var invalid *types.KMSInvalidMacException
			if errors.As(err, &invalid) {
				return false, nil
			}
			return false, jwt.WrapError(jwt.KindService, err, "unable to verify MAC, id=%s", b.keyID)
		}
		return resp.MacValid, nil
	}

	if alg.Family() == jwt.FamilyECDSA {
		der, err := jwt.ECDSASignatureToDER(alg, signature)
		if err != nil {
			logger.KV(xlog.DEBUG, "alg", alg, "reason", err.Error())
			return false, nil
		}
		signature = der
	}

	resp, err := b.client.Verify(ctx, &kms.VerifyInput{
		KeyId:            &b.keyID,
		Message:          digest(alg, hp),
		MessageType:      types.MessageTypeDigest,
		Signature:        signature,
		SigningAlgorithm: b.signing[alg],
	})
	if err != nil {
		var invalid *types.KMSInvalidSignatureException
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, jwt.WrapError(jwt.KindService, err, "unable to verify, id=%s", b.keyID)
	}
	return resp.SignatureValid, nil
}

func digest(alg jwt.Algorithm, hp jwt.HeaderPayload) []byte {
	h := alg.Hash().New()
	_, _ = h.Write([]byte(hp))
	return h.Sum(nil)
}
