package backend

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/keymaterial"
	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

// Value prefixes resolved by LoadConfig
const (
	FileSchema = "file://"
	EnvSchema  = "env://"
)

// Config of the signing backend and the engine
type Config struct {
	// Provider specifies the registered backend: local, AWSKMS, GCPKMS or JWKS
	Provider string `json:"provider" yaml:"provider"`
	// Algorithms to enable, by default the algorithm the key naturally serves
	Algorithms []string `json:"algorithms,omitempty" yaml:"algorithms,omitempty"`

	// Secret for HMAC algorithms
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
	// PrivateKey for asymmetric algorithms
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	// PublicKey for verify-only backend
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
	// Encoding of Secret, PrivateKey or PublicKey: pem, der, base64, base64url, hex or text
	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty"`

	// KeyID specifies the key in KMS, or kid in the key set
	KeyID string `json:"key_id,omitempty" yaml:"key_id,omitempty"`
	// Attributes is comma separated key=value pairs,
	// for example "Endpoint=http://localhost:4566,Region=us-west-2"
	Attributes string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	// URL of the JWKS document
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// DefaultExpiry is expiry offset used when `exp` is not provided, like "15m"
	DefaultExpiry string `json:"default_expiry,omitempty" yaml:"default_expiry,omitempty"`
	// ClockSkew is tolerance for `exp` and `nbf` checks, like "30s"
	ClockSkew string `json:"clock_skew,omitempty" yaml:"clock_skew,omitempty"`
	// Required specifies literal values of identity claims
	Required jwt.RequiredClaims `json:"required,omitempty" yaml:"required,omitempty"`
	// Schema is JSON Schema of the claims
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// LoadConfig returns configuration loaded from JSON or YAML file,
// with `file://` and `env://` values resolved
func LoadConfig(file string) (*Config, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, jwt.WrapError(jwt.KindBadConfig, errors.WithStack(err), "unable to load config")
	}

	var config Config
	if strings.HasSuffix(file, ".json") {
		err = json.Unmarshal(raw, &config)
		if err != nil {
			return nil, jwt.WrapError(jwt.KindBadConfig, err, "unable to unmarshal JSON: %q", file)
		}
	} else {
		err = yaml.Unmarshal(raw, &config)
		if err != nil {
			return nil, jwt.WrapError(jwt.KindBadConfig, err, "unable to unmarshal YAML: %q", file)
		}
	}

	if err = config.Resolve(filepath.Dir(file)); err != nil {
		return nil, err
	}
	return &config, nil
}

// Resolve replaces `file://` and `env://` references in key material and
// schema values, relative file names are resolved against baseDir first
func (c *Config) Resolve(baseDir string) error {
	for name, value := range map[string]*string{
		"secret":      &c.Secret,
		"private_key": &c.PrivateKey,
		"public_key":  &c.PublicKey,
		"schema":      &c.Schema,
	} {
		resolved, err := resolveValue(*value, baseDir)
		if err != nil {
			return jwt.WrapError(jwt.KindBadConfig, err, "unable to resolve %s", name)
		}
		*value = resolved
	}
	return nil
}

// Overlay copies non-empty values of src over the configuration
func (c *Config) Overlay(src *Config) error {
	if src == nil {
		return nil
	}
	err := copier.CopyWithOption(c, src, copier.Option{IgnoreEmpty: true, DeepCopy: true})
	if err != nil {
		return jwt.WrapError(jwt.KindBadConfig, err, "unable to apply config overrides")
	}
	return nil
}

// EnabledAlgorithms returns parsed Algorithms
func (c *Config) EnabledAlgorithms() ([]jwt.Algorithm, error) {
	return jwt.ParseAlgorithms(c.Algorithms)
}

// KeyMaterial returns value with the configured encoding
func (c *Config) KeyMaterial(value string) (keymaterial.KeyMaterial, error) {
	enc, err := keymaterial.ParseEncoding(c.Encoding)
	if err != nil {
		return keymaterial.KeyMaterial{}, err
	}
	return keymaterial.KeyMaterial{
		Data:     []byte(value),
		Encoding: enc,
	}, nil
}

// ParseAttributes returns Attributes as a map
func (c *Config) ParseAttributes() map[string]string {
	attrs := make(map[string]string)
	for _, v := range strings.Split(c.Attributes, ",") {
		kv := strings.SplitN(v, "=", 2)
		if len(kv) != 2 {
			continue
		}
		attrs[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return attrs
}

func resolveValue(value, baseDir string) (string, error) {
	switch {
	case strings.HasPrefix(value, EnvSchema):
		name := strings.TrimPrefix(value, EnvSchema)
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", errors.Errorf("environment variable not set: %q", name)
		}
		return v, nil
	case strings.HasPrefix(value, FileSchema):
		file, err := resolve(strings.TrimPrefix(value, FileSchema), baseDir)
		if err != nil {
			return "", err
		}
		b, err := os.ReadFile(file)
		if err != nil {
			return "", errors.WithStack(err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return value, nil
}

// resolve returns file name relative to baseDir if it exists there,
// otherwise relative to the current folder
func resolve(file string, baseDir string) (string, error) {
	if file == "" {
		return "", errors.New("file name not provided")
	}
	if filepath.IsAbs(file) || baseDir == "" {
		return file, nil
	}
	resolved := filepath.Join(baseDir, file)
	if _, err := os.Stat(resolved); err == nil {
		return resolved, nil
	}
	logger.Debugf("reason=resolve, file=%q, basedir=%q", file, baseDir)
	return file, nil
}
