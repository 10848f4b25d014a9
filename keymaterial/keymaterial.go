// Package keymaterial parses keys and secrets, and rejects material
// that does not meet the strength required by a signature algorithm.
package keymaterial

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/jwt"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "keymaterial")

// Encoding specifies how KeyMaterial data is encoded
type Encoding string

// Encodings
const (
	EncodingPEM       Encoding = "pem"
	EncodingDER       Encoding = "der"
	EncodingBase64    Encoding = "base64"
	EncodingBase64URL Encoding = "base64url"
	EncodingHex       Encoding = "hex"
	EncodingText      Encoding = "text"
)

// ParseEncoding returns Encoding by name, empty name is EncodingText
func ParseEncoding(name string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(name))); e {
	case "":
		return EncodingText, nil
	case EncodingPEM, EncodingDER, EncodingBase64, EncodingBase64URL, EncodingHex, EncodingText:
		return e, nil
	}
	return "", jwt.NewError(jwt.KindBadConfig, "unsupported encoding: %q", name)
}

// KeyMaterial is key or secret data with its encoding
type KeyMaterial struct {
	Data     []byte
	Encoding Encoding
}

// PEM returns PEM encoded KeyMaterial
func PEM(data []byte) KeyMaterial {
	return KeyMaterial{Data: data, Encoding: EncodingPEM}
}

// DER returns DER encoded KeyMaterial
func DER(data []byte) KeyMaterial {
	return KeyMaterial{Data: data, Encoding: EncodingDER}
}

// Text returns KeyMaterial for raw secret
func Text(data string) KeyMaterial {
	return KeyMaterial{Data: []byte(data), Encoding: EncodingText}
}

// Base64 returns base64 encoded KeyMaterial
func Base64(data string) KeyMaterial {
	return KeyMaterial{Data: []byte(data), Encoding: EncodingBase64}
}

// Base64URL returns base64url encoded KeyMaterial
func Base64URL(data string) KeyMaterial {
	return KeyMaterial{Data: []byte(data), Encoding: EncodingBase64URL}
}

// Hex returns hex encoded KeyMaterial
func Hex(data string) KeyMaterial {
	return KeyMaterial{Data: []byte(data), Encoding: EncodingHex}
}

// IsEmpty returns true if there is no data
func (k KeyMaterial) IsEmpty() bool {
	return len(bytes.TrimSpace(k.Data)) == 0
}

// looksLikePEM returns true if data contains PEM armor
func (k KeyMaterial) looksLikePEM() bool {
	return bytes.Contains(k.Data, []byte("-----BEGIN "))
}

// decode returns bytes decoded per the textual encodings
func (k KeyMaterial) decode() ([]byte, error) {
	s := strings.TrimSpace(string(k.Data))
	switch k.Encoding {
	case EncodingText, "":
		return k.Data, nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		}
		return b, errors.WithMessage(err, "invalid base64 encoding")
	case EncodingBase64URL:
		b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
		return b, errors.WithMessage(err, "invalid base64url encoding")
	case EncodingHex:
		b, err := hex.DecodeString(s)
		return b, errors.WithMessage(err, "invalid hex encoding")
	case EncodingDER:
		return k.Data, nil
	}
	return nil, errors.Errorf("unsupported encoding: %q", k.Encoding)
}

func invalid(format string, args ...any) error {
	err := jwt.NewError(jwt.KindInvalidKeyMaterial, format, args...)
	logger.KV(xlog.DEBUG, "reason", err.Message)
	return err
}

func invalidWrap(cause error, format string, args ...any) error {
	err := jwt.WrapError(jwt.KindInvalidKeyMaterial, cause, format, args...)
	logger.KV(xlog.DEBUG, "reason", err.Message)
	return err
}
