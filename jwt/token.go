package jwt

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// TokenType is the value of `typ` header
const TokenType = "JWT"

// Segment is a base64url encoded token segment with padding stripped
type Segment string

// HeaderPayload is the signing input: `EncodedHeader.EncodedPayload`.
// It must be used byte-for-byte as found in the token.
type HeaderPayload string

// Header of the token
type Header struct {
	Type      string    `json:"typ"`
	Algorithm Algorithm `json:"alg"`
}

// NewHeader returns header for the algorithm
func NewHeader(alg Algorithm) Header {
	return Header{
		Type:      TokenType,
		Algorithm: alg,
	}
}

// DecodeSegment JWT specific base64url encoding with padding stripped.
// Non-canonical encodings with non-zero trailing bits are rejected.
func DecodeSegment(seg Segment) ([]byte, error) {
	return base64.RawURLEncoding.Strict().DecodeString(string(seg))
}

// EncodeSegment returns JWT specific base64url encoding with padding stripped
func EncodeSegment(seg []byte) Segment {
	return Segment(base64.RawURLEncoding.EncodeToString(seg))
}

// Encode returns the signing input for the header and claims.
// encoding/json sorts map keys, so identical claims produce identical output.
func Encode(header Header, claims Claims) (HeaderPayload, error) {
	jsonHeader, err := json.Marshal(header)
	if err != nil {
		return "", errors.WithStack(err)
	}
	jsonClaims, err := json.Marshal(claims)
	if err != nil {
		return "", WrapError(KindClaim, err, "unable to encode claims")
	}
	return HeaderPayload(EncodeSegment(jsonHeader) + "." + EncodeSegment(jsonClaims)), nil
}

// Assemble returns compact token
func Assemble(hp HeaderPayload, signature []byte) string {
	return string(hp) + "." + string(EncodeSegment(signature))
}

// Segments returns the header and payload segments
func (hp HeaderPayload) Segments() (Segment, Segment) {
	h, p, _ := strings.Cut(string(hp), ".")
	return Segment(h), Segment(p)
}
