package jwt

import (
	"strings"
)

// Decoded is a parsed, but not verified token
type Decoded struct {
	Header Header
	Claims Claims
	// Signature is the raw signature segment
	Signature Segment
	// HeaderPayload is the exact signing input found in the token
	HeaderPayload HeaderPayload
	// Raw is the original token
	Raw string
}

// Decode parses the compact token.
// It does not check the signature or time bounds,
// the returned values must not be trusted.
func Decode(token string) (*Decoded, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, NewError(KindMalformedToken, "token must have three segments, found %d", len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return nil, NewError(KindMalformedToken, "empty segment at position %d", i)
		}
	}

	headerBytes, err := DecodeSegment(Segment(parts[0]))
	if err != nil {
		return nil, WrapError(KindMalformedToken, err, "failed to decode header")
	}
	rawHeader, err := decodeObject(headerBytes)
	if err != nil {
		return nil, WrapError(KindMalformedToken, err, "failed to unmarshal header")
	}

	claimBytes, err := DecodeSegment(Segment(parts[1]))
	if err != nil {
		return nil, WrapError(KindMalformedToken, err, "failed to decode payload")
	}
	claims, err := decodeObject(claimBytes)
	if err != nil {
		return nil, WrapError(KindMalformedToken, err, "failed to unmarshal payload")
	}

	header, err := parseHeader(rawHeader)
	if err != nil {
		return nil, err
	}

	return &Decoded{
		Header:        header,
		Claims:        claims,
		Signature:     Segment(parts[2]),
		HeaderPayload: HeaderPayload(parts[0] + "." + parts[1]),
		Raw:           token,
	}, nil
}

func parseHeader(raw map[string]any) (Header, error) {
	typ, _ := raw["typ"].(string)
	if typ != TokenType {
		return Header{}, NewError(KindMalformedToken, "invalid token type: %v", raw["typ"])
	}
	name, ok := raw["alg"].(string)
	if !ok {
		return Header{}, NewError(KindMalformedToken, "invalid token: no alg specified")
	}
	alg := Algorithm{name: name}
	if !alg.IsValid() {
		return Header{}, NewError(KindMalformedToken, "unsupported algorithm: %q", name)
	}
	return NewHeader(alg), nil
}
