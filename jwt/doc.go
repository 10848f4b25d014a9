// Package jwt provides compact signed token issuance and verification.
//
// A token is `base64url(header).base64url(claims).base64url(signature)`,
// where header is `{"typ":"JWT","alg":"<alg>"}` and the signature is produced
// by a SigningBackend over the exact `header.claims` substring.
//
// The package provides:
//   - the twelve supported algorithms (HS*, RS*, PS*, ES*)
//   - the codec for the compact form
//   - computation of `iat`, `nbf` and `exp` from relative offsets
//   - validation of time claims with clock skew, required identity claims,
//     claim shape (JSON Schema), and caller predicates
//   - the SigningBackend contract and the Engine driving it
//
// All failures are returned as *Error with one of the closed set of kinds.
package jwt
