package jwt

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind classifies errors returned by the package
type Kind string

// Error kinds
const (
	// KindBadConfig is caller misconfiguration unrelated to key strength,
	// such as unknown provider name or disabled algorithm
	KindBadConfig Kind = "BadConfig"
	// KindInvalidKeyMaterial is returned when a credential does not meet
	// the strength or shape required by an algorithm
	KindInvalidKeyMaterial Kind = "InvalidKeyMaterial"
	// KindInvalidSignature is returned when signature check fails
	KindInvalidSignature Kind = "InvalidSignature"
	// KindMalformedToken is returned when a token can not be parsed
	KindMalformedToken Kind = "MalformedToken"
	// KindClaim is returned for time, shape or hook based claim violations
	KindClaim Kind = "ClaimError"
	// KindService is returned when a remote dependency of a backend failed
	KindService Kind = "ServiceException"
	// KindUnknown wraps unanticipated failures
	KindUnknown Kind = "UnknownError"
)

// Sentinel errors to be used with errors.Is
var (
	ErrBadConfig          = &Error{Kind: KindBadConfig}
	ErrInvalidKeyMaterial = &Error{Kind: KindInvalidKeyMaterial}
	ErrInvalidSignature   = &Error{Kind: KindInvalidSignature}
	ErrMalformedToken     = &Error{Kind: KindMalformedToken}
	ErrClaim              = &Error{Kind: KindClaim}
	ErrService            = &Error{Kind: KindService}
	ErrUnknown            = &Error{Kind: KindUnknown}
)

// Issue describes a single claim violation
type Issue struct {
	// Path is the claim name, or dotted path for nested values
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Error is returned by token operations
type Error struct {
	Kind    Kind
	Message string
	// Issues is populated for ClaimError and shape violations
	Issues []Issue

	cause error
}

// NewError returns new Error
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError returns new Error with the cause
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// ClaimViolation returns ClaimError with issues
func ClaimViolation(message string, issues ...Issue) *Error {
	return &Error{
		Kind:    KindClaim,
		Message: message,
		Issues:  issues,
	}
}

// Error implements error
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if b.Len() == 0 {
		b.WriteString(string(e.Kind))
	}
	for i, issue := range e.Issues {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(issue.String())
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap returns the cause
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches sentinel errors of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.cause == nil && len(t.Issues) == 0
}

// KindOf returns kind of the error, or empty string if err does not carry a kind
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind returns true if err carries the kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IssuesOf returns the claim issues carried by err
func IssuesOf(err error) []Issue {
	var e *Error
	if errors.As(err, &e) {
		return e.Issues
	}
	return nil
}

// ensureKind returns err unchanged if it carries a kind,
// otherwise wraps it as UnknownError
func ensureKind(err error, format string, args ...any) error {
	if err == nil || KindOf(err) != "" {
		return err
	}
	return WrapError(KindUnknown, err, format, args...)
}
