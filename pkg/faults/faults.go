// Package faults defines the error taxonomy shared by every verification layer.
//
// Each failure carries a stable Code so reports and HTTP responses can name
// exactly which layer failed. Codes ending in "Warning" are non-fatal: they
// degrade a verdict to PARTIAL but never to INVALID.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a class of verification failure.
type Code string

const (
	CodeMalformedContainer      Code = "MalformedContainerError"
	CodeUnsupportedVersion      Code = "UnsupportedVersionError"
	CodeHashMismatch            Code = "HashMismatchError"
	CodeSignatureInvalid        Code = "SignatureInvalidError"
	CodeTimestampHashMismatch   Code = "TimestampHashMismatchError"
	CodeTokenSignatureInvalid   Code = "TokenSignatureInvalidError"
	CodeTimestampTokenMalformed Code = "TimestampTokenMalformedError"
	CodeAuthorityUnresolved     Code = "TimestampAuthorityUnresolvedWarning"
	CodeAnchorUnreachable       Code = "AnchorUnreachableWarning"
	CodeAnchorInvalidProof      Code = "AnchorInvalidProofError"
	CodeAnchorInconsistency     Code = "AnchorInconsistencyWarning"
	CodeAssetUnknown            Code = "AssetUnknownError"
	CodeIO                      Code = "IOError"
)

// IsWarning reports whether the code is non-fatal.
func IsWarning(c Code) bool {
	return strings.HasSuffix(string(c), "Warning")
}

// Error is a coded failure. Two Errors match under errors.Is when their codes
// are equal, so the package-level sentinels work as match targets.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New returns an Error with a formatted detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, detail string) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinels for errors.Is matching.
var (
	ErrMalformedContainer    = &Error{Code: CodeMalformedContainer}
	ErrUnsupportedVersion    = &Error{Code: CodeUnsupportedVersion}
	ErrHashMismatch          = &Error{Code: CodeHashMismatch}
	ErrSignatureInvalid      = &Error{Code: CodeSignatureInvalid}
	ErrTimestampHashMismatch = &Error{Code: CodeTimestampHashMismatch}
	ErrTokenSignatureInvalid = &Error{Code: CodeTokenSignatureInvalid}
	ErrAuthorityUnresolved   = &Error{Code: CodeAuthorityUnresolved}
	ErrAnchorUnreachable     = &Error{Code: CodeAnchorUnreachable}
	ErrAnchorInvalidProof    = &Error{Code: CodeAnchorInvalidProof}
	ErrIO                    = &Error{Code: CodeIO}
)
