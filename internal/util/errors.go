package util

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindCodec        ErrorKind = "codec"
	KindEmptyOutput  ErrorKind = "empty_output"
	KindArchive      ErrorKind = "archive"
	KindAuth         ErrorKind = "auth"
	KindRateLimit    ErrorKind = "rate_limit"
	KindValidation   ErrorKind = "validation"
)

// Sentinels for errors.Is; an *Error matches the sentinel of its kind.
var (
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrCodec        = &Error{Kind: KindCodec}
	ErrEmptyOutput  = &Error{Kind: KindEmptyOutput}
	ErrArchive      = &Error{Kind: KindArchive}
	ErrAuth         = &Error{Kind: KindAuth}
	ErrRateLimit    = &Error{Kind: KindRateLimit}
	ErrValidation   = &Error{Kind: KindValidation}
)

// Error is the service's closed error type. Message is safe to show a caller.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ToUserError turns any error into a message for the client. Only the
// caller-safe Message of an *Error is ever echoed; wrapped causes stay in logs.
func ToUserError(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return StripPaths(e.Message)
	}
	switch KindOf(err) {
	case KindInvalidInput:
		return "Only HEIC/HEIF files are allowed"
	case KindCodec:
		return "Conversion failed"
	case KindEmptyOutput:
		return "Conversion produced an empty file"
	case KindArchive:
		return "Failed to create zip"
	case KindAuth:
		return "Authentication failed"
	case KindRateLimit:
		return "Too many requests"
	case KindValidation:
		return "Invalid request"
	}
	return "Conversion failed"
}

// StripPaths replaces absolute path tokens in msg with their basenames.
func StripPaths(msg string) string {
	fields := strings.Fields(msg)
	changed := false
	for i, f := range fields {
		trimmed := strings.Trim(f, `"':,()`)
		if len(trimmed) > 1 && strings.HasPrefix(trimmed, "/") {
			fields[i] = strings.Replace(f, trimmed, filepath.Base(trimmed), 1)
			changed = true
		}
	}
	if !changed {
		return msg
	}
	return strings.Join(fields, " ")
}
