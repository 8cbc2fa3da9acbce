package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
)

// Error kinds the gateway maps to client-visible outcomes. Components wrap
// them with Wrapf so callers can classify failures with Is.
var (
	ErrUnauthenticated         = stderrors.New("unauthenticated")
	ErrMalformedRequest        = stderrors.New("malformed request")
	ErrToolProviderUnavailable = stderrors.New("tool provider unavailable")
	ErrToolInvocationFailed    = stderrors.New("tool invocation failed")
	ErrModelInvocationFailed   = stderrors.New("model invocation failed")
	ErrStepBudgetExhausted     = stderrors.New("step budget exhausted")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	file, line := caller()
	return fmt.Errorf("[%s:%d] %s", file, line, fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	file, line := caller()
	return fmt.Errorf("[%s:%d] %s: %w", file, line, fmt.Sprintf(format, a...), err)
}

// Kindf wraps cause under kind so that Is matches both. A nil cause yields an
// error that only matches kind.
func Kindf(kind, cause error, format string, a ...interface{}) error {
	file, line := caller()
	msg := fmt.Sprintf(format, a...)
	if cause == nil {
		return fmt.Errorf("[%s:%d] %s: %w", file, line, msg, kind)
	}
	return fmt.Errorf("[%s:%d] %s: %w: %w", file, line, msg, kind, cause)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return stderrors.Join(errs...) }

var callSite = regexp.MustCompile(`\[[^\[\]\s]+:\d+\] `)

// Message returns err's text without the call-site prefixes added by New,
// Wrapf and Kindf. Use it where the text leaves the process.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return callSite.ReplaceAllString(err.Error(), "")
}

func caller() (string, int) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???", 0
	}
	return filepath.Base(file), line
}
