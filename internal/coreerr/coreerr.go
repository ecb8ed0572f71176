// Package coreerr implements the closed error taxonomy from §7: every
// failure path in the core classifies into one of thirteen classes, and
// retryability is a property of the class rather than of the call site.
package coreerr

import (
	"errors"
	"fmt"
)

// Class is one of the closed set of error classes in §7.
type Class string

const (
	NetworkTimeout  Class = "network-timeout"
	NetworkDNS      Class = "network-dns"
	ProviderAPI     Class = "provider-api"
	AgentUnhealthy  Class = "agent-unhealthy"
	CacheFetch      Class = "cache-fetch"
	InstallFailed   Class = "install-failed"
	DevServerTimeout Class = "dev-server-timeout"
	DevServerCrashed Class = "dev-server-crashed"
	Storage         Class = "storage"
	Auth            Class = "auth"
	OutOfMemory     Class = "out-of-memory"
	DiskFull        Class = "disk-full"
	Parse           Class = "parse"
)

// Retryable reports whether a step-local handler should retry an error of
// this class, per the table in §7.
func (c Class) Retryable() bool {
	switch c {
	case NetworkTimeout, NetworkDNS, ProviderAPI, Storage:
		return true
	default:
		return false
	}
}

// Error is a classified error value. New and Wrap build one, and
// Classify finds one in an error chain, so callers can use errors.As
// instead of string-matching.
type Error struct {
	ClassVal Class
	Msg      string
	Wrapped  error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.ClassVal, e.Msg, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.ClassVal, e.Msg)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func (e *Error) Class() Class { return e.ClassVal }

// New builds a classified error.
func New(class Class, msg string) *Error {
	return &Error{ClassVal: class, Msg: msg}
}

// Wrap classifies an underlying error under the given class, preserving
// it for errors.Is/As.
func Wrap(class Class, msg string, err error) *Error {
	return &Error{ClassVal: class, Msg: msg, Wrapped: err}
}

// Classify extracts the Class of err if it (or something it wraps) is a
// *Error; it returns ("", false) for unclassified errors, which callers
// should treat conservatively (non-retryable) unless they have a more
// specific local rule.
func Classify(err error) (Class, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.ClassVal, true
	}
	return "", false
}

// Code, Message and Retryable expose a classified error as the fields
// of the domain.LastError shape surfaced to clients (§6, §7). Kept here rather than in package
// domain to avoid a dependency cycle (domain has no knowledge of error
// classification).
func (e *Error) Code() string      { return string(e.ClassVal) }
func (e *Error) Message() string   { return e.Msg }
func (e *Error) Retryable() bool   { return e.ClassVal.Retryable() }
