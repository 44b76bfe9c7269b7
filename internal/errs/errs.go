// Package errs defines the closed error taxonomy shared by every component
// of the hybrid cache layer, and the status code a wire front end (e.g. an
// SMB server) should map each kind to.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of failure classes. Every error that crosses a
// component boundary in this module is classified as one of these.
type Kind int

// Kind enumerates the error classes an operation can fail with.
const (
	// KindNotFound means the referenced path does not exist.
	KindNotFound Kind = iota
	// KindAlreadyExists means the destination of a create/rename already exists.
	KindAlreadyExists
	// KindNotSupported means the operation is structurally disallowed (e.g. a
	// dotted path segment, or a named-pipe operation on a disk share).
	KindNotSupported
	// KindAccessDenied means the remote rejected the request as locked or
	// forbidden (HTTP 423, cq:drivelock).
	KindAccessDenied
	// KindConflict means a local deletion was blocked by modified, unsynced
	// content.
	KindConflict
	// KindNetwork means a transport failure, a 5xx other than 500, or a
	// timeout — retryable by the processor.
	KindNetwork
	// KindRemoteError means a non-2xx, non-recoverable remote response.
	KindRemoteError
	// KindIO means a local filesystem failure.
	KindIO
	// KindAborted means the operation was cancelled.
	KindAborted
	// KindCorruption means a cache pointer refers to a missing local file.
	KindCorruption
)

// String renders the Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindNotSupported:
		return "NotSupported"
	case KindAccessDenied:
		return "AccessDenied"
	case KindConflict:
		return "Conflict"
	case KindNetwork:
		return "Network"
	case KindRemoteError:
		return "RemoteError"
	case KindIO:
		return "Io"
	case KindAborted:
		return "Aborted"
	case KindCorruption:
		return "Corruption"
	default:
		return "Unknown"
	}
}

// WireStatus is the status code a wire front end should report for a Kind.
// Names follow an SMB-flavored vocabulary; a front end speaking a
// different protocol maps these onto its own codes.
type WireStatus string

// Wire status values.
const (
	WireNoSuchFile    WireStatus = "no-such-file"
	WireNameCollision WireStatus = "name-collision"
	WireNotSupported  WireStatus = "not-supported"
	WireAccessDenied  WireStatus = "access-denied"
	WireConflict      WireStatus = "conflict"
	WireNetworkError  WireStatus = "network-error"
	WireRemoteError   WireStatus = "remote-error"
	WireIOError       WireStatus = "io-error"
	WireAborted       WireStatus = "aborted"
	WireCorruption    WireStatus = "corruption"
)

// wireStatusByKind maps each Kind to its WireStatus.
var wireStatusByKind = map[Kind]WireStatus{
	KindNotFound:      WireNoSuchFile,
	KindAlreadyExists: WireNameCollision,
	KindNotSupported:  WireNotSupported,
	KindAccessDenied:  WireAccessDenied,
	KindConflict:      WireConflict,
	KindNetwork:       WireNetworkError,
	KindRemoteError:   WireRemoteError,
	KindIO:            WireIOError,
	KindAborted:       WireAborted,
	KindCorruption:    WireCorruption,
}

// WireStatus returns the status code a wire front end should report for k.
func (k Kind) WireStatus() WireStatus {
	if s, ok := wireStatusByKind[k]; ok {
		return s
	}

	return WireRemoteError
}

// Sentinel errors, one per Kind, for errors.Is comparisons. Component code
// should wrap these with Wrap rather than constructing ad hoc errors.
var (
	ErrNotFound      = errors.New("errs: not found")
	ErrAlreadyExists = errors.New("errs: already exists")
	ErrNotSupported  = errors.New("errs: not supported")
	ErrAccessDenied  = errors.New("errs: access denied")
	ErrConflict      = errors.New("errs: conflict")
	ErrNetwork       = errors.New("errs: network")
	ErrRemoteError   = errors.New("errs: remote error")
	ErrIO            = errors.New("errs: io error")
	ErrAborted       = errors.New("errs: aborted")
	ErrCorruption    = errors.New("errs: corruption")
)

var sentinelByKind = map[Kind]error{
	KindNotFound:      ErrNotFound,
	KindAlreadyExists: ErrAlreadyExists,
	KindNotSupported:  ErrNotSupported,
	KindAccessDenied:  ErrAccessDenied,
	KindConflict:      ErrConflict,
	KindNetwork:       ErrNetwork,
	KindRemoteError:   ErrRemoteError,
	KindIO:            ErrIO,
	KindAborted:       ErrAborted,
	KindCorruption:    ErrCorruption,
}

// Error wraps a sentinel Kind error with a human message and, optionally,
// the underlying cause. Use errors.Is(err, errs.ErrNotFound) or
// errors.As(err, &kindErr) to classify; Error.Unwrap exposes the sentinel so
// the former works without a type assertion.
type Error struct {
	Kind    Kind
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Message, e.Path, e.Cause)
		}

		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the sentinel (for errors.Is) and the original cause
// (for errors.As into driver-specific error types) via errors.Join semantics.
func (e *Error) Unwrap() []error {
	sentinel := sentinelByKind[e.Kind]
	if e.Cause == nil {
		return []error{sentinel}
	}

	return []error{sentinel, e.Cause}
}

// New creates an *Error of the given kind with a message and no path.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind, attaching path and cause. cause
// may be nil.
func Wrap(kind Kind, path, message string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Message: message, Cause: cause}
}

// Is reports whether err classifies as the given Kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}

	sentinel, ok := sentinelByKind[kind]
	if !ok {
		return false
	}

	return errors.Is(err, sentinel)
}

// Retryable reports whether the processor should retry an action that
// failed with err. Only Network errors are retried; everything else,
// including RemoteError, is an immediate fail.
func Retryable(err error) bool {
	return Is(err, KindNetwork)
}
