// Package fserrors defines the error taxonomy surfaced by the file system
// core. Consumers branch on Kind, never on backend-specific strings.
package fserrors

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
)

// Kind classifies a failure.
type Kind int

// Error kinds.
const (
	KindIO Kind = iota
	KindNotFound
	KindPermissionDenied
	KindPathExists
	KindQuotaExceeded
	KindNotReadable
	KindInvalidState
	KindNoVolume
	KindTooManyEntries
	// KindContentsModified refuses a write whose expected hash no longer
	// matches the file on the backend.
	KindContentsModified
)

var kindNames = map[Kind]string{
	KindIO:               "io error",
	KindNotFound:         "not found",
	KindPermissionDenied: "permission denied",
	KindPathExists:       "path exists",
	KindQuotaExceeded:    "quota exceeded",
	KindNotReadable:      "not readable",
	KindInvalidState:     "invalid state",
	KindNoVolume:         "no volume",
	KindTooManyEntries:   "too many entries",
	KindContentsModified: "contents modified",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Sentinels, one per kind. errors.Is(err, ErrNotFound) matches any *Error
// of that kind.
var (
	ErrIO               = errors.New("io error")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrPathExists       = errors.New("path exists")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrNotReadable      = errors.New("not readable")
	ErrInvalidState     = errors.New("invalid state")
	ErrNoVolume         = errors.New("no volume")
	ErrTooManyEntries   = errors.New("too many entries")
	ErrContentsModified = errors.New("contents modified")

	// ErrRemoved is the cause attached to operations on a removed entry.
	ErrRemoved = errors.New("entry was removed")
)

var sentinels = map[Kind]error{
	KindIO:               ErrIO,
	KindNotFound:         ErrNotFound,
	KindPermissionDenied: ErrPermissionDenied,
	KindPathExists:       ErrPathExists,
	KindQuotaExceeded:    ErrQuotaExceeded,
	KindNotReadable:      ErrNotReadable,
	KindInvalidState:     ErrInvalidState,
	KindNoVolume:         ErrNoVolume,
	KindTooManyEntries:   ErrTooManyEntries,
	KindContentsModified: ErrContentsModified,
}

// Error is a failure attributed to a path and a kind.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

// New creates an Error.
func New(op, path string, kind Kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op + " " + e.Path + ": " + e.Kind.String()
	if e.Err != nil && e.Err.Error() != e.Kind.String() {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error kind. An operation on a removed
// entry is also NotFound-class.
func (e *Error) Is(target error) bool {
	if target == sentinels[e.Kind] {
		return true
	}
	return target == ErrNotFound && e.Kind == KindInvalidState && errors.Is(e.Err, ErrRemoved)
}

// WithPath returns a copy of e reporting path instead of its own. Used to
// translate volume-relative adapter paths into absolute ones.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// Removed returns the error for an operation on a removed entry.
func Removed(op, path string) *Error {
	return New(op, path, KindInvalidState, ErrRemoved)
}

// KindOf returns the kind of err, or KindIO when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNotFound reports whether err is NotFound-class.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether a caller may reasonably retry err. Only
// unclassified I/O failures qualify; structural errors are terminal.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindIO
}

// FromOS classifies an error from the os and io/fs packages.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(op, path, classify(err), err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return KindPermissionDenied
	case errors.Is(err, fs.ErrExist), errors.Is(err, syscall.ENOTEMPTY):
		return KindPathExists
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return KindQuotaExceeded
	case errors.Is(err, syscall.EISDIR):
		return KindNotReadable
	default:
		return KindIO
	}
}
