// Package cmn holds the library-wide error catalog, configuration, and the
// wire-adjacent data types shared by every other package (spec §7, §3).
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the closed error taxonomy from spec §7. C-ABI callers see
// these as negative integers (see smemtrans.ErrCode).
type Kind int

const (
	KindNone Kind = iota
	KindInvalidParam
	KindNotInitialized
	KindMallocFailed
	KindNewObjectFailed
	KindDlFunctionFailed
	KindTimeout
	KindIoError
	KindNotExist
	KindInvalidMessage
	KindRestore
	KindResourceInUse
	KindObjectNotExists
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParam:
		return "InvalidParam"
	case KindNotInitialized:
		return "NotInitialized"
	case KindMallocFailed:
		return "MallocFailed"
	case KindNewObjectFailed:
		return "NewObjectFailed"
	case KindDlFunctionFailed:
		return "DlFunctionFailed"
	case KindTimeout:
		return "Timeout"
	case KindIoError:
		return "IoError"
	case KindNotExist:
		return "NotExist"
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindRestore:
		return "Restore"
	case KindResourceInUse:
		return "ResourceInUse"
	case KindObjectNotExists:
		return "ObjectNotExists"
	case KindNotSupported:
		return "NotSupported"
	default:
		return "None"
	}
}

// Error is the single error type every package in this repo returns for
// anything catalogued in spec §7. It carries the Kind plus a message and,
// when one exists, a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, KindTimeout)-style checks work by kind; callers
// typically use IsKind instead since Kind isn't an error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: errors.WithStack(cause)}
}

func NewErrInvalidParam(format string, args ...any) *Error {
	return newErr(KindInvalidParam, format, args...)
}
func NewErrNotInitialized() *Error {
	return newErr(KindNotInitialized, "smem_trans_init has not been called")
}
func NewErrMallocFailed(what string) *Error {
	return newErr(KindMallocFailed, "failed to allocate %s", what)
}
func NewErrNewObjectFailed(what string, cause error) *Error {
	return wrapErr(KindNewObjectFailed, cause, "failed to construct %s", what)
}
func NewErrDlFunctionFailed(fn string, cause error) *Error {
	return wrapErr(KindDlFunctionFailed, cause, "provider call %s failed", fn)
}
func NewErrTimeout(what string) *Error { return newErr(KindTimeout, "%s timed out", what) }
func NewErrIoError(cause error) *Error {
	return wrapErr(KindIoError, cause, "link io error")
}
func NewErrNotExist(key string) *Error { return newErr(KindNotExist, "key %q does not exist", key) }
func NewErrInvalidMessage(format string, args ...any) *Error {
	return newErr(KindInvalidMessage, format, args...)
}
func NewErrRestore(format string, args ...any) *Error { return newErr(KindRestore, format, args...) }
func NewErrResourceInUse(what string) *Error {
	return newErr(KindResourceInUse, "%s already in use", what)
}
func NewErrObjectNotExists(handle any) *Error {
	return newErr(KindObjectNotExists, "handle %v is not known to the registry", handle)
}
func NewErrNotSupported(op string) *Error {
	return newErr(KindNotSupported, "operation %q is not supported by this transport", op)
}

// AsKind extracts the Kind from err when it (or something it wraps) is a
// *Error, defaulting to KindNone otherwise.
func AsKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

func IsKind(err error, k Kind) bool { return AsKind(err) == k }

func IsNotSupported(err error) bool { return IsKind(err, KindNotSupported) }
