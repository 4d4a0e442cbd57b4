package tpudrv

import "github.com/tpudrv/tpudrv/internal/tpuerr"

// Code is one of the semantic error kinds named in spec.md §7. They are
// deliberately not an errno namespace: a transport may map several distinct
// syscall/libusb failures onto the same Code.
type Code = tpuerr.Code

const (
	CodeInvalidArgument    = tpuerr.CodeInvalidArgument
	CodeFailedPrecondition = tpuerr.CodeFailedPrecondition
	CodeOutOfRange         = tpuerr.CodeOutOfRange
	CodeResourceExhausted  = tpuerr.CodeResourceExhausted
	CodeNotFound           = tpuerr.CodeNotFound
	CodeAlreadyExists      = tpuerr.CodeAlreadyExists
	CodeCancelled          = tpuerr.CodeCancelled
	CodeDeadlineExceeded   = tpuerr.CodeDeadlineExceeded
	CodeUnavailable        = tpuerr.CodeUnavailable
	CodeUnimplemented      = tpuerr.CodeUnimplemented
	CodeInternal           = tpuerr.CodeInternal
	CodeUnknown            = tpuerr.CodeUnknown
	CodeDataLoss           = tpuerr.CodeDataLoss
)

// Error is the structured error type returned across the driver's public
// surface: Op names the failing operation, RequestID/DeviceID identify the
// context when applicable, Code is the semantic kind callers branch on, and
// Inner carries whatever lower-level error (transport errno, parse failure)
// caused it.
type Error = tpuerr.Error

// NewError builds a structured error with no request/device context.
func NewError(op string, code Code, msg string) *Error { return tpuerr.NewError(op, code, msg) }

// NewRequestError builds a structured error scoped to one request.
func NewRequestError(op string, requestID int32, code Code, msg string) *Error {
	return tpuerr.NewRequestError(op, requestID, code, msg)
}

// WrapError wraps an arbitrary error with operation context, preserving an
// existing *Error's Code/RequestID/DeviceID if inner is already one of ours.
func WrapError(op string, inner error) *Error { return tpuerr.WrapError(op, inner) }

// IsCode reports whether err (or any error it wraps) carries the given Code.
func IsCode(err error, code Code) bool { return tpuerr.IsCode(err, code) }

// Sentinel errors for conditions tested by identity throughout the core.
var (
	ErrClosed          = tpuerr.ErrClosed
	ErrAlreadyOpen     = tpuerr.ErrAlreadyOpen
	ErrCancelled       = tpuerr.ErrCancelled
	ErrInFlight        = tpuerr.ErrInFlight
	ErrWatchdogExpired = tpuerr.ErrWatchdogExpired
)
