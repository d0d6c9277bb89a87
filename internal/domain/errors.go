// Package domain holds the value types and sentinel errors shared by every
// component of the device core. It has no infrastructure dependency.
package domain

import "errors"

// Code is the machine-readable error taxonomy of spec §7, attached to
// errors that cross a component boundary (shadow reports, audit lines).
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeIntegrityError
	CodeAuthError
	CodeCryptoError
	CodeVersionRejected
	CodeTimeout
	CodeNoMemory
	CodeBackend
	CodeIO
	CodeUnauthorized
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeNotFound:
		return "NotFound"
	case CodeIntegrityError:
		return "IntegrityError"
	case CodeAuthError:
		return "AuthError"
	case CodeCryptoError:
		return "CryptoError"
	case CodeVersionRejected:
		return "VersionRejected"
	case CodeTimeout:
		return "Timeout"
	case CodeNoMemory:
		return "NoMemory"
	case CodeBackend:
		return "Backend"
	case CodeIO:
		return "IO"
	case CodeUnauthorized:
		return "Unauthorized"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a stable Code, so callers across
// package boundaries (shadow reporting, audit lines) can switch on Code
// without string matching.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Code.String()
	}
	return e.Op + ": " + e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a *Error, the way the rest of this package builds sentinels.
func Wrap(code Code, op string, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the Code carried by err, or CodeUnknown if err does not
// carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// ─── Durable store (C1) ─────────────────────────────────────────────────────

var (
	ErrNotFound       = errors.New("store: key not found")
	ErrIntegrity      = errors.New("store: integrity check failed on both copies")
	ErrNoMemory       = errors.New("store: out of memory")
	ErrBackendFailure = errors.New("store: backend medium failure")
)

// ─── Crypto primitives (C2) ─────────────────────────────────────────────────

var (
	ErrInvalidArgument = errors.New("crypto: invalid argument")
	ErrCrypto          = errors.New("crypto: operation failed")
	ErrAuth            = errors.New("crypto: authentication failed")
)

// ─── Commissioning session (C7) ─────────────────────────────────────────────

var (
	ErrNoSession     = errors.New("commissioning: no active session")
	ErrReplay        = errors.New("commissioning: counter rejected by replay window")
	ErrFrameTooLarge = errors.New("commissioning: frame exceeds maximum size")
	ErrMalformed     = errors.New("commissioning: malformed frame")
)

// ─── Update pipeline (C8) ───────────────────────────────────────────────────

var (
	ErrManifestInvalid    = errors.New("update: manifest invalid")
	ErrSignatureInvalid   = errors.New("update: signature invalid")
	ErrChainInvalid       = errors.New("update: certificate chain invalid")
	ErrKeyIDMismatch      = errors.New("update: signer key id mismatch")
	ErrVersionRejected    = errors.New("update: version rejected by anti-rollback policy")
	ErrDownloadIncomplete = errors.New("update: download incomplete")
	ErrDigestMismatch     = errors.New("update: digest mismatch")
	ErrCommitFailed       = errors.New("update: commit failed")
	ErrUnauthorized       = errors.New("update: unauthorized — no trusted signer available")
)

// ─── Network supervisor (C5) ────────────────────────────────────────────────

var (
	ErrNoCredentials   = errors.New("netsupervisor: no credentials stored")
	ErrRetryExhausted  = errors.New("netsupervisor: retry budget exhausted")
	ErrInvalidCreds    = errors.New("netsupervisor: invalid credentials")
)

// ─── Control pipeline (C4) ──────────────────────────────────────────────────

var (
	ErrQueueClosed    = errors.New("control: command queue closed")
	ErrPeripheralFail = errors.New("control: peripheral rejected ramp program")
)
