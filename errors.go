package ipasim

import (
	"fmt"
	"os"
)

// ErrorCode categorizes the error kinds this core can surface: load,
// dispatch, resource, engine.
type ErrorCode uint32

const (
	ErrUnknown ErrorCode = iota

	// Load errors.
	ErrInvalidBinaryType
	ErrUnsupportedHeaderFlag
	ErrOverlappingSegments
	ErrUnsupportedRelocation
	ErrUnsupportedBinding
	ErrMissingSymbol
	ErrFileNotFound

	// Dispatch errors.
	ErrUnmappedFetch
	ErrMissingWrapperEntry
	ErrMissingMethodType
	ErrUnsupportedTypeEncoding
	ErrTooManyArguments

	// Resource errors.
	ErrAllocationFailed
	ErrClosurePrepFailed
	ErrHostLoaderFailed

	// Engine errors.
	ErrEngineFailure
)

// CoreError wraps one of the error kinds above with a human-readable
// message. It is never returned to the guest program; load and dispatch
// errors are logged and treated as best-effort, engine errors are fatal
// and stop emulation.
type CoreError struct {
	Code    ErrorCode
	message string
}

func (e *CoreError) Error() string {
	if isProductionEnv() {
		return e.sanitized()
	}
	return e.detailed()
}

func (e *CoreError) detailed() string {
	switch e.Code {
	case ErrInvalidBinaryType:
		return "ipasim: invalid binary type: " + e.message
	case ErrUnsupportedHeaderFlag:
		return "ipasim: unsupported header flag: " + e.message
	case ErrOverlappingSegments:
		return "ipasim: overlapping library ranges: " + e.message
	case ErrUnsupportedRelocation:
		return "ipasim: unsupported relocation kind: " + e.message
	case ErrUnsupportedBinding:
		return "ipasim: unsupported binding kind: " + e.message
	case ErrMissingSymbol:
		return "ipasim: missing symbol: " + e.message
	case ErrFileNotFound:
		return "ipasim: file not found: " + e.message
	case ErrUnmappedFetch:
		return "ipasim: unmapped address fetched: " + e.message
	case ErrMissingWrapperEntry:
		return "ipasim: missing wrapper index entry: " + e.message
	case ErrMissingMethodType:
		return "ipasim: missing method type metadata: " + e.message
	case ErrUnsupportedTypeEncoding:
		return "ipasim: unsupported type encoding: " + e.message
	case ErrTooManyArguments:
		return "ipasim: too many arguments: " + e.message
	case ErrAllocationFailed:
		return "ipasim: allocation failed: " + e.message
	case ErrClosurePrepFailed:
		return "ipasim: closure preparation failed: " + e.message
	case ErrHostLoaderFailed:
		return "ipasim: host loader failed: " + e.message
	case ErrEngineFailure:
		return "ipasim: emulator engine failure: " + e.message
	default:
		return fmt.Sprintf("ipasim: unknown error (code %d): %s", e.Code, e.message)
	}
}

func (e *CoreError) sanitized() string {
	return fmt.Sprintf("ipasim: error (code %d)", e.Code)
}

func newErr(code ErrorCode, format string, args ...any) *CoreError {
	return &CoreError{Code: code, message: fmt.Sprintf(format, args...)}
}

func isProductionEnv() bool {
	return os.Getenv("IPASIM_ENV") == "production"
}

// Sentinel errors for conditions checked by callers without needing the
// formatted message.
var (
	ErrLoaderClosed    = &CoreError{Code: ErrUnknown, message: "loader is closed"}
	ErrExecutorClosed  = &CoreError{Code: ErrUnknown, message: "executor is closed"}
	ErrContinuationSet = &CoreError{Code: ErrUnknown, message: "a continuation is already pending"}
	ErrNoLibrary       = &CoreError{Code: ErrUnmappedFetch, message: "address is not contained in any loaded library"}
)
