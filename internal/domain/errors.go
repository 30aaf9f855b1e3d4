package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrEngineStart  = fmt.Errorf("engine failed to start")
	ErrProcessEnded = fmt.Errorf("process has completed")
	ErrRenderFailed = fmt.Errorf("render failed")

	// Gateway errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrStreamOverflow    = fmt.Errorf("stream: viewer queue overflow")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Supervisor.StartSession")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "process", "stream"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeConfigLoad     ErrorCode = "CONFIG_LOAD"
	CodeEncryption     ErrorCode = "ENCRYPTION"
	CodeDecryption     ErrorCode = "DECRYPTION"
	CodeAuthInvalid    ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth    ErrorCode = "GATEWAY_AUTH"
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeEngineStart    ErrorCode = "ENGINE_START"
	CodeProcessEnded   ErrorCode = "PROCESS_ENDED"
	CodeRenderFailed   ErrorCode = "RENDER_FAILED"
	CodeStreamOverflow ErrorCode = "STREAM_OVERFLOW"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeProcessNotFound    ErrorCode = "PROCESS_NOT_FOUND"
	CodeProcessMaxRunning  ErrorCode = "PROCESS_MAX_RUNNING"
	CodeSessionNotOwned    ErrorCode = "SESSION_NOT_OWNED"
	CodeProjectIDInvalid   ErrorCode = "PROJECT_ID_INVALID"
	CodeEngineUnavailable  ErrorCode = "ENGINE_UNAVAILABLE"
	CodeRenderCircuitOpen  ErrorCode = "RENDER_CIRCUIT_OPEN"
	CodeJournalUnavailable ErrorCode = "JOURNAL_UNAVAILABLE"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRateLimit:         CodeRateLimit,
	ErrEngineStart:       CodeEngineStart,
	ErrProcessEnded:      CodeProcessEnded,
	ErrRenderFailed:      CodeRenderFailed,
	ErrStreamOverflow:    CodeStreamOverflow,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"process": CodeProcessNotFound,
		"stream":  CodeSessionNotOwned,
	},
	ErrLimitReached: {
		"process": CodeProcessMaxRunning,
	},
	ErrInvalidInput: {
		"project": CodeProjectIDInvalid,
	},
	ErrDisabled: {
		"journal": CodeJournalUnavailable,
	},
	ErrProviderError: {
		"engine": CodeEngineUnavailable,
		"render": CodeRenderCircuitOpen,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
