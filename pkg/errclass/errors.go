package errclass

import (
	"errors"
	"fmt"
	"maps"
)

// Kind groups error codes into the categories callers branch on.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindIntegrityFailure       Kind = "integrity_failure"
	KindIOFailure              Kind = "io_failure"
	KindSafetyGateFailure      Kind = "safety_gate_failure"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindInvalidArgument        Kind = "invalid_argument"
	KindUnknown                Kind = "unknown"
)

// CkptError is a stable, machine-readable error class.
type CkptError struct {
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *CkptError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *CkptError) Is(target error) bool {
	t, ok := target.(*CkptError)
	return ok && e.Code == t.Code
}

func (e *CkptError) Unwrap() error {
	return e.cause
}

// Kind returns the taxonomy category of the error code.
func (e *CkptError) Kind() Kind {
	if k, ok := kinds[e.Code]; ok {
		return k
	}
	return KindUnknown
}

func (e *CkptError) clone() *CkptError {
	return &CkptError{
		Code:    e.Code,
		Message: e.Message,
		Details: maps.Clone(e.Details),
		cause:   e.cause,
	}
}

// WithMessage returns a new CkptError with the same Code but a specific message.
func (e *CkptError) WithMessage(msg string) *CkptError {
	c := e.clone()
	c.Message = msg
	return c
}

// WithMessagef returns a new CkptError with a formatted message.
func (e *CkptError) WithMessagef(format string, args ...any) *CkptError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetail returns a copy carrying an additional structured detail.
func (e *CkptError) WithDetail(key string, value any) *CkptError {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]any)
	}
	c.Details[key] = value
	return c
}

// Wrap returns a copy whose cause is err.
func (e *CkptError) Wrap(err error) *CkptError {
	c := e.clone()
	c.cause = err
	return c
}

var (
	ErrSourceNotFound    = &CkptError{Code: "E_SOURCE_NOT_FOUND"}
	ErrSnapshotNotFound  = &CkptError{Code: "E_SNAPSHOT_NOT_FOUND"}
	ErrBackupNotFound    = &CkptError{Code: "E_BACKUP_NOT_FOUND"}
	ErrPointNotFound     = &CkptError{Code: "E_POINT_NOT_FOUND"}
	ErrOperationNotFound = &CkptError{Code: "E_OPERATION_NOT_FOUND"}

	ErrChecksumMismatch    = &CkptError{Code: "E_CHECKSUM_MISMATCH"}
	ErrVerificationFailed  = &CkptError{Code: "E_VERIFICATION_FAILED"}
	ErrChainBroken         = &CkptError{Code: "E_CHAIN_BROKEN"}
	ErrAuditChainBroken    = &CkptError{Code: "E_AUDIT_CHAIN_BROKEN"}
	ErrRecordCorrupt       = &CkptError{Code: "E_RECORD_CORRUPT"}
	ErrFormatVersionFuture = &CkptError{Code: "E_FORMAT_VERSION_FUTURE"}

	ErrSnapshotFailed = &CkptError{Code: "E_SNAPSHOT_FAILED"}
	ErrBackupFailed   = &CkptError{Code: "E_BACKUP_FAILED"}
	ErrRestoreFailed  = &CkptError{Code: "E_RESTORE_FAILED"}
	ErrDeleteFailed   = &CkptError{Code: "E_DELETE_FAILED"}
	ErrStoreFailed    = &CkptError{Code: "E_STORE_FAILED"}

	ErrSafetyCheckFailed = &CkptError{Code: "E_SAFETY_CHECK_FAILED"}

	ErrInvalidStateTransition = &CkptError{Code: "E_INVALID_STATE_TRANSITION"}
	ErrOperationCancelled     = &CkptError{Code: "E_OPERATION_CANCELLED"}

	ErrNameInvalid       = &CkptError{Code: "E_NAME_INVALID"}
	ErrPathEscape        = &CkptError{Code: "E_PATH_ESCAPE"}
	ErrFormatUnsupported = &CkptError{Code: "E_FORMAT_UNSUPPORTED"}
	ErrHasChildren       = &CkptError{Code: "E_HAS_CHILDREN"}
	ErrConfigInvalid     = &CkptError{Code: "E_CONFIG_INVALID"}
	ErrAmbiguousID       = &CkptError{Code: "E_AMBIGUOUS_ID"}
	ErrScopeInvalid      = &CkptError{Code: "E_SCOPE_INVALID"}
)

var kinds = map[string]Kind{
	ErrSourceNotFound.Code:    KindNotFound,
	ErrSnapshotNotFound.Code:  KindNotFound,
	ErrBackupNotFound.Code:    KindNotFound,
	ErrPointNotFound.Code:     KindNotFound,
	ErrOperationNotFound.Code: KindNotFound,

	ErrChecksumMismatch.Code:    KindIntegrityFailure,
	ErrVerificationFailed.Code:  KindIntegrityFailure,
	ErrChainBroken.Code:         KindIntegrityFailure,
	ErrAuditChainBroken.Code:    KindIntegrityFailure,
	ErrRecordCorrupt.Code:       KindIntegrityFailure,
	ErrFormatVersionFuture.Code: KindIntegrityFailure,

	ErrSnapshotFailed.Code: KindIOFailure,
	ErrBackupFailed.Code:   KindIOFailure,
	ErrRestoreFailed.Code:  KindIOFailure,
	ErrDeleteFailed.Code:   KindIOFailure,
	ErrStoreFailed.Code:    KindIOFailure,

	ErrSafetyCheckFailed.Code: KindSafetyGateFailure,

	ErrInvalidStateTransition.Code: KindInvalidStateTransition,
	ErrOperationCancelled.Code:     KindInvalidStateTransition,

	ErrNameInvalid.Code:       KindInvalidArgument,
	ErrPathEscape.Code:        KindInvalidArgument,
	ErrFormatUnsupported.Code: KindInvalidArgument,
	ErrHasChildren.Code:       KindInvalidArgument,
	ErrConfigInvalid.Code:     KindInvalidArgument,
	ErrAmbiguousID.Code:       KindInvalidArgument,
	ErrScopeInvalid.Code:      KindInvalidArgument,
}

// KindOf returns the taxonomy category of the first CkptError in err's chain.
func KindOf(err error) Kind {
	var ce *CkptError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	return KindUnknown
}

// CodeOf returns the code of the first CkptError in err's chain, or "".
func CodeOf(err error) string {
	var ce *CkptError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// DetailsOf returns the structured details of the first CkptError in err's chain.
func DetailsOf(err error) map[string]any {
	var ce *CkptError
	if errors.As(err, &ce) {
		return ce.Details
	}
	return nil
}
