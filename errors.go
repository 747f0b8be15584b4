package pfr

import (
	"fmt"
)

// AuthFailureKind enumerates the AuthFailure sub-kinds.
type AuthFailureKind int

const (
	RootKeyMismatch AuthFailureKind = iota
	KeyCancelled
	CskUnknown
	SignatureInvalid
	SvnTooLow
)

func (k AuthFailureKind) String() string {
	switch k {
	case RootKeyMismatch:
		return "RootKeyMismatch"
	case KeyCancelled:
		return "KeyCancelled"
	case CskUnknown:
		return "CskUnknown"
	case SignatureInvalid:
		return "SignatureInvalid"
	case SvnTooLow:
		return "SvnTooLow"
	default:
		return "UnknownAuthFailureKind"
	}
}

// IoError wraps a failure from the flash driver layer (FA). No partial
// success is exposed: on error the destination region is indeterminate.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("pfr: io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func newIoError(op string, err error) *IoError {
	return &IoError{Op: op, Err: err}
}

// FormatError reports a container-parse failure: a bad magic number,
// an inconsistent length field, or a section that doesn't fit its
// declared bounds.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("pfr: format error: %s", e.Reason)
}

func newFormatError(reason string, args ...interface{}) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(reason, args...)}
}

// AuthFailure reports a failed authentication step, tagged with the
// stage it failed at (e.g. "csk" or "content" inside VerifyImage, "T1"
// or "RECOVERY" once the platform journals it) so the mailbox's
// last_error field can report "<Stage>/<Domain>/<Kind>".
type AuthFailure struct {
	Kind  AuthFailureKind
	Stage string
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("pfr: auth failure [%s]: %s", e.Stage, e.Kind)
}

func newAuthFailure(stage string, kind AuthFailureKind) *AuthFailure {
	return &AuthFailure{Kind: kind, Stage: stage}
}

// InvalidKeyIDError reports a key_id outside [0, MaxKeyID].
type InvalidKeyIDError struct {
	KeyID uint8
}

func (e *InvalidKeyIDError) Error() string {
	return fmt.Sprintf("pfr: invalid key id: %d", e.KeyID)
}

// Sentinel errors for the remaining error kinds. These carry no
// per-occurrence data, so they are plain sentinels rather than typed
// structs.
var (
	// ErrUfmOtpViolation: an attempt to set a UFM bit from 0 to 1.
	// Never recoverable; escalates to LOCKDOWN.
	ErrUfmOtpViolation = fmt.Errorf("pfr: ufm otp violation: attempted 0->1 bit transition")

	// ErrOutOfMemory is returned when a PFM's RW-region table would
	// exceed its fixed overflow budget (see pfm.go).
	ErrOutOfMemory = fmt.Errorf("pfr: out of memory")

	// ErrBusy is returned when a caller can't acquire the exclusive
	// flash-region lock for a device that's already locked.
	ErrBusy = fmt.Errorf("pfr: flash region busy")

	// ErrLockdownRequested marks an unrecoverable platform condition;
	// PSM transitions to LOCKDOWN and never releases a host again.
	ErrLockdownRequested = fmt.Errorf("pfr: lockdown requested")
)
