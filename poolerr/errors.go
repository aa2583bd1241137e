// Package poolerr defines the closed error-kind variant set dmpool
// uses at every component boundary, in place of ad hoc sentinel errors
// or string matching. It plays the role the teacher's
// DeviceExistsError/PoolFullError/DeviceNotFoundError family plays in
// devicemapper/dm.go, generalized to a single closed Kind enum.
package poolerr

import "fmt"

// Kind is a closed set of error categories. Callers branch on Kind,
// never on the formatted message.
type Kind int

const (
	// KindNotFound indicates a referenced entity (member, raid zone,
	// thin device, pool) does not exist.
	KindNotFound Kind = iota
	// KindPermissionDenied indicates the caller lacks the privilege
	// (typically CAP_SYS_ADMIN / root) a kernel-boundary call needs.
	KindPermissionDenied
	// KindInvalidInput indicates a caller-supplied value violates an
	// invariant (wrong member count, mismatched device sizes, ...).
	KindInvalidInput
	// KindIoFailure indicates a read/write to a member device or a
	// dm/mkfs/mknod subprocess failed.
	KindIoFailure
	// KindKernelState indicates the kernel returned a device-mapper
	// status this code does not know how to interpret, or a status
	// indicating the device needs manual intervention (NeedsCheck,
	// Fail).
	KindKernelState
	// KindMissingMembers indicates more pool members are absent than
	// the pool's redundancy can tolerate.
	KindMissingMembers
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvalidInput:
		return "invalid_input"
	case KindIoFailure:
		return "io_failure"
	case KindKernelState:
		return "kernel_state"
	case KindMissingMembers:
		return "missing_members"
	default:
		return "unknown"
	}
}

// Error is the single error type every dmpool component returns at its
// boundary. Fields beyond Kind are advisory context for logging; test
// equality (per spec.md §9) compares Kind plus these structured
// fields, never the formatted message.
type Error struct {
	Kind     Kind
	Path     string // member device path / dm name / mount point, when applicable
	Expected string // expected value, for mismatch errors
	Observed string // observed value, for mismatch errors
	Err      error  // wrapped underlying error, if any
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += " [" + e.Path + "]"
	}
	if e.Expected != "" || e.Observed != "" {
		msg += fmt.Sprintf(" (expected %q, observed %q)", e.Expected, e.Observed)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if !As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}

// As is errors.As specialized for *Error, kept local so callers don't
// need a second import for the common case.
func As(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func NotFound(path string, cause error) *Error {
	return &Error{Kind: KindNotFound, Path: path, Err: cause}
}

func PermissionDenied(path string, cause error) *Error {
	return &Error{Kind: KindPermissionDenied, Path: path, Err: cause}
}

func InvalidInputf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

func IoFailure(path string, cause error) *Error {
	return &Error{Kind: KindIoFailure, Path: path, Err: cause}
}

func KernelState(path, expected, observed string) *Error {
	return &Error{Kind: KindKernelState, Path: path, Expected: expected, Observed: observed}
}

func MissingMembers(expected, observed string) *Error {
	return &Error{Kind: KindMissingMembers, Expected: expected, Observed: observed}
}
