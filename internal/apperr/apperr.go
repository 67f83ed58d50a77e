package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of failure categories the server reports.
type Kind string

const (
	// MalformedMessage covers every protocol framing fault and undecodable payloads.
	MalformedMessage Kind = "malformed_message"
	// UnknownCommand is a well-framed request whose text matches no command.
	UnknownCommand Kind = "unknown_command"
	// JobNotFound is a retrieve for an id the store has never seen.
	JobNotFound Kind = "job_not_found"
	// TooManyCounters means a program would need more counter registers than exist.
	TooManyCounters Kind = "too_many_counters"
	// UnsupportedGate is a circuit operation the compiler cannot lower.
	UnsupportedGate Kind = "unsupported_gate"
	// HardwareFault is any failure reported by, or while talking to, the device.
	HardwareFault Kind = "hardware_fault"
	// InvalidCircuit is a well-formed circuit whose shots or qubit indexes are
	// out of range for the target.
	InvalidCircuit Kind = "invalid_circuit"
	// InvalidProfile is a hardware profile that references something it does
	// not declare.
	InvalidProfile Kind = "invalid_profile"
	// ProgramTooLarge means the compiled program would not fit the sequencer.
	ProgramTooLarge Kind = "program_too_large"
)

// Error carries a Kind plus a message and optional cause.
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

// Is matches any *Error of the same kind, so errors.Is(err, apperr.New(k, ""))
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause. A nil cause returns nil.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
