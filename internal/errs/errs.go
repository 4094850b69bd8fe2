// Package errs defines the error taxonomy shared by every core component:
// protocol, authorization, admission, validation, ownership, backpressure,
// and fatal errors. Components return *errs.Error so callers (the control
// plane, the SSH server) can map a failure to a wire-level code without
// string-matching error messages.
package errs

import "fmt"

// Code identifies one taxonomy entry. Codes are stable wire identifiers:
// they appear in control-plane error responses and RegisterAck.reason.
type Code string

const (
	// Protocol
	CodeFrameTooLarge             Code = "FrameTooLarge"
	CodeUnknownMessageType        Code = "UnknownMessageType"
	CodeMalformedPayload          Code = "MalformedPayload"
	CodeProtocolVersionMismatch   Code = "ProtocolVersionMismatch"

	// Authorization
	CodePeerRejected           Code = "PeerRejected"
	CodeAuthenticationRequired Code = "AuthenticationRequired"
	CodeAuthRateLimited        Code = "AuthRateLimited"

	// Admission
	CodeConnectionLimitExceeded  Code = "ConnectionLimitExceeded"
	CodeSessionLimitExceeded     Code = "SessionLimitExceeded"
	CodeMachineNotFound          Code = "MachineNotFound"
	CodeDuplicateMachineReplaced Code = "DuplicateMachineReplaced"

	// Input validation
	CodeInvalidEnv     Code = "InvalidEnv"
	CodeInvalidResize  Code = "InvalidResize"
	CodeInputTooLarge  Code = "InputTooLarge"

	// Ownership
	CodeNotOwner  Code = "NotOwner"
	CodeNotReady  Code = "NotReady"

	// Backpressure
	CodeAgentBackpressure Code = "AgentBackpressure"
	CodeRateLimited       Code = "RateLimited"

	// Admission / lookup misses that aren't really taxonomy "errors" but
	// are returned the same way to callers.
	CodeSessionNotFound Code = "SessionNotFound"

	// Fatal
	CodeIoError                 Code = "IoError"
	CodeCodecError              Code = "CodecError"
	CodeInternalInvariantBroken Code = "InternalInvariantBroken"
)

// Error is a taxonomy-coded error. It never embeds secrets: Message is
// meant to be safe to send to an untrusted peer or print at info level.
type Error struct {
	Code    Code
	Message string
	Err     error // optional wrapped cause, not sent over the wire
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the taxonomy code from err, or "" if err isn't an *Error.
func CodeOf(err error) Code {
	if as, ok := err.(*Error); ok {
		return as.Code
	}
	return ""
}

// IsFatal reports whether a connection-level error requires closing the
// connection per §7 propagation policy.
func IsFatal(code Code) bool {
	switch code {
	case CodeFrameTooLarge, CodeUnknownMessageType, CodeMalformedPayload,
		CodeProtocolVersionMismatch, CodeIoError, CodeCodecError,
		CodeInternalInvariantBroken:
		return true
	default:
		return false
	}
}
