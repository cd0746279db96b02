// Package lerrors implements a structured error taxonomy with a stable
// machine-readable Code on every error.
//
// Errors that pkg/manager and pkg/conn raise themselves are *Error values,
// so callers can switch on Code rather than matching strings. Errors they
// only pass through are returned unchanged: a PortProcessor's send error
// from Send, a Transport's Close error from Shutdown, and ctx.Err() from a
// cancelled Resolve.
package lerrors

import (
	stderrors "errors"
	"fmt"

	"github.com/nodelink/linkmesh/pkg/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is a machine-readable error code, one of the E_* constants below.
type Code string

const (
	// CodeHandshakeRejected: the passive side's verifier returned false.
	CodeHandshakeRejected Code = "E_HANDSHAKE_REJECTED"
	// CodeHandshakeFailed: dial failed, or the remote closed before verification.
	CodeHandshakeFailed Code = "E_HANDSHAKE_FAILED"
	// CodeUsageInvalid: an operation was called in a forbidden state.
	CodeUsageInvalid Code = "E_USAGE_INVALID"
	// CodeProtocolError: a malformed wire message was received.
	CodeProtocolError Code = "E_PROTOCOL_ERROR"
	// CodeEndpointPrefix is the family prefix for transport-layer failures
	// bubbled up unchanged. Use EndpointCode to build a specific member.
	CodeEndpointPrefix = "E_ENDPOINT_"
)

// EndpointCode builds a member of the E_ENDPOINT_* family, e.g.
// EndpointCode("DIAL_FAILED") -> "E_ENDPOINT_DIAL_FAILED".
func EndpointCode(reason string) Code {
	return Code(CodeEndpointPrefix + reason)
}

// IsEndpoint reports whether c belongs to the E_ENDPOINT_* family.
func (c Code) IsEndpoint() bool {
	return len(c) >= len(CodeEndpointPrefix) && c[:len(CodeEndpointPrefix)] == CodeEndpointPrefix
}

// Error is the concrete error type this package returns. It is never the
// zero value in practice; construct it with New.
type Error struct {
	Code    Code
	Cause   error
	Context map[string]any
}

// New builds an *Error with the given code, message and optional cause.
// Additional key/value pairs are attached as Context (odd arguments are
// dropped along with a trailing unmatched key).
func New(code Code, msg string, cause error, kv ...any) *Error {
	var wrapped error
	switch {
	case cause != nil && msg != "":
		wrapped = fmt.Errorf("%s: %w", msg, cause)
	case cause != nil:
		wrapped = cause
	default:
		wrapped = stderrors.New(msg)
	}
	e := &Error{Code: code, Cause: wrapped}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Context[key] = kv[i+1]
		}
	}
	return e
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Cause.Error())
}

// Unwrap makes Error compatible with errors.Is/errors.As and the %w verb.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports code equality, allowing errors.Is(err, lerrors.CodeX) style
// checks via a sentinel built from As+Code comparison in CodeOf instead;
// Is here only handles comparison against another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the Code carried by err, if any wraps an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// grpcCode maps a Code onto the closest grpc/codes.Code, reusing the
// module's existing grpc dependency for status reporting instead of
// inventing a parallel enum.
func (c Code) grpcCode() codes.Code {
	switch {
	case c == CodeHandshakeRejected:
		return codes.PermissionDenied
	case c == CodeHandshakeFailed:
		return codes.Unavailable
	case c == CodeUsageInvalid:
		return codes.FailedPrecondition
	case c == CodeProtocolError:
		return codes.InvalidArgument
	case c.IsEndpoint():
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// GRPCStatus lets an *Error be returned directly by a grpc handler and be
// unwrapped by grpc clients with status.FromError.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code.grpcCode(), e.Error())
}

// ToWire produces the wire representation carried by HANDSHAKE_REJECT.
func (e *Error) ToWire() *wire.SerializedError {
	return &wire.SerializedError{Code: string(e.Code), Message: e.Error()}
}

// FromWire reconstructs an *Error from its wire representation.
func FromWire(w *wire.SerializedError) *Error {
	if w == nil {
		return nil
	}
	return &Error{Code: Code(w.Code), Cause: fmt.Errorf("%s", w.Message)}
}
