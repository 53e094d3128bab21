package protocol

import "fmt"

// Code enumerates the error kinds spec.md §7 assigns names to.
type Code string

const (
	CodeValidationFailed   Code = "validation-failed"
	CodeTimeout            Code = "timeout"
	CodeConnectionFailed   Code = "connection-failed"
	CodeVersionMismatch    Code = "version-mismatch"
	CodeDescriptorMismatch Code = "descriptor-mismatch"
	CodeMissingHandler     Code = "missing-handler"
	CodeUnknownEndpoint    Code = "unknown-endpoint"
)

// Error is the typed error returned wherever a failure has one of the
// Codes above (RPC calls, descriptor checks, SharedObject validation), so
// callers (and the RPC wire encoder) can branch on Code. Other failures
// are returned as plain errors.
type Error struct {
	Code     Code
	Message  string
	Endpoint Name // empty when not endpoint-scoped
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s: %s (endpoint %q)", e.Code, e.Message, e.Endpoint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code Code, endpoint Name, format string, args ...interface{}) *Error {
	return &Error{Code: code, Endpoint: endpoint, Message: fmt.Sprintf(format, args...)}
}

// ToRPCError serializes e for the rpc:res wire frame.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return &RPCError{Name: "ProtocolError", Message: pe.Message, Code: string(pe.Code)}
	}
	return &RPCError{Name: "Error", Message: err.Error(), Code: "unknown"}
}
