package tsquery

import "fmt"

// TransportError covers network-level and HTTP-status failures. The
// upstream was unreachable or misbehaving; retrying later is reasonable.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tsquery: transport error on %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the upstream answered but the envelope signalled a
// non-success status or could not be decoded.
type ProtocolError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tsquery: %s: server status %d: %s", e.Endpoint, e.Code, e.Message)
}
