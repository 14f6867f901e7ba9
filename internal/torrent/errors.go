package torrent

import "fmt"

// UnavailableError is returned when the torrent client cannot be reached:
// connection failures, timeouts and 5xx responses. A cycle that hits it is
// skipped and retried on the next tick.
type UnavailableError struct {
	Operation  string // RPC method or client operation, e.g. "torrent-get"
	StatusCode int    // HTTP status code, 0 for transport errors
	Message    string
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("torrent client unavailable during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("torrent client unavailable during %s: %s", e.Operation, e.Message)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents rejected credentials (401/403 or a failed login).
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// RPCError is a well-formed response in which the client reported a failure.
type RPCError struct {
	Method string
	Result string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s failed: %s", e.Method, e.Result)
}
