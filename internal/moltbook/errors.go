package moltbook

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	// RemoteUnavailable covers transport failures, non-2xx responses and an open
	// circuit breaker. Retry happens by re-running the collection, never here.
	RemoteUnavailable ErrorKind = "remote_unavailable"
	// RemoteMalformed means the response could not be decoded into the expected shape.
	RemoteMalformed ErrorKind = "remote_malformed"
)

// Sentinels for errors.Is comparisons against a *RemoteError.
var (
	ErrRemoteUnavailable = errors.New("moltbook: remote unavailable")
	ErrRemoteMalformed   = errors.New("moltbook: remote response malformed")
)

// RemoteError is returned by every Client call that fails.
type RemoteError struct {
	Kind     ErrorKind
	Endpoint string
	// StatusCode is zero when no HTTP response was received.
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("moltbook %s: %s (status %d): %v", e.Endpoint, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("moltbook %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteUnavailable:
		return e.Kind == RemoteUnavailable
	case ErrRemoteMalformed:
		return e.Kind == RemoteMalformed
	}
	return false
}

func unavailable(endpoint string, status int, err error) *RemoteError {
	return &RemoteError{Kind: RemoteUnavailable, Endpoint: endpoint, StatusCode: status, Err: err}
}

func malformed(endpoint string, err error) *RemoteError {
	return &RemoteError{Kind: RemoteMalformed, Endpoint: endpoint, Err: err}
}

// StatusCode extracts the HTTP status from a remote error, or 0.
func StatusCode(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}
