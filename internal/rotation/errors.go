package rotation

import (
	"errors"
	"fmt"
)

// ErrInvalidState reports caller misuse: mutating a plan outside PLANNING,
// starting an empty plan, or starting a plan that is already running or
// finished. It is returned synchronously and never written to the plan log.
var ErrInvalidState = errors.New("invalid plan state")

// TransientError wraps a failure worth retrying: connection refused, network
// timeout, or any other condition expected to clear on its own.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// AuthError reports that the credential presented to a target was rejected.
// Fatal to that target only; never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// RemoteCommandError reports that a remote command ran but exited non-zero,
// e.g. permission denied writing authorized_keys. Fatal to that target only;
// never retried.
type RemoteCommandError struct {
	ExitStatus int
	Stderr     string
}

func (e *RemoteCommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command exited %d: %s", e.ExitStatus, e.Stderr)
	}
	return fmt.Sprintf("remote command exited %d", e.ExitStatus)
}

// GenerationError reports that the new key pair could not be produced.
// Fatal to the whole plan; nothing has touched a remote host yet, so no
// rollback is needed.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "key generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error is transient and therefore subject to
// the retry/backoff policy. Authentication and remote command failures are
// never retried.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
