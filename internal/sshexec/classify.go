package sshexec

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/Will-Luck/Key-Sentinel/internal/rotation"
)

// classifyDial maps TCP-level failures. Everything at this layer (refused,
// unreachable, timed out) is expected to clear on its own and is retried.
func classifyDial(err error) error {
	return &rotation.TransientError{Err: fmt.Errorf("dial: %w", err)}
}

// classifyHandshake separates credential rejection from connection trouble
// during the SSH handshake.
func classifyHandshake(err error) error {
	if isAuthFailure(err) {
		return &rotation.AuthError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &rotation.TransientError{Err: fmt.Errorf("handshake timeout: %w", err)}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &rotation.TransientError{Err: fmt.Errorf("handshake: %w", err)}
	}
	// Unknown handshake failures (protocol mismatch, closed mid-handshake)
	// are treated as transient: retrying is harmless, giving up is not.
	return &rotation.TransientError{Err: fmt.Errorf("handshake: %w", err)}
}

// isAuthFailure detects the x/crypto/ssh authentication failure, which is
// surfaced as a string-wrapped error rather than a typed one.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}
