// Package sshexec is the remote executor: it opens an SSH connection to a
// target authenticated with one key and runs one command.
package sshexec

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
	"github.com/Will-Luck/Key-Sentinel/internal/logging"
	"github.com/Will-Luck/Key-Sentinel/internal/rotation"
)

// Executor implements rotation.Executor over golang.org/x/crypto/ssh.
// It is stateless; every Run dials a fresh connection so that a verify pass
// genuinely proves the presented key opens a session.
type Executor struct {
	log *logging.Logger

	// HostKeyCallback defaults to accepting any host key. Rotation targets
	// are operator-supplied hosts already trusted enough to hold the user's
	// keys; strict checking can be layered in via this field.
	HostKeyCallback ssh.HostKeyCallback
}

// New creates an Executor.
func New(log *logging.Logger) *Executor {
	return &Executor{
		log:             log,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

// Run connects to ep with key and executes command. The timeout covers the
// whole round-trip: TCP dial, SSH handshake, and command execution. Errors
// come back classified into the rotation taxonomy.
func (e *Executor) Run(ctx context.Context, ep rotation.Endpoint, key *keygen.KeyPair, command string, timeout time.Duration) (rotation.ExecResult, error) {
	addr := net.JoinHostPort(ep.Hostname, fmt.Sprintf("%d", ep.Port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return rotation.ExecResult{}, classifyDial(err)
	}
	// One deadline for handshake plus command; a stuck remote shows up as a
	// transient timeout, not a hang.
	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	cfg := &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key.Signer())},
		HostKeyCallback: e.HostKeyCallback,
		Timeout:         timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return rotation.ExecResult{}, classifyHandshake(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return rotation.ExecResult{}, &rotation.TransientError{Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	e.log.Debug("running remote command", "target", ep.String())

	err = session.Run(command)
	result := rotation.ExecResult{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitStatus = exitErr.ExitStatus()
			return result, &rotation.RemoteCommandError{
				ExitStatus: exitErr.ExitStatus(),
				Stderr:     result.Stderr,
			}
		}
		// Session torn down without an exit status: connection-level trouble.
		return result, &rotation.TransientError{Err: fmt.Errorf("run command: %w", err)}
	}

	return result, nil
}
