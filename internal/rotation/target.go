package rotation

import "fmt"

// TargetStatus tracks one target's progress through the rotation protocol,
// independent of the plan's overall stage.
type TargetStatus int

const (
	StatusPending TargetStatus = iota
	StatusDeploying
	StatusDeployed
	StatusVerified
	StatusRetired
	StatusFailed
	StatusRolledBack
)

func (s TargetStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDeploying:
		return "deploying"
	case StatusDeployed:
		return "deployed"
	case StatusVerified:
		return "verified"
	case StatusRetired:
		return "retired"
	case StatusFailed:
		return "failed"
	case StatusRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Endpoint is the connection address of a remote host.
type Endpoint struct {
	Hostname string
	Port     int
	Username string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.Username, e.Hostname, e.Port)
}

// Target is one remote host the rotation updates. Targets are created while
// the plan is in PLANNING and never deleted afterwards, only marked terminal,
// so the audit trail stays complete. All mutation goes through the owning
// Plan, under its lock.
type Target struct {
	hostname string
	username string
	port     int

	status   TargetStatus
	attempts int
	lastErr  string

	// deployed records that the new key reached this host's authorized_keys
	// at some point, even if the target later failed verification. Rollback
	// selects on this, not on the current status.
	deployed bool
}

func (t *Target) endpoint() Endpoint {
	return Endpoint{Hostname: t.hostname, Port: t.port, Username: t.username}
}

// advance enforces the forward-only status sequence. ROLLED_BACK is the one
// lateral move, reachable only from DEPLOYED or VERIFIED.
func (t *Target) advance(next TargetStatus) error {
	if next == StatusRolledBack {
		if t.status == StatusDeployed || t.status == StatusVerified {
			t.status = next
			return nil
		}
		return fmt.Errorf("%w: target %s cannot move %s -> rolled_back", ErrInvalidState, t.hostname, t.status)
	}
	if next < t.status {
		return fmt.Errorf("%w: target %s cannot move %s -> %s", ErrInvalidState, t.hostname, t.status, next)
	}
	t.status = next
	if next == StatusDeployed {
		t.deployed = true
	}
	return nil
}

// TargetSnapshot is the immutable view of a target handed to display code.
type TargetSnapshot struct {
	Hostname  string `json:"hostname"`
	Username  string `json:"username"`
	Port      int    `json:"port"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

func (t *Target) snapshot() TargetSnapshot {
	return TargetSnapshot{
		Hostname:  t.hostname,
		Username:  t.username,
		Port:      t.port,
		Status:    t.status.String(),
		Attempts:  t.attempts,
		LastError: t.lastErr,
	}
}
