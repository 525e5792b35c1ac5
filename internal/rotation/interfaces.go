package rotation

import (
	"context"
	"time"

	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
)

// ExecResult is what came back from a remote command.
type ExecResult struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Executor opens a connection to a remote host authenticated with the given
// key and runs one command. Implementations classify failures into the
// rotation error taxonomy: *TransientError for dial/timeout problems,
// *AuthError for rejected credentials, *RemoteCommandError for non-zero
// exits. The timeout covers connect plus command execution.
type Executor interface {
	Run(ctx context.Context, ep Endpoint, key *keygen.KeyPair, command string, timeout time.Duration) (ExecResult, error)
}

// KeyGenerator produces the replacement key pair. Invoked exactly once per
// rotation; a failure is a *GenerationError and fails the whole plan with
// nothing to roll back.
type KeyGenerator interface {
	Generate(req keygen.Request) (*keygen.KeyPair, error)
}

// Recorder persists plan snapshots, the mirrored plan log, and the rotation
// audit trail. Snapshots are display material only; the runner never
// reconstructs an in-flight rotation from them. The mirrored log is the
// durable audit record and outlives snapshot pruning.
type Recorder interface {
	SavePlanSnapshot(planID string, data []byte) error
	AppendPlanLog(planID string, ts time.Time, message string) error
	RecordRotation(rec RotationRecord) error
}

// RotationRecord is one completed (or failed) rotation in the audit history.
type RotationRecord struct {
	Timestamp      time.Time     `json:"timestamp"`
	PlanID         string        `json:"plan_id"`
	Reason         string        `json:"reason"`
	KeyType        string        `json:"key_type"`
	OldFingerprint string        `json:"old_fingerprint"`
	NewFingerprint string        `json:"new_fingerprint,omitempty"`
	Targets        int           `json:"targets"`
	Succeeded      int           `json:"succeeded"`
	Outcome        string        `json:"outcome"` // "completed", "failed", or "cancelled"
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}
