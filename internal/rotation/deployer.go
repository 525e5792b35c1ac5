package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
	"github.com/Will-Luck/Key-Sentinel/internal/logging"
)

// Deployer runs the per-target protocol steps. It is stateless: every method
// operates on one (plan, target) pair, mutates that target through the plan,
// and appends one log entry per outcome.
type Deployer struct {
	exec    Executor
	log     *logging.Logger
	timeout time.Duration
}

// NewDeployer creates a Deployer. timeout bounds each remote operation
// (connect + command).
func NewDeployer(exec Executor, log *logging.Logger, timeout time.Duration) *Deployer {
	return &Deployer{exec: exec, log: log, timeout: timeout}
}

// Deploy connects with the old key (the only credential guaranteed to work
// at this point) and idempotently appends the new public key line to the
// target's authorized_keys. Transient errors are returned for the runner's
// retry policy; auth and remote command failures mark the target FAILED.
func (d *Deployer) Deploy(ctx context.Context, plan *Plan, t *Target) error {
	if err := plan.setTargetStatus(t, StatusDeploying); err != nil {
		return err
	}

	cmd := keygen.AppendCommand(plan.newKeyRef().PublicLine)
	_, err := d.exec.Run(ctx, t.endpoint(), plan.oldKeyRef(), cmd, d.timeout)
	plan.recordOutcome(t, err)

	if err != nil {
		if IsRetryable(err) {
			d.log.Warn("deploy attempt failed", "target", t.endpoint().String(), "error", err)
			return err
		}
		_ = plan.setTargetStatus(t, StatusFailed)
		plan.AppendLog(fmt.Sprintf("deploy failed on %s: %v", t.endpoint(), err))
		return err
	}

	if err := plan.setTargetStatus(t, StatusDeployed); err != nil {
		return err
	}
	plan.AppendLog(fmt.Sprintf("deployed new key to %s", t.endpoint()))
	return nil
}

// Verify opens a connection authenticated with the new key only, with no
// fallback to the old key, and runs a trivial command. Success proves the
// deployed key works end to end.
func (d *Deployer) Verify(ctx context.Context, plan *Plan, t *Target) error {
	_, err := d.exec.Run(ctx, t.endpoint(), plan.newKeyRef(), keygen.VerifyCommand(), d.timeout)
	plan.recordOutcome(t, err)

	if err != nil {
		if IsRetryable(err) {
			d.log.Warn("verify attempt failed", "target", t.endpoint().String(), "error", err)
			return err
		}
		_ = plan.setTargetStatus(t, StatusFailed)
		plan.AppendLog(fmt.Sprintf("verification failed on %s: %v", t.endpoint(), err))
		return err
	}

	if err := plan.setTargetStatus(t, StatusVerified); err != nil {
		return err
	}
	plan.AppendLog(fmt.Sprintf("verified new key on %s", t.endpoint()))
	return nil
}

// Retire removes the old key's public line from the target's
// authorized_keys, connecting with the already-verified new key. A failure
// here is non-fatal to the plan: the old key merely stays additionally
// authorized, which is logged for operator follow-up.
func (d *Deployer) Retire(ctx context.Context, plan *Plan, t *Target) error {
	cmd := keygen.RemoveCommand(plan.oldKeyRef().PublicLine)
	_, err := d.exec.Run(ctx, t.endpoint(), plan.newKeyRef(), cmd, d.timeout)
	plan.recordOutcome(t, err)

	if err != nil {
		if IsRetryable(err) {
			d.log.Warn("retire attempt failed", "target", t.endpoint().String(), "error", err)
			return err
		}
		// Status stays VERIFIED; the caveat is recorded by the runner.
		plan.AppendLog(fmt.Sprintf("old key NOT retired on %s: %v", t.endpoint(), err))
		return err
	}

	if err := plan.setTargetStatus(t, StatusRetired); err != nil {
		return err
	}
	plan.AppendLog(fmt.Sprintf("retired old key on %s", t.endpoint()))
	return nil
}
