package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
	"github.com/Will-Luck/Key-Sentinel/internal/logging"
	"github.com/Will-Luck/Key-Sentinel/internal/metrics"
)

// Rollback reverses deployments after a failure elsewhere in the plan: it
// removes the exact new-key line from every target whose authorized_keys was
// modified, connecting with the old key (still valid, retirement never ran).
type Rollback struct {
	exec        Executor
	log         *logging.Logger
	timeout     time.Duration
	concurrency int64
}

// NewRollback creates a Rollback with the same worker bound as the runner.
func NewRollback(exec Executor, log *logging.Logger, timeout time.Duration, concurrency int64) *Rollback {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Rollback{exec: exec, log: log, timeout: timeout, concurrency: concurrency}
}

// Rollback attempts removal on every modified target, best-effort: one
// target's failure never stops the others, and the full per-target outcome
// set lands in the plan log. Targets that never deployed need no action.
// Removal is by exact line match, so repeating a rollback is a remote no-op.
// The old key is never touched.
func (r *Rollback) Rollback(ctx context.Context, plan *Plan) BulkResult {
	targets := plan.deployedTargets()
	result := BulkResult{Total: len(targets)}
	if len(targets) == 0 {
		plan.AppendLog("rollback: no targets were modified")
		return result
	}

	sem := semaphore.NewWeighted(r.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone; still record the miss rather than dropping it.
			mu.Lock()
			result.Failures = append(result.Failures, TargetError{Target: t.endpoint().String(), Error: err.Error()})
			mu.Unlock()
			plan.AppendLog(fmt.Sprintf("rollback not attempted on %s: %v", t.endpoint(), err))
			continue
		}
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			defer sem.Release(1)

			err := r.rollbackTarget(ctx, plan, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, TargetError{Target: t.endpoint().String(), Error: err.Error()})
			} else {
				result.Succeeded++
			}
		}(t)
	}
	wg.Wait()

	return result
}

func (r *Rollback) rollbackTarget(ctx context.Context, plan *Plan, t *Target) error {
	cmd := keygen.RemoveCommand(plan.newKeyRef().PublicLine)
	_, err := r.exec.Run(ctx, t.endpoint(), plan.oldKeyRef(), cmd, r.timeout)
	if err != nil {
		// Residual risk: this host now trusts both keys. Loud log, no retry;
		// rollback is best-effort and the operator gets the breakdown.
		metrics.TargetOperationsTotal.WithLabelValues("rollback", "failed").Inc()
		r.log.Error("rollback failed", "target", t.endpoint().String(), "error", err)
		plan.AppendLog(fmt.Sprintf("rollback FAILED on %s (both keys remain authorized): %v", t.endpoint(), err))
		return err
	}

	metrics.TargetOperationsTotal.WithLabelValues("rollback", "success").Inc()
	switch plan.statusOf(t) {
	case StatusDeployed, StatusVerified:
		_ = plan.setTargetStatus(t, StatusRolledBack)
	}
	plan.AppendLog(fmt.Sprintf("rolled back new key on %s", t.endpoint()))
	return nil
}
