package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Will-Luck/Key-Sentinel/internal/clock"
	"github.com/Will-Luck/Key-Sentinel/internal/events"
	"github.com/Will-Luck/Key-Sentinel/internal/logging"
	"github.com/Will-Luck/Key-Sentinel/internal/metrics"
	"github.com/Will-Luck/Key-Sentinel/internal/notify"
)

// Settings bounds the runner's concurrency, retry, and timeout behaviour.
type Settings struct {
	Concurrency   int64         // max concurrent remote operations per stage
	MaxAttempts   int           // attempts per target for transient errors
	BackoffBase   time.Duration // first retry delay, doubled per attempt
	BackoffCap    time.Duration // upper bound on retry delay
	RemoteTimeout time.Duration // per remote operation
}

// DefaultSettings match the documented defaults: 4 workers, 3 attempts,
// 2s base backoff capped at 30s, 15s remote timeout.
func DefaultSettings() Settings {
	return Settings{
		Concurrency:   4,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		BackoffCap:    30 * time.Second,
		RemoteTimeout: 15 * time.Second,
	}
}

// Runner drives a plan through the rotation state machine: generate the new
// key, fan deploys out across targets with bounded concurrency, verify,
// retire the old key, and on any irrecoverable failure roll back. It owns
// the plan for the duration of Start.
type Runner struct {
	gen      KeyGenerator
	deployer *Deployer
	rollback *Rollback
	recorder Recorder
	bus      *events.Bus
	notifier *notify.Multi
	log      *logging.Logger
	clock    clock.Clock
	settings Settings
}

// NewRunner wires a Runner. recorder, bus, and notifier may be nil in tests.
func NewRunner(gen KeyGenerator, exec Executor, recorder Recorder, bus *events.Bus, notifier *notify.Multi, log *logging.Logger, clk clock.Clock, settings Settings) *Runner {
	if settings.Concurrency < 1 {
		settings.Concurrency = 1
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	return &Runner{
		gen:      gen,
		deployer: NewDeployer(exec, log, settings.RemoteTimeout),
		rollback: NewRollback(exec, log, settings.RemoteTimeout, settings.Concurrency),
		recorder: recorder,
		bus:      bus,
		notifier: notifier,
		log:      log,
		clock:    clk,
		settings: settings,
	}
}

// Start executes the plan to a terminal stage. It returns ErrInvalidState
// synchronously on misuse (empty plan, already started); any other failure
// is reflected in the plan's terminal stage and also returned. Callers
// wanting asynchrony run Start in their own goroutine and watch the bus.
func (r *Runner) Start(ctx context.Context, plan *Plan) error {
	if err := plan.begin(); err != nil {
		return err
	}
	defer plan.finish()

	metrics.ActiveRotations.Inc()
	defer metrics.ActiveRotations.Dec()
	start := r.clock.Now()

	r.log.Info("rotation started", "plan_id", plan.ID(), "targets", len(plan.allTargets()))
	r.notify(ctx, plan, notify.EventRotationStarted, "")

	// Generate the replacement key. A failure here fails the plan outright:
	// no remote host has been touched, so there is nothing to roll back.
	r.transition(plan, StageGeneratingKey)
	newKey, err := r.gen.Generate(plan.keySpec)
	if err != nil {
		genErr := &GenerationError{Err: err}
		plan.AppendLog(genErr.Error())
		r.transition(plan, StageFailed)
		r.finalise(plan, start, "failed", genErr.Error(), BulkResult{})
		r.notify(ctx, plan, notify.EventRotationFailed, genErr.Error())
		return genErr
	}
	plan.setNewKey(newKey)
	plan.AppendLog(fmt.Sprintf("generated new %s key %s", newKey.Type, newKey.Fingerprint))

	// Deploy the new key everywhere, retrying transients per target.
	r.transition(plan, StageDeploying)
	deployResult := r.forEachTarget(ctx, plan, plan.allTargets(), "deploy", func(t *Target) error {
		return r.withRetry(ctx, plan, t, "deploy", true, func() error {
			return r.deployer.Deploy(ctx, plan, t)
		})
	})

	if r.aborted(ctx, plan) || !deployResult.AllSucceeded() {
		return r.rollBackAndFail(ctx, plan, start, deployResult,
			fmt.Sprintf("deploy succeeded on %d/%d targets", deployResult.Succeeded, deployResult.Total))
	}

	// Verify each deployed key with a new-key-only connection.
	r.transition(plan, StageVerifying)
	verifyResult := r.forEachTarget(ctx, plan, plan.targetsIn(StatusDeployed), "verify", func(t *Target) error {
		return r.withRetry(ctx, plan, t, "verify", true, func() error {
			return r.deployer.Verify(ctx, plan, t)
		})
	})

	if r.aborted(ctx, plan) || !verifyResult.AllSucceeded() {
		return r.rollBackAndFail(ctx, plan, start, verifyResult,
			fmt.Sprintf("verification succeeded on %d/%d targets", verifyResult.Succeeded, verifyResult.Total))
	}

	// Retire the old key. Failures are non-fatal: an extra authorized key is
	// lower risk than failing a rotation that already verified everywhere.
	r.transition(plan, StageRetiring)
	// Retirement exhaustion must not mark the target FAILED: the new key is
	// verified working there, so the target's terminal status stays VERIFIED.
	retireResult := r.forEachTarget(ctx, plan, plan.targetsIn(StatusVerified), "retire", func(t *Target) error {
		return r.withRetry(ctx, plan, t, "retire", false, func() error {
			return r.deployer.Retire(ctx, plan, t)
		})
	})

	for _, f := range retireResult.Failures {
		plan.AppendLog(fmt.Sprintf("CAVEAT: old key remains authorized on %s", f.Target))
		r.notify(ctx, plan, notify.EventRetirementWarning, f.Error)
	}

	r.transition(plan, StageCompleted)
	r.finalise(plan, start, "completed", "", retireResult)
	r.notify(ctx, plan, notify.EventRotationCompleted, "")
	r.log.Info("rotation complete", "plan_id", plan.ID(),
		"targets", retireResult.Total, "retired", retireResult.Succeeded,
		"duration", r.clock.Since(start))
	return nil
}

// rollBackAndFail runs the rollback pass and drives the plan to FAILED.
func (r *Runner) rollBackAndFail(ctx context.Context, plan *Plan, start time.Time, stageResult BulkResult, why string) error {
	cancelled := plan.IsCancelled() || ctx.Err() != nil
	if cancelled {
		why = "cancelled: " + why
	}
	plan.AppendLog(why)

	// Rollback and the terminal notifications get an uncancellable context:
	// the triggering context may already be dead, and abandoning rollback
	// would strand deployed keys on remote hosts.
	nctx := context.WithoutCancel(ctx)

	r.transition(plan, StageRollingBack)
	rbResult := r.rollback.Rollback(nctx, plan)
	plan.AppendLog(fmt.Sprintf("rollback: %d/%d targets restored", rbResult.Succeeded, rbResult.Total))

	if rbResult.Succeeded == rbResult.Total {
		r.notify(nctx, plan, notify.EventRollbackOK, "")
	} else {
		r.notify(nctx, plan, notify.EventRollbackFailed,
			fmt.Sprintf("%d of %d rollbacks failed", len(rbResult.Failures), rbResult.Total))
	}

	r.transition(plan, StageFailed)

	outcome := "failed"
	evt := notify.EventRotationFailed
	if cancelled {
		outcome = "cancelled"
		evt = notify.EventRotationCancelled
	}
	r.finalise(plan, start, outcome, why, stageResult)
	r.notify(nctx, plan, evt, why)
	r.log.Error("rotation failed", "plan_id", plan.ID(), "reason", why,
		"rolled_back", rbResult.Succeeded, "rollback_failures", len(rbResult.Failures))
	return fmt.Errorf("rotation %s: %s", outcome, why)
}

// forEachTarget fans fn out over targets with the configured worker bound.
// All dispatches are awaited, never fail-fast, so the full outcome set is
// known before any stage decision. A progress event is published after every
// individual outcome.
func (r *Runner) forEachTarget(ctx context.Context, plan *Plan, targets []*Target, op string, fn func(*Target) error) BulkResult {
	result := BulkResult{Total: len(targets)}
	sem := semaphore.NewWeighted(r.settings.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, t := range targets {
		// Cooperative cancellation: skip targets not yet started.
		if plan.IsCancelled() || ctx.Err() != nil {
			mu.Lock()
			result.Failures = append(result.Failures, TargetError{Target: t.endpoint().String(), Error: "cancelled before " + op})
			mu.Unlock()
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Failures = append(result.Failures, TargetError{Target: t.endpoint().String(), Error: err.Error()})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			defer sem.Release(1)

			err := fn(t)

			mu.Lock()
			if err != nil {
				result.Failures = append(result.Failures, TargetError{Target: t.endpoint().String(), Error: err.Error()})
				metrics.TargetOperationsTotal.WithLabelValues(op, "failed").Inc()
			} else {
				result.Succeeded++
				metrics.TargetOperationsTotal.WithLabelValues(op, "success").Inc()
			}
			mu.Unlock()

			r.publish(plan, events.EventTargetOutcome, t.endpoint().String())
		}(t)
	}
	wg.Wait()
	return result
}

// withRetry applies the transient-error retry policy: up to MaxAttempts,
// exponential backoff from BackoffBase capped at BackoffCap. Authentication
// and remote command errors return immediately. The cancellation flag is
// checked between attempts. fatal marks the target FAILED once attempts are
// exhausted; retirement passes false because its failures are non-fatal.
func (r *Runner) withRetry(ctx context.Context, plan *Plan, t *Target, op string, fatal bool, fn func() error) error {
	delay := r.settings.BackoffBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= r.settings.MaxAttempts {
			if fatal {
				_ = plan.setTargetStatus(t, StatusFailed)
			}
			plan.AppendLog(fmt.Sprintf("%s failed on %s after %d attempts: %v", op, t.endpoint(), attempt, err))
			return err
		}
		if plan.IsCancelled() {
			return fmt.Errorf("cancelled during %s of %s", op, t.endpoint())
		}

		metrics.RetriesTotal.Inc()
		plan.AppendLog(fmt.Sprintf("%s on %s hit transient error, retrying in %s (attempt %d/%d): %v",
			op, t.endpoint(), delay, attempt, r.settings.MaxAttempts, err))

		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > r.settings.BackoffCap {
			delay = r.settings.BackoffCap
		}
	}
}

// aborted reports whether the run should divert to rollback because of
// cancellation (either the plan flag or the caller's context).
func (r *Runner) aborted(ctx context.Context, plan *Plan) bool {
	return plan.IsCancelled() || ctx.Err() != nil
}

// transition moves the plan's stage, persists a snapshot, and publishes a
// stage-change event.
func (r *Runner) transition(plan *Plan, next Stage) {
	plan.setStage(next)
	r.persist(plan)
	r.publish(plan, events.EventStageChange, "")
}

// persist mirrors new log entries to the recorder and the bus, then saves a
// display snapshot. Persistence failures are logged, never fatal; the
// rotation itself is the priority.
func (r *Runner) persist(plan *Plan) {
	for _, e := range plan.takeUnmirrored() {
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Type:      events.EventPlanLog,
				PlanID:    plan.ID(),
				Stage:     plan.Stage().String(),
				Progress:  plan.Progress(),
				Message:   e.Message,
				Timestamp: e.Timestamp,
			})
		}
		if r.recorder != nil {
			if err := r.recorder.AppendPlanLog(plan.ID(), e.Timestamp, e.Message); err != nil {
				r.log.Warn("failed to persist plan log entry", "plan_id", plan.ID(), "error", err)
			}
		}
	}

	if r.recorder == nil {
		return
	}
	data, err := json.Marshal(plan.Snapshot())
	if err != nil {
		r.log.Warn("failed to marshal plan snapshot", "plan_id", plan.ID(), "error", err)
		return
	}
	if err := r.recorder.SavePlanSnapshot(plan.ID(), data); err != nil {
		r.log.Warn("failed to persist plan snapshot", "plan_id", plan.ID(), "error", err)
	}
}

// finalise persists the terminal snapshot and the audit record, and observes
// run metrics.
func (r *Runner) finalise(plan *Plan, start time.Time, outcome, errMsg string, stageResult BulkResult) {
	duration := r.clock.Since(start)
	metrics.RotationsTotal.WithLabelValues(outcome).Inc()
	metrics.RotationDuration.Observe(duration.Seconds())

	r.persist(plan)
	if r.recorder == nil {
		return
	}

	snap := plan.Snapshot()
	rec := RotationRecord{
		Timestamp:      r.clock.Now().UTC(),
		PlanID:         snap.ID,
		Reason:         snap.Reason,
		KeyType:        snap.KeyType,
		OldFingerprint: snap.OldFingerprint,
		NewFingerprint: snap.NewFingerprint,
		Targets:        len(snap.Targets),
		Succeeded:      stageResult.Succeeded,
		Outcome:        outcome,
		Duration:       duration,
		Error:          errMsg,
	}
	if err := r.recorder.RecordRotation(rec); err != nil {
		r.log.Warn("failed to persist rotation record", "plan_id", plan.ID(), "error", err)
	}
}

// publish emits a progress event; the bus drops rather than blocks, so this
// never slows the runner down.
func (r *Runner) publish(plan *Plan, typ events.EventType, target string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      typ,
		PlanID:    plan.ID(),
		Stage:     plan.Stage().String(),
		Progress:  plan.Progress(),
		Target:    target,
		Message:   plan.lastLogMessage(),
		Timestamp: r.clock.Now().UTC(),
	})
}

// notify forwards a lifecycle event to the notifier chain, if configured.
func (r *Runner) notify(ctx context.Context, plan *Plan, typ notify.EventType, errMsg string) {
	if r.notifier == nil {
		return
	}
	snap := plan.Snapshot()
	r.notifier.Notify(ctx, notify.Event{
		Type:           typ,
		PlanID:         snap.ID,
		Reason:         snap.Reason,
		OldFingerprint: snap.OldFingerprint,
		NewFingerprint: snap.NewFingerprint,
		Error:          errMsg,
		Timestamp:      r.clock.Now().UTC(),
	})
}
