package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Will-Luck/Key-Sentinel/internal/events"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.BackoffBase = time.Millisecond
	s.BackoffCap = 4 * time.Millisecond
	return s
}

func newTestRunner(exec *mockExecutor, rec *mockRecorder, bus *events.Bus, clk *fakeClock, settings Settings) *Runner {
	return NewRunner(&mockGenerator{}, exec, rec, bus, nil, testLogger(), clk, settings)
}

func TestRunnerHappyPath(t *testing.T) {
	exec := newMockExecutor()
	rec := newMockRecorder()
	plan := testPlan(t, "web-1", "web-2", "web-3")
	runner := newTestRunner(exec, rec, nil, newFakeClock(), testSettings())

	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if plan.Stage() != StageCompleted {
		t.Errorf("stage = %s, want completed", plan.Stage())
	}
	for _, tg := range plan.allTargets() {
		if plan.statusOf(tg) != StatusRetired {
			t.Errorf("target %s status = %s, want retired", tg.hostname, plan.statusOf(tg))
		}
	}
	for _, host := range []string{"web-1", "web-2", "web-3"} {
		if exec.count("append", host) != 1 || exec.count("verify", host) != 1 || exec.count("remove", host) != 1 {
			t.Errorf("unexpected call counts for %s", host)
		}
	}
	if got := plan.Progress(); got != 100 {
		t.Errorf("progress = %v, want 100", got)
	}

	record := rec.lastRecord(t)
	if record.Outcome != "completed" || record.Targets != 3 || record.Succeeded != 3 {
		t.Errorf("unexpected record: %+v", record)
	}
	if record.NewFingerprint == "" || record.NewFingerprint == record.OldFingerprint {
		t.Errorf("record fingerprints not rotated: %+v", record)
	}
}

func TestRunnerVerifiesWithNewKeyOnly(t *testing.T) {
	exec := newMockExecutor()
	plan := testPlan(t, "web-1")
	runner := newTestRunner(exec, newMockRecorder(), nil, newFakeClock(), testSettings())

	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}

	oldFP := plan.oldKeyRef().Fingerprint
	newFP := plan.newKeyRef().Fingerprint
	for _, c := range exec.calls {
		switch c.Op {
		case "append":
			if c.Key != oldFP {
				t.Errorf("deploy used key %s, want old key", c.Key)
			}
		case "verify", "remove":
			// Retirement also runs over the new key.
			if c.Key != newFP {
				t.Errorf("%s used key %s, want new key", c.Op, c.Key)
			}
		}
	}
}

func TestRunnerRetriesTransientDeploy(t *testing.T) {
	exec := newMockExecutor()
	exec.fail("append", "web-1", transientErr("connection refused"), transientErr("connection refused"))
	clk := newFakeClock()
	plan := testPlan(t, "web-1")
	runner := newTestRunner(exec, newMockRecorder(), nil, clk, testSettings())

	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := exec.count("append", "web-1"); got != 3 {
		t.Errorf("deploy attempts = %d, want 3", got)
	}
	// Exponential backoff: base, then doubled.
	if len(clk.waits) != 2 || clk.waits[0] != time.Millisecond || clk.waits[1] != 2*time.Millisecond {
		t.Errorf("unexpected backoff waits: %v", clk.waits)
	}
	if plan.Stage() != StageCompleted {
		t.Errorf("stage = %s, want completed", plan.Stage())
	}
}

func TestRunnerBackoffIsCapped(t *testing.T) {
	settings := testSettings()
	settings.MaxAttempts = 6
	settings.BackoffCap = 2 * time.Millisecond

	exec := newMockExecutor()
	exec.fail("append", "web-1",
		transientErr("t1"), transientErr("t2"), transientErr("t3"), transientErr("t4"))
	clk := newFakeClock()
	plan := testPlan(t, "web-1")
	runner := newTestRunner(exec, newMockRecorder(), nil, clk, settings)

	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i, w := range clk.waits {
		if w > settings.BackoffCap {
			t.Errorf("wait %d = %s exceeds cap %s", i, w, settings.BackoffCap)
		}
	}
}

func TestRunnerExhaustedRetriesRollBack(t *testing.T) {
	exec := newMockExecutor()
	exec.fail("append", "web-2",
		transientErr("timeout"), transientErr("timeout"), transientErr("timeout"))
	rec := newMockRecorder()
	plan := testPlan(t, "web-1", "web-2", "web-3")
	runner := newTestRunner(exec, rec, nil, newFakeClock(), testSettings())

	err := runner.Start(context.Background(), plan)
	if err == nil {
		t.Fatal("expected error")
	}

	if plan.Stage() != StageFailed {
		t.Errorf("stage = %s, want failed", plan.Stage())
	}
	targets := plan.allTargets()
	if plan.statusOf(targets[1]) != StatusFailed {
		t.Errorf("web-2 status = %s, want failed", plan.statusOf(targets[1]))
	}
	// The two hosts that deployed are restored.
	for _, i := range []int{0, 2} {
		if plan.statusOf(targets[i]) != StatusRolledBack {
			t.Errorf("%s status = %s, want rolled_back", targets[i].hostname, plan.statusOf(targets[i]))
		}
	}
	if exec.count("remove", "web-2") != 0 {
		t.Error("rollback must not touch a host that never deployed")
	}
	if rec.lastRecord(t).Outcome != "failed" {
		t.Errorf("record outcome = %s, want failed", rec.lastRecord(t).Outcome)
	}
}

func TestRunnerAuthFailureIsNotRetried(t *testing.T) {
	exec := newMockExecutor()
	exec.fail("append", "web-1", &AuthError{Err: errors.New("permission denied")})
	plan := testPlan(t, "web-1")
	runner := newTestRunner(exec, newMockRecorder(), nil, newFakeClock(), testSettings())

	if err := runner.Start(context.Background(), plan); err == nil {
		t.Fatal("expected error")
	}
	if got := exec.count("append", "web-1"); got != 1 {
		t.Errorf("auth failure retried: %d attempts", got)
	}
}

func TestRunnerVerifyFailureRollsBackTheFailedHostToo(t *testing.T) {
	exec := newMockExecutor()
	exec.fail("verify", "web-2", &RemoteCommandError{ExitStatus: 255, Stderr: "no such identity"})
	plan := testPlan(t, "web-1", "web-2")
	runner := newTestRunner(exec, newMockRecorder(), nil, newFakeClock(), testSettings())

	if err := runner.Start(context.Background(), plan); err == nil {
		t.Fatal("expected error")
	}

	targets := plan.allTargets()
	// web-2 deployed before failing verification, so its key must be pulled.
	if exec.count("remove", "web-2") != 1 {
		t.Error("expected rollback removal on the host that failed verification")
	}
	if plan.statusOf(targets[1]) != StatusFailed {
		t.Errorf("web-2 status = %s, want failed", plan.statusOf(targets[1]))
	}
	if plan.statusOf(targets[0]) != StatusRolledBack {
		t.Errorf("web-1 status = %s, want rolled_back", plan.statusOf(targets[0]))
	}
}

func TestRunnerRetirementFailureIsNonFatal(t *testing.T) {
	exec := newMockExecutor()
	exec.fail("remove", "web-1", &RemoteCommandError{ExitStatus: 1, Stderr: "read-only file system"})
	rec := newMockRecorder()
	plan := testPlan(t, "web-1", "web-2")
	runner := newTestRunner(exec, rec, nil, newFakeClock(), testSettings())

	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("retirement failure must not fail the rotation: %v", err)
	}

	if plan.Stage() != StageCompleted {
		t.Errorf("stage = %s, want completed", plan.Stage())
	}
	targets := plan.allTargets()
	if plan.statusOf(targets[0]) != StatusVerified {
		t.Errorf("web-1 status = %s, want verified (not failed)", plan.statusOf(targets[0]))
	}
	if plan.statusOf(targets[1]) != StatusRetired {
		t.Errorf("web-2 status = %s, want retired", plan.statusOf(targets[1]))
	}

	caveat := false
	for _, e := range plan.Snapshot().Log {
		if strings.Contains(e.Message, "old key remains authorized on deploy@web-1:22") {
			caveat = true
		}
	}
	if !caveat {
		t.Error("expected a caveat log line for the unretired key")
	}
	if rec.lastRecord(t).Outcome != "completed" {
		t.Errorf("record outcome = %s, want completed", rec.lastRecord(t).Outcome)
	}
}

func TestRunnerGenerationFailure(t *testing.T) {
	exec := newMockExecutor()
	rec := newMockRecorder()
	plan := testPlan(t, "web-1")
	runner := NewRunner(&mockGenerator{err: errors.New("entropy pool on fire")},
		exec, rec, nil, nil, testLogger(), newFakeClock(), testSettings())

	err := runner.Start(context.Background(), plan)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if plan.Stage() != StageFailed {
		t.Errorf("stage = %s, want failed", plan.Stage())
	}
	if len(exec.calls) != 0 {
		t.Errorf("no host should be touched when generation fails, saw %d calls", len(exec.calls))
	}
	if rec.lastRecord(t).Outcome != "failed" {
		t.Errorf("record outcome = %s, want failed", rec.lastRecord(t).Outcome)
	}
}

func TestRunnerSecondStartFails(t *testing.T) {
	plan := testPlan(t, "web-1")
	runner := newTestRunner(newMockExecutor(), newMockRecorder(), nil, newFakeClock(), testSettings())

	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := runner.Start(context.Background(), plan); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on restart, got %v", err)
	}
	// The rejected start leaves no trace in the plan log.
	for _, e := range plan.Snapshot().Log {
		if strings.Contains(e.Message, "invalid plan state") {
			t.Error("ErrInvalidState must not be written to the plan log")
		}
	}
}

func TestRunnerCancellationRollsBackAndRecordsCancelled(t *testing.T) {
	settings := testSettings()
	settings.Concurrency = 1

	exec := newMockExecutor()
	rec := newMockRecorder()
	plan := testPlan(t, "web-1", "web-2")
	// Cancel while the first deploy is executing remotely.
	exec.onRun = func(op, host string) {
		if op == "append" && host == "web-1" {
			plan.Cancel()
		}
	}
	runner := newTestRunner(exec, rec, nil, newFakeClock(), settings)

	err := runner.Start(context.Background(), plan)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected cancelled error, got %v", err)
	}

	if plan.Stage() != StageFailed {
		t.Errorf("stage = %s, want failed", plan.Stage())
	}
	if rec.lastRecord(t).Outcome != "cancelled" {
		t.Errorf("record outcome = %s, want cancelled", rec.lastRecord(t).Outcome)
	}
	// Everything that deployed before the cancel took effect is restored.
	for _, tg := range plan.deployedTargets() {
		t.Errorf("target %s still holds the new key after cancellation", tg.hostname)
	}
}

func TestRunnerContextCancellationDivertsToRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	settings := testSettings()
	settings.Concurrency = 1

	exec := newMockExecutor()
	exec.onRun = func(op, host string) {
		if op == "append" && host == "web-1" {
			cancel()
		}
	}
	rec := newMockRecorder()
	plan := testPlan(t, "web-1", "web-2")
	runner := newTestRunner(exec, rec, nil, newFakeClock(), settings)

	if err := runner.Start(ctx, plan); err == nil {
		t.Fatal("expected error after context cancellation")
	}
	if rec.lastRecord(t).Outcome != "cancelled" {
		t.Errorf("record outcome = %s, want cancelled", rec.lastRecord(t).Outcome)
	}
	// Rollback must have run despite the dead context.
	if exec.count("remove", "web-1") == 0 {
		t.Error("expected rollback removal for the deployed host")
	}
}

func TestRunnerPublishesMonotonicProgress(t *testing.T) {
	bus := events.New()
	ch, cancelSub := bus.Subscribe()
	defer cancelSub()

	plan := testPlan(t, "web-1", "web-2")
	runner := newTestRunner(newMockExecutor(), newMockRecorder(), bus, newFakeClock(), testSettings())
	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}

	last := -1.0
	n := 0
	for {
		select {
		case evt := <-ch:
			n++
			if evt.Progress < last {
				t.Errorf("progress went backwards: %v after %v", evt.Progress, last)
			}
			last = evt.Progress
		default:
			if n == 0 {
				t.Fatal("no events published")
			}
			if last != 100 {
				t.Errorf("final progress = %v, want 100", last)
			}
			return
		}
	}
}

func TestRunnerMirrorsPlanLog(t *testing.T) {
	bus := events.New()
	ch, cancelSub := bus.Subscribe()
	defer cancelSub()

	rec := newMockRecorder()
	plan := testPlan(t, "web-1")
	runner := newTestRunner(newMockExecutor(), rec, bus, newFakeClock(), testSettings())
	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Every in-memory log line ends up in durable storage, in order.
	mirrored := rec.logMessages()
	inMemory := plan.Snapshot().Log
	if len(mirrored) != len(inMemory) {
		t.Fatalf("mirrored %d log lines, plan holds %d", len(mirrored), len(inMemory))
	}
	for i, e := range inMemory {
		if mirrored[i] != e.Message {
			t.Errorf("mirrored[%d] = %q, want %q", i, mirrored[i], e.Message)
		}
	}

	planLogEvents := 0
	for {
		select {
		case evt := <-ch:
			if evt.Type == events.EventPlanLog {
				planLogEvents++
			}
		default:
			if planLogEvents == 0 {
				t.Error("no plan_log events published")
			}
			return
		}
	}
}

func TestRunnerPersistsSnapshotsAtEachStage(t *testing.T) {
	rec := newMockRecorder()
	plan := testPlan(t, "web-1")
	runner := newTestRunner(newMockExecutor(), rec, nil, newFakeClock(), testSettings())

	if err := runner.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snaps := rec.snapshots[plan.ID()]
	if len(snaps) < 5 {
		t.Fatalf("expected a snapshot per stage, got %d", len(snaps))
	}
	var last PlanSnapshot
	if err := json.Unmarshal(snaps[len(snaps)-1], &last); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if last.Stage != "completed" {
		t.Errorf("final snapshot stage = %q, want completed", last.Stage)
	}
}
