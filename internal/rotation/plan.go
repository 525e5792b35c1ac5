package rotation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/Key-Sentinel/internal/clock"
	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
)

// LogEntry is one line of the plan's append-only audit log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Plan is the rotation aggregate: the key pair being retired, the key spec
// for its replacement, the ordered targets, the current stage, and an
// append-only log. A plan holds no I/O; the Runner drives it.
//
// The plan is owned by exactly one Runner execution at a time (enforced by
// begin). All reads from other goroutines go through Snapshot, which copies
// under the same lock that guards mutation, so log appends from concurrent
// target tasks serialise through a single writer path.
type Plan struct {
	mu sync.Mutex

	id      string
	reason  string
	oldKey  *keygen.KeyPair
	keySpec keygen.Request
	newKey  *keygen.KeyPair

	targets  []*Target
	stage    Stage
	log      []LogEntry
	mirrored int // log entries already handed to the runner for persistence

	cancelled bool
	running   bool

	clk clock.Clock
}

// NewPlan creates a plan in PLANNING. oldKey is the credential being retired
// (and the only one guaranteed to open a connection until verification);
// spec describes the replacement key to generate.
func NewPlan(oldKey *keygen.KeyPair, spec keygen.Request, reason string, clk clock.Clock) *Plan {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Plan{
		id:      uuid.NewString(),
		reason:  reason,
		oldKey:  oldKey,
		keySpec: spec,
		stage:   StagePlanning,
		clk:     clk,
	}
}

// ID returns the plan's unique identifier.
func (p *Plan) ID() string { return p.id }

// AddTarget registers a remote host. Legal only while the plan is in
// PLANNING. port 0 selects the SSH default of 22.
func (p *Plan) AddTarget(hostname, username string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stage != StagePlanning {
		return fmt.Errorf("%w: cannot add target in stage %s", ErrInvalidState, p.stage)
	}
	if hostname == "" || username == "" {
		return fmt.Errorf("%w: target needs hostname and username", ErrInvalidState)
	}
	if port == 0 {
		port = 22
	}
	for _, t := range p.targets {
		if t.hostname == hostname && t.username == username && t.port == port {
			return fmt.Errorf("%w: duplicate target %s", ErrInvalidState, t.endpoint())
		}
	}
	p.targets = append(p.targets, &Target{
		hostname: hostname,
		username: username,
		port:     port,
		status:   StatusPending,
	})
	return nil
}

// RemoveTarget drops a pending target by hostname. Legal only in PLANNING;
// once a rotation has started, targets are never deleted, only marked
// terminal, to preserve the audit history.
func (p *Plan) RemoveTarget(hostname string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stage != StagePlanning {
		return fmt.Errorf("%w: cannot remove target in stage %s", ErrInvalidState, p.stage)
	}
	for i, t := range p.targets {
		if t.hostname == hostname {
			p.targets = append(p.targets[:i], p.targets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: no target %q", ErrInvalidState, hostname)
}

// AppendLog records a timestamped message. Always legal; the log is never
// truncated or reordered.
func (p *Plan) AppendLog(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendLogLocked(message)
}

func (p *Plan) appendLogLocked(message string) {
	p.log = append(p.log, LogEntry{Timestamp: p.clk.Now().UTC(), Message: message})
}

// Progress returns the percentage of targets that have at least been
// deployed. An empty plan reports 0.
func (p *Plan) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progressLocked()
}

func (p *Plan) progressLocked() float64 {
	if len(p.targets) == 0 {
		return 0
	}
	reached := 0
	for _, t := range p.targets {
		if t.deployed {
			reached++
		}
	}
	return float64(reached) / float64(len(p.targets)) * 100
}

// Stage returns the plan's current stage.
func (p *Plan) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Cancel requests cooperative cancellation. The runner checks the flag
// between retries and before starting work on each target; in-flight remote
// calls complete or time out naturally.
func (p *Plan) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cancelled && !p.stage.Terminal() {
		p.cancelled = true
		p.appendLogLocked("cancellation requested")
	}
}

// IsCancelled reports whether cancellation has been requested.
func (p *Plan) IsCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// begin claims the plan for a runner execution. A second concurrent (or
// repeated) start fails with ErrInvalidState, as does starting without
// targets.
func (p *Plan) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("%w: rotation already in progress", ErrInvalidState)
	}
	if p.stage != StagePlanning {
		return fmt.Errorf("%w: cannot start from stage %s", ErrInvalidState, p.stage)
	}
	if len(p.targets) == 0 {
		return fmt.Errorf("%w: plan has no targets", ErrInvalidState)
	}
	p.running = true
	return nil
}

func (p *Plan) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
}

// setStage moves the state machine and logs the transition.
func (p *Plan) setStage(next Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = next
	p.appendLogLocked("stage -> " + next.String())
}

func (p *Plan) setNewKey(k *keygen.KeyPair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newKey = k
}

// setTargetStatus advances a target under the plan lock, enforcing the
// forward-only invariant.
func (p *Plan) setTargetStatus(t *Target, next TargetStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.advance(next)
}

// statusOf reads a target's status under the plan lock.
func (p *Plan) statusOf(t *Target) TargetStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.status
}

// recordOutcome bumps the attempt counter and stores the last error (empty
// on success) for a target.
func (p *Plan) recordOutcome(t *Target, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.attempts++
	if err != nil {
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
	}
}

// targetsIn returns the targets currently in any of the given statuses, in
// insertion order.
func (p *Plan) targetsIn(statuses ...TargetStatus) []*Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Target
	for _, t := range p.targets {
		for _, s := range statuses {
			if t.status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// deployedTargets returns every target whose authorized_keys was modified
// and not yet rolled back or fully committed, regardless of current status.
// This is the rollback working set: it includes targets that deployed and
// then failed verification.
func (p *Plan) deployedTargets() []*Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Target
	for _, t := range p.targets {
		if t.deployed && t.status != StatusRetired && t.status != StatusRolledBack {
			out = append(out, t)
		}
	}
	return out
}

func (p *Plan) allTargets() []*Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// PlanSnapshot is an immutable copy of the plan for cross-goroutine reads:
// the event sink, the web API, and persistence all consume snapshots, never
// the live plan.
type PlanSnapshot struct {
	ID             string           `json:"id"`
	Reason         string           `json:"reason"`
	Stage          string           `json:"stage"`
	Cancelled      bool             `json:"cancelled"`
	Progress       float64          `json:"progress"`
	OldFingerprint string           `json:"old_fingerprint"`
	NewFingerprint string           `json:"new_fingerprint,omitempty"`
	KeyType        string           `json:"key_type"`
	Targets        []TargetSnapshot `json:"targets"`
	Log            []LogEntry       `json:"log"`
}

// Snapshot returns a deep copy safe to hand outside the runner.
func (p *Plan) Snapshot() PlanSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PlanSnapshot{
		ID:             p.id,
		Reason:         p.reason,
		Stage:          p.stage.String(),
		Cancelled:      p.cancelled,
		Progress:       p.progressLocked(),
		OldFingerprint: p.oldKey.Fingerprint,
		KeyType:        string(p.keySpec.Type),
		Targets:        make([]TargetSnapshot, 0, len(p.targets)),
		Log:            make([]LogEntry, len(p.log)),
	}
	if p.newKey != nil {
		snap.NewFingerprint = p.newKey.Fingerprint
	}
	for _, t := range p.targets {
		snap.Targets = append(snap.Targets, t.snapshot())
	}
	copy(snap.Log, p.log)
	return snap
}

// takeUnmirrored returns the log entries appended since the previous call.
// The runner drains this at every persistence point to mirror the log into
// durable storage and onto the event bus.
func (p *Plan) takeUnmirrored() []LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mirrored >= len(p.log) {
		return nil
	}
	out := make([]LogEntry, len(p.log)-p.mirrored)
	copy(out, p.log[p.mirrored:])
	p.mirrored = len(p.log)
	return out
}

// lastLogMessage returns the most recent log line, for progress events.
func (p *Plan) lastLogMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.log) == 0 {
		return ""
	}
	return p.log[len(p.log)-1].Message
}

func (p *Plan) oldKeyRef() *keygen.KeyPair { return p.oldKey }

func (p *Plan) newKeyRef() *keygen.KeyPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newKey
}
