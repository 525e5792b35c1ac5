package rotation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
	"github.com/Will-Luck/Key-Sentinel/internal/logging"
)

// execCall records one remote invocation seen by the mock executor.
type execCall struct {
	Host string
	Op   string // "append", "verify", or "remove"
	Key  string // fingerprint of the authenticating key
}

// mockExecutor scripts per-target failures. Errors are consumed in order
// from the queue registered for "op:host"; an empty queue means success.
type mockExecutor struct {
	mu    sync.Mutex
	calls []execCall
	errs  map[string][]error
	onRun func(op, host string) // optional hook, invoked during Run
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{errs: make(map[string][]error)}
}

func (m *mockExecutor) fail(op, host string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + ":" + host
	m.errs[key] = append(m.errs[key], errs...)
}

func (m *mockExecutor) Run(ctx context.Context, ep Endpoint, key *keygen.KeyPair, command string, timeout time.Duration) (ExecResult, error) {
	op := opForCommand(command)

	m.mu.Lock()
	m.calls = append(m.calls, execCall{Host: ep.Hostname, Op: op, Key: key.Fingerprint})
	var err error
	if q := m.errs[op+":"+ep.Hostname]; len(q) > 0 {
		err = q[0]
		m.errs[op+":"+ep.Hostname] = q[1:]
	}
	hook := m.onRun
	m.mu.Unlock()

	if hook != nil {
		hook(op, ep.Hostname)
	}
	if err != nil {
		return ExecResult{ExitStatus: 1}, err
	}
	return ExecResult{}, nil
}

func (m *mockExecutor) count(op, host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && c.Host == host {
			n++
		}
	}
	return n
}

func opForCommand(cmd string) string {
	switch {
	case cmd == "true":
		return "verify"
	case strings.Contains(cmd, "grep -qxF"):
		return "append"
	case strings.Contains(cmd, "grep -vxF"):
		return "remove"
	}
	return "unknown"
}

// mockGenerator produces real ed25519 pairs unless scripted to fail.
type mockGenerator struct {
	err error
}

func (g *mockGenerator) Generate(req keygen.Request) (*keygen.KeyPair, error) {
	if g.err != nil {
		return nil, g.err
	}
	return keygen.Generate(req)
}

// mockRecorder captures persisted snapshots, mirrored log lines, and
// rotation records.
type mockRecorder struct {
	mu        sync.Mutex
	snapshots map[string][][]byte
	planLogs  []string
	records   []RotationRecord
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{snapshots: make(map[string][][]byte)}
}

func (r *mockRecorder) SavePlanSnapshot(planID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[planID] = append(r.snapshots[planID], data)
	return nil
}

func (r *mockRecorder) AppendPlanLog(planID string, ts time.Time, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planLogs = append(r.planLogs, message)
	return nil
}

func (r *mockRecorder) logMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.planLogs))
	copy(out, r.planLogs)
	return out
}

func (r *mockRecorder) RecordRotation(rec RotationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *mockRecorder) lastRecord(t *testing.T) RotationRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		t.Fatal("no rotation record persisted")
	}
	return r.records[len(r.records)-1]
}

// fakeClock advances instantly through every backoff wait.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func testLogger() *logging.Logger {
	return logging.New(false, "error")
}

func testKey(t *testing.T) *keygen.KeyPair {
	t.Helper()
	kp, err := keygen.Generate(keygen.Request{Type: keygen.TypeEd25519, Comment: "test"})
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return kp
}

func testPlan(t *testing.T, hosts ...string) *Plan {
	t.Helper()
	plan := NewPlan(testKey(t), keygen.Request{Type: keygen.TypeEd25519}, "test rotation", newFakeClock())
	for _, h := range hosts {
		if err := plan.AddTarget(h, "deploy", 22); err != nil {
			t.Fatalf("AddTarget(%s): %v", h, err)
		}
	}
	return plan
}

func transientErr(msg string) error {
	return &TransientError{Err: errors.New(msg)}
}
