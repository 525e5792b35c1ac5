package rotation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Will-Luck/Key-Sentinel/internal/clock"
	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
	"github.com/Will-Luck/Key-Sentinel/internal/logging"
)

// TargetSpec names one host in a start request.
type TargetSpec struct {
	Hostname string `json:"host"`
	Username string `json:"user"`
	Port     int    `json:"port,omitempty"`
}

// StartRequest describes a rotation to launch.
type StartRequest struct {
	Reason  string         `json:"reason"`
	KeyType keygen.KeyType `json:"key_type"`
	Bits    int            `json:"bits,omitempty"`
	Comment string         `json:"comment,omitempty"`
	Targets []TargetSpec   `json:"targets"`
}

func (r StartRequest) validate() error {
	if r.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidState)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidState)
	}
	return (keygen.Request{Type: r.KeyType, Bits: r.Bits}).Validate()
}

// SettingsStore persists small operational facts across restarts.
type SettingsStore interface {
	SaveSetting(key, value string) error
}

// SettingCurrentKeyPath records where the most recently adopted private key
// lives, so a restarted process resumes with the rotated credential instead
// of the configured (now retired) one.
const SettingCurrentKeyPath = "current_key_path"

// Manager owns the set of rotation plans. It builds plans from start
// requests, launches them on the runner, and adopts the new key as the
// current credential when a rotation completes.
type Manager struct {
	ctx      context.Context
	runner   *Runner
	log      *logging.Logger
	clk      clock.Clock
	sshDir   string
	settings SettingsStore // may be nil

	mu         sync.Mutex
	currentKey *keygen.KeyPair
	plans      map[string]*Plan
	order      []string // plan IDs, oldest first
}

// NewManager creates a Manager. ctx bounds the lifetime of every rotation it
// launches; currentKey is the credential presently authorized on the fleet.
func NewManager(ctx context.Context, runner *Runner, currentKey *keygen.KeyPair, sshDir string, settings SettingsStore, log *logging.Logger, clk clock.Clock) *Manager {
	return &Manager{
		ctx:        ctx,
		runner:     runner,
		log:        log,
		clk:        clk,
		sshDir:     sshDir,
		settings:   settings,
		currentKey: currentKey,
		plans:      make(map[string]*Plan),
	}
}

// CurrentFingerprint returns the fingerprint of the credential the next
// rotation will replace.
func (m *Manager) CurrentFingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentKey.Fingerprint
}

// Start validates the request, builds a plan, and launches it in the
// background. The returned snapshot reflects the plan at launch time.
func (m *Manager) Start(req StartRequest) (PlanSnapshot, error) {
	if err := req.validate(); err != nil {
		return PlanSnapshot{}, err
	}

	m.mu.Lock()
	oldKey := m.currentKey
	m.mu.Unlock()

	plan := NewPlan(oldKey, keygen.Request{Type: req.KeyType, Bits: req.Bits, Comment: req.Comment}, req.Reason, m.clk)
	for _, t := range req.Targets {
		if err := plan.AddTarget(t.Hostname, t.Username, t.Port); err != nil {
			return PlanSnapshot{}, err
		}
	}

	m.mu.Lock()
	m.plans[plan.ID()] = plan
	m.order = append(m.order, plan.ID())
	m.mu.Unlock()

	go m.run(plan)

	return plan.Snapshot(), nil
}

func (m *Manager) run(plan *Plan) {
	if err := m.runner.Start(m.ctx, plan); err != nil {
		m.log.Error("rotation did not complete", "plan_id", plan.ID(), "error", err)
		return
	}
	m.adopt(plan)
}

// adopt persists the completed rotation's key pair next to the current one
// and makes it the credential for future rotations. A write failure is loud
// but not fatal: the key is already live on every target.
func (m *Manager) adopt(plan *Plan) {
	newKey := plan.newKeyRef()
	if newKey == nil {
		return
	}

	name := fmt.Sprintf("id_%s_%s", newKey.Type, m.clk.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(m.sshDir, name)
	if err := newKey.WriteFiles(path); err != nil {
		m.log.Error("completed rotation but could not persist new key", "plan_id", plan.ID(), "path", path, "error", err)
	} else {
		m.log.Info("new key persisted", "plan_id", plan.ID(), "path", path, "fingerprint", newKey.Fingerprint)
		if m.settings != nil {
			if err := m.settings.SaveSetting(SettingCurrentKeyPath, path); err != nil {
				m.log.Warn("could not record adopted key path", "path", path, "error", err)
			}
		}
	}

	m.mu.Lock()
	m.currentKey = newKey
	m.mu.Unlock()
}

// Get returns a snapshot of one plan.
func (m *Manager) Get(id string) (PlanSnapshot, bool) {
	m.mu.Lock()
	plan, ok := m.plans[id]
	m.mu.Unlock()
	if !ok {
		return PlanSnapshot{}, false
	}
	return plan.Snapshot(), true
}

// List returns snapshots of every known plan, newest first.
func (m *Manager) List() []PlanSnapshot {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	plans := make([]*Plan, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		plans = append(plans, m.plans[ids[i]])
	}
	m.mu.Unlock()

	out := make([]PlanSnapshot, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.Snapshot())
	}
	return out
}

// Cancel requests cancellation of a running plan.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	plan, ok := m.plans[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown plan %s", ErrInvalidState, id)
	}
	plan.Cancel()
	return nil
}
