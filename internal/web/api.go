package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Will-Luck/Key-Sentinel/internal/fleet"
	"github.com/Will-Luck/Key-Sentinel/internal/keyscan"
	"github.com/Will-Luck/Key-Sentinel/internal/rotation"
	"github.com/Will-Luck/Key-Sentinel/internal/store"
)

func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"key_fingerprint": s.deps.Manager.CurrentFingerprint(),
	})
}

// startPayload is a StartRequest plus an optional inventory tag. When no
// explicit targets are given, the tag selects them from the targets file.
type startPayload struct {
	rotation.StartRequest
	Tag string `json:"tag,omitempty"`
}

// apiStartRotation launches a rotation. The plan snapshot comes back
// immediately; progress streams over /api/events.
func (s *Server) apiStartRotation(w http.ResponseWriter, r *http.Request) {
	var payload startPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(payload.Targets) == 0 && s.deps.TargetsFile != "" {
		targets, err := s.targetsFromInventory(payload.Tag)
		if err != nil {
			s.deps.Log.Error("failed to load inventory", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load target inventory")
			return
		}
		payload.Targets = targets
	}

	snap, err := s.deps.Manager.Start(payload.StartRequest)
	if err != nil {
		if errors.Is(err, rotation.ErrInvalidState) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) targetsFromInventory(tag string) ([]rotation.TargetSpec, error) {
	inv, err := fleet.Load(s.deps.TargetsFile)
	if err != nil {
		return nil, err
	}
	hosts := inv.Select(tag)
	specs := make([]rotation.TargetSpec, 0, len(hosts))
	for _, h := range hosts {
		specs = append(specs, rotation.TargetSpec{Hostname: h.Hostname, Username: h.Username, Port: h.Port})
	}
	return specs, nil
}

// apiListRotations returns every known plan: live ones from the manager
// first (newest first), then archived plans persisted by earlier processes.
func (s *Server) apiListRotations(w http.ResponseWriter, r *http.Request) {
	plans := s.deps.Manager.List()
	if plans == nil {
		plans = []rotation.PlanSnapshot{}
	}

	if s.deps.Snapshots != nil {
		live := make(map[string]bool, len(plans))
		for _, p := range plans {
			live[p.ID] = true
		}
		ids, err := s.deps.Snapshots.ListPlanIDs()
		if err != nil {
			s.deps.Log.Error("failed to list archived plans", "error", err)
		}
		for _, id := range ids {
			if live[id] {
				continue
			}
			if snap, ok := s.archivedSnapshot(id); ok {
				plans = append(plans, snap)
			}
		}
	}

	writeJSON(w, http.StatusOK, plans)
}

// apiGetRotation returns one plan snapshot, falling back to the last
// persisted snapshot for plans that predate this process.
func (s *Server) apiGetRotation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if snap, ok := s.deps.Manager.Get(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if snap, ok := s.archivedSnapshot(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeError(w, http.StatusNotFound, "no such rotation")
}

// archivedSnapshot loads the most recent persisted snapshot of a plan.
func (s *Server) archivedSnapshot(id string) (rotation.PlanSnapshot, bool) {
	if s.deps.Snapshots == nil {
		return rotation.PlanSnapshot{}, false
	}
	data, err := s.deps.Snapshots.GetLatestSnapshot(id)
	if err != nil || data == nil {
		return rotation.PlanSnapshot{}, false
	}
	var snap rotation.PlanSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.deps.Log.Warn("corrupt plan snapshot", "plan_id", id, "error", err)
		return rotation.PlanSnapshot{}, false
	}
	return snap, true
}

// apiRotationLog returns the durable audit log for one plan. The runner
// mirrors every plan log line into the store, so this also covers live
// plans; a plan launched moments ago may not have hit the store yet, in
// which case the in-memory log is served.
func (s *Server) apiRotationLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.deps.Snapshots != nil {
		entries, err := s.deps.Snapshots.ListLogs(id)
		if err != nil {
			s.deps.Log.Error("failed to read plan log", "plan_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read plan log")
			return
		}
		if len(entries) > 0 {
			writeJSON(w, http.StatusOK, entries)
			return
		}
	}

	if snap, ok := s.deps.Manager.Get(id); ok {
		entries := make([]store.LogEntry, 0, len(snap.Log))
		for _, e := range snap.Log {
			entries = append(entries, store.LogEntry{Timestamp: e.Timestamp, PlanID: snap.ID, Message: e.Message})
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	writeError(w, http.StatusNotFound, "no such rotation")
}

// apiCancelRotation requests cancellation; the rotation acknowledges it at
// the next safe point, so the response only confirms the request was noted.
func (s *Server) apiCancelRotation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Manager.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, "no such rotation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

// apiHistory returns the most recent rotation records.
func (s *Server) apiHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListHistory(100)
	if err != nil {
		s.deps.Log.Error("failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if records == nil {
		records = []rotation.RotationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// apiKeys inventories the local key directory.
func (s *Server) apiKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := keyscan.Scan(s.deps.SSHDir)
	if err != nil {
		s.deps.Log.Error("failed to scan key dir", "dir", s.deps.SSHDir, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to scan key directory")
		return
	}

	type keyView struct {
		keyscan.KeyInfo
		AgeDays int  `json:"age_days"`
		Current bool `json:"current"`
	}
	current := s.deps.Manager.CurrentFingerprint()
	now := time.Now()
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{
			KeyInfo: k,
			AgeDays: int(k.Age(now).Hours() / 24),
			Current: k.Fingerprint == current,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// apiTargets returns the configured inventory, optionally filtered by ?tag=.
func (s *Server) apiTargets(w http.ResponseWriter, r *http.Request) {
	if s.deps.TargetsFile == "" {
		writeJSON(w, http.StatusOK, []fleet.Host{})
		return
	}
	inv, err := fleet.Load(s.deps.TargetsFile)
	if err != nil {
		s.deps.Log.Error("failed to load inventory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load target inventory")
		return
	}
	hosts := inv.Select(r.URL.Query().Get("tag"))
	if hosts == nil {
		hosts = []fleet.Host{}
	}
	writeJSON(w, http.StatusOK, hosts)
}
