package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/backup"
	"github.com/carevault/durability/internal/dr"
	"github.com/carevault/durability/internal/fault"
	"github.com/carevault/durability/internal/metrics"
	"github.com/carevault/durability/internal/replication"
)

// handleStartBackup runs a backup synchronously and returns the finished
// job. POST /api/v1/backups
func (s *Server) handleStartBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind       string `json:"kind"`
		TargetPath string `json:"target_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	job, err := s.engine.Run(r.Context(), backup.Kind(req.Kind), req.TargetPath)
	if err != nil {
		if job != nil {
			// The job ran and failed; the audit trail holds the full
			// cause under the job id.
			s.respond(w, http.StatusInternalServerError, map[string]string{
				"error":     "backup failed",
				"kind":      string(fault.KindOf(err)),
				"backup_id": job.ID.String(),
			})
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.respond(w, http.StatusCreated, job)
}

// handleListBackups serves operator job listings. Only the stale view is
// exposed; full history queries belong to the audit trail.
// GET /api/v1/backups?stale=1
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stale") == "" {
		s.respond(w, http.StatusBadRequest, map[string]string{
			"error": "listing requires the stale=1 filter",
		})
		return
	}

	jobs, err := s.engine.StaleRunning(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*backup.BackupJob{}
	}
	s.respond(w, http.StatusOK, jobs)
}

// handleGetBackup serves one job. GET /api/v1/backups/{id}
func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}

	job, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, job)
}

// handleVerifyBackup restores and checks one backup synchronously.
// POST /api/v1/backups/{id}/verify
func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}

	result, err := s.verifier.Verify(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

// handleListVerifications serves verification history, newest first.
// GET /api/v1/backups/{id}/verifications
func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}

	results, err := s.verifier.Results(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []*backup.VerificationResult{}
	}
	s.respond(w, http.StatusOK, results)
}

// handleListReplicas serves the current replica health table.
// GET /api/v1/replicas
func (s *Server) handleListReplicas(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.monitor.Statuses(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if statuses == nil {
		statuses = []*replication.ReplicaStatus{}
	}
	s.respond(w, http.StatusOK, statuses)
}

// handleDRPlan computes a recovery runbook. POST /api/v1/dr/plan
func (s *Server) handleDRPlan(w http.ResponseWriter, r *http.Request) {
	var req dr.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	plan, err := s.coordinator.Plan(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, plan)
}

// handleRotateKey installs new key material as the active version.
// POST /api/v1/keys/rotate
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaterialHex string `json:"material_hex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	material, err := hex.DecodeString(req.MaterialHex)
	if err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "material_hex is not valid hex"})
		return
	}

	previous, err := s.keys.Rotate(r.Context(), material)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordKeyRotation()

	status := s.keys.Status()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"previous_version": previous,
		"active_version":   status.ActiveVersion,
		"algorithm":        status.Algorithm,
	})
}

// handleKeyStatus reports the key lineage without exposing material.
// GET /api/v1/keys/status
func (s *Server) handleKeyStatus(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.keys.Status())
}

// handleAuditEvents serves the audit query API. GET /api/v1/audit/events
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.auditReader == nil {
		s.respond(w, http.StatusNotImplemented, map[string]string{
			"error": "audit queries require a control-plane database",
		})
		return
	}

	q := &audit.Query{
		Action:       r.URL.Query().Get("action"),
		ResourceType: r.URL.Query().Get("resource_type"),
		ResourceID:   r.URL.Query().Get("resource_id"),
		Severity:     audit.Severity(r.URL.Query().Get("severity")),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		q.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "until must be RFC 3339"})
			return
		}
		q.Until = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}

	events, err := s.auditReader.Events(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	s.respond(w, http.StatusOK, events)
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid backup id"})
		return uuid.Nil, false
	}
	return id, true
}
