package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/brianfofficial/atlas/internal/rollout"
	"github.com/brianfofficial/atlas/internal/storage"
	"github.com/brianfofficial/atlas/internal/trust"
)

// ============================================================================
// TRUST
// ============================================================================

func (s *Server) handleTrustStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Trust.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleFeelsWrongReport is the one-tap "this feels wrong" intake. The
// report always opens a regression; triage happens later.
func (s *Server) handleFeelsWrongReport(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Feedback string `json:"feedback,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	reg, err := s.deps.Trust.RecordFeelsWrongReport(r.Context(), claims.Owner, req.Feedback)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleListRegressions(w http.ResponseWriter, r *http.Request) {
	since := time.Now().AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindValidation, "since must be RFC 3339")
			return
		}
		since = t
	}
	regs, err := s.deps.Trust.Regressions(r.Context(), since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"regressions": regs})
}

func (s *Server) handleRecordRegression(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Trigger     string `json:"trigger"`
		Severity    string `json:"severity"`
		Description string `json:"description,omitempty"`
		BriefingID  string `json:"briefing_id,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Trigger == "" || req.Severity == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "trigger and severity are required")
		return
	}
	reg, err := s.deps.Trust.RecordRegression(r.Context(), trust.RegressionInput{
		Owner:       claims.Owner,
		Trigger:     req.Trigger,
		Severity:    req.Severity,
		Description: req.Description,
		BriefingID:  req.BriefingID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleResolveRegression(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Resolution == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "resolution is required")
		return
	}
	if err := s.deps.Trust.ResolveRegression(r.Context(), mux.Vars(r)["id"], req.Resolution); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// ROLLOUT
// ============================================================================

func (s *Server) handleRolloutStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Rollout.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":      st,
		"phase_name": rollout.PhaseName(st.Phase),
	})
}

func (s *Server) handleRolloutAdvance(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Rollout.AdvancePhase(r.Context(), claims.Owner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRolloutFreeze(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "reason is required")
		return
	}
	changed, err := s.deps.Rollout.Freeze(r.Context(), req.Reason, claims.Owner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "state": s.deps.Rollout.State()})
}

func (s *Server) handleRolloutUnfreeze(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	changed, err := s.deps.Rollout.Unfreeze(r.Context(), claims.Owner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "state": s.deps.Rollout.State()})
}

func (s *Server) handleRolloutBriefings(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Disabled bool `json:"disabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		changed bool
		err     error
	)
	if req.Disabled {
		changed, err = s.deps.Rollout.DisableBriefings(r.Context(), claims.Owner)
	} else {
		changed, err = s.deps.Rollout.EnableBriefings(r.Context(), claims.Owner)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "state": s.deps.Rollout.State()})
}

func (s *Server) handleRolloutEligibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner       string              `json:"owner"`
		Traits      rollout.Traits      `json:"traits"`
		AntiTargets rollout.AntiTargets `json:"anti_targets"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "owner is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Rollout.AssessCandidate(r.Context(), req.Owner, req.Traits, req.AntiTargets))
}

func (s *Server) handleRolloutAdmit(w http.ResponseWriter, r *http.Request) {
	adm, err := s.deps.Rollout.AdmitUser(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if !adm.Admitted {
		status = http.StatusConflict
	}
	writeJSON(w, status, adm)
}

// ============================================================================
// AUDIT / GC / NOTIFICATIONS / CACHE / SYSTEM
// ============================================================================

func auditFilterFromQuery(r *http.Request) (storage.AuditFilter, error) {
	q := r.URL.Query()
	f := storage.AuditFilter{
		TypePrefix: q.Get("type_prefix"),
		Severity:   q.Get("severity"),
		Owner:      q.Get("owner"),
		Limit:      intParam(q.Get("limit"), 100),
		Offset:     intParam(q.Get("offset"), 0),
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC 3339", name)
		}
		*dst = t
	}
	return f, nil
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	entries, err := s.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit-"+stamp+".csv"))
		err = s.deps.Audit.ExportCSV(r.Context(), w, filter)
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit-"+stamp+".json"))
		err = s.deps.Audit.ExportJSON(r.Context(), w, filter)
	default:
		writeError(w, http.StatusBadRequest, kindValidation, fmt.Sprintf("unknown export format %q", format))
		return
	}
	if err != nil {
		// Headers are already out; all we can do is log.
		slog.Error("[API] audit export failed", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) handleGCReports(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": s.deps.GC.Reports()})
}

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emergency bool `json:"emergency,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.GC.RunPass(r.Context(), req.Emergency))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": []struct{}{}})
		return
	}
	notes, err := s.deps.Notify.Recent(r.Context(), intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notes})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats(r.Context()))
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	purged, err := s.deps.Cache.PurgeExpired(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": purged})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"active_undo":        s.deps.Undo.Active(),
		"pending_challenges": s.deps.Auth.PendingChallenges(),
		"rate_limiter":       s.limiter.Stats(),
	}
	if s.deps.Bus != nil {
		ev := map[string]interface{}{
			"subscribers": s.deps.Bus.SubscriberCount(),
			"dropped":     s.deps.Bus.Dropped(),
		}
		if s.hub != nil {
			ev["websocket_clients"] = s.hub.Clients()
		}
		resp["events"] = ev
	}
	if s.deps.Sysmon != nil {
		resp["memory"] = s.deps.Sysmon.Last()
	}
	if report, ok := s.deps.GC.LastReport(); ok {
		resp["last_gc"] = report
	}
	writeJSON(w, http.StatusOK, resp)
}
