package httpapi

import (
	"net/http"

	"github.com/brianfofficial/atlas/internal/costs"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/router"
)

// handleListModels aggregates the per-provider catalogs. A provider
// that cannot be reached contributes an error entry instead of failing
// the whole listing.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := make([]provider.ModelConfig, 0, 16)
	errs := map[string]string{}
	for _, name := range s.deps.Health.Providers() {
		catalog, err := s.deps.Health.Catalog(r.Context(), name)
		if err != nil {
			errs[name] = err.Error()
			continue
		}
		models = append(models, catalog...)
	}
	resp := map[string]interface{}{"models": models}
	if len(errs) > 0 {
		resp["errors"] = errs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	statuses := map[string]provider.ProviderStatus{}
	for _, name := range s.deps.Health.Providers() {
		if st, ok := s.deps.Health.Status(r.Context(), name); ok {
			statuses[name] = st
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": statuses})
}

func (s *Server) handleModelHealthRefresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.deps.Health.RefreshAll(r.Context()),
	})
}

func (s *Server) handleGetRouting(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Config())
}

func (s *Server) handlePutRouting(w http.ResponseWriter, r *http.Request) {
	var cfg router.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}
	s.deps.Router.SetConfig(cfg)
	writeJSON(w, http.StatusOK, s.deps.Router.Config())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = costs.PeriodDay
	}
	summary, err := s.deps.Costs.Summarize(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}

	resp := map[string]interface{}{"summary": summary}
	if util, capped, err := s.deps.Costs.Utilization(r.Context(), period); err == nil && capped {
		resp["utilization"] = util
	}
	if projected, err := s.deps.Costs.ProjectedMonthly(r.Context()); err == nil {
		resp["projected_monthly"] = projected
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Costs.Budget())
}

func (s *Server) handlePutBudget(w http.ResponseWriter, r *http.Request) {
	var b costs.Budget
	if !decodeJSON(w, r, &b) {
		return
	}
	if b.DailyLimit < 0 || b.WeeklyLimit < 0 || b.MonthlyLimit < 0 {
		writeError(w, http.StatusBadRequest, kindValidation, "limits must not be negative")
		return
	}
	for _, t := range b.AlertThresholds {
		if t <= 0 || t > 100 {
			writeError(w, http.StatusBadRequest, kindValidation, "alert thresholds must be percentages in (0,100]")
			return
		}
	}
	s.deps.Costs.SetBudget(b)
	writeJSON(w, http.StatusOK, s.deps.Costs.Budget())
}
