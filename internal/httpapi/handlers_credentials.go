package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/brianfofficial/atlas/internal/auth"
	"github.com/brianfofficial/atlas/internal/middleware"
)

// requireClaims is the handler-side identity fetch. The auth middleware
// populates the context on every protected route; handler tests inject
// claims directly with middleware.WithClaims.
func requireClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "no session")
		return nil, false
	}
	return claims, true
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	metas, err := s.deps.Vault.List(r.Context(), claims.Owner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": metas})
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Name    string `json:"name"`
		Service string `json:"service"`
		Secret  string `json:"secret"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Service == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "name, service and secret are required")
		return
	}

	cred, err := s.deps.Vault.Store(r.Context(), claims.Owner, req.Name, req.Service, req.Secret)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         cred.ID,
		"name":       cred.Name,
		"service":    cred.Service,
		"created_at": cred.CreatedAt,
	})
}

// handleRevealCredential returns the plaintext. Reveals require an
// mfa-verified session even if the rest of the API someday admits
// weaker ones; the check lives here, not only in the middleware.
func (s *Server) handleRevealCredential(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	if !claims.MFAVerified {
		writeError(w, http.StatusForbidden, kindAuthorization, "credential reveal requires mfa verification")
		return
	}

	id := mux.Vars(r)["id"]
	secret, err := s.deps.Vault.Retrieve(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "secret": secret})
}

func (s *Server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireClaims(w, r); !ok {
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "secret is required")
		return
	}
	if err := s.deps.Vault.Rotate(r.Context(), mux.Vars(r)["id"], req.Secret); err != nil {
		writeServiceError(w, r, err)
		return
	}
	// A rotated key can change what its provider serves, and any
	// provider may be bound to this credential.
	for _, name := range s.deps.Health.Providers() {
		s.deps.Health.InvalidateCatalog(name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireClaims(w, r); !ok {
		return
	}
	if err := s.deps.Vault.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
