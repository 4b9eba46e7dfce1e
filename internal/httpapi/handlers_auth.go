package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/brianfofficial/atlas/internal/auth"
	"github.com/brianfofficial/atlas/internal/middleware"
	"github.com/brianfofficial/atlas/internal/storage"
)

func (s *Server) handlePairBegin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "fingerprint is required")
		return
	}

	ch, err := s.deps.Auth.BeginPairing(r.Context(), req.Fingerprint)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge_id": ch.ID,
		"nonce":        base64.StdEncoding.EncodeToString(ch.Nonce),
		"expires_at":   ch.ExpiresAt,
	})
}

// handlePairComplete verifies the signed challenge and, on success,
// mints the device's first session. Possession of the enrolled private
// key is the second factor here, so the session starts mfa-verified.
func (s *Server) handlePairComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner       string `json:"owner"`
		ChallengeID string `json:"challenge_id"`
		Signature   string `json:"signature"`  // base64
		PublicKey   string `json:"public_key"` // PEM
		Name        string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" || req.ChallengeID == "" || req.Signature == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "owner, challenge_id, signature and public_key are required")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "signature is not valid base64")
		return
	}

	device, err := s.deps.Auth.CompletePairing(r.Context(), req.Owner, req.ChallengeID, sig, req.PublicKey, req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	tokens, err := s.deps.Auth.CreateSession(r.Context(), device.Owner, device.ID, true)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pairCompleteResponse{Device: device, Tokens: tokens})
}

type pairCompleteResponse struct {
	Device *storage.Device `json:"device"`
	Tokens *auth.TokenPair `json:"tokens"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "refresh_token is required")
		return
	}

	tokens, err := s.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "session_id is required")
		return
	}
	if err := s.deps.Auth.Logout(r.Context(), req.SessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "no session")
		return
	}
	devices, err := s.deps.Auth.ListDevices(r.Context(), claims.Owner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Auth.RevokeDevice(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
