package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/brianfofficial/atlas/internal/approval"
	"github.com/brianfofficial/atlas/internal/auth"
	"github.com/brianfofficial/atlas/internal/rollout"
	"github.com/brianfofficial/atlas/internal/storage"
	"github.com/brianfofficial/atlas/internal/undo"
	"github.com/brianfofficial/atlas/internal/vault"
)

// Error kinds carried in the envelope. Clients branch on kind, not on
// the HTTP status.
const (
	kindValidation     = "validation"
	kindAuthentication = "authentication"
	kindAuthorization  = "authorization"
	kindResource       = "resource"
	kindConflict       = "conflict"
	kindUnavailable    = "unavailable"
	kindInternal       = "internal"
)

// maxBodyBytes caps request bodies before the JSON decoder sees them.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Kind    string                 `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeErrorDetails(w, status, kind, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, kind, message string, details map[string]interface{}) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:    kind,
		Code:    http.StatusText(status),
		Message: message,
		Details: details,
	}})
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are
// rejected so typos surface as 400s instead of silently dropped knobs.
// An empty body leaves v at its zero value; handlers with required
// fields reject that themselves.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, kindValidation, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeServiceError maps component errors onto the envelope. Anything
// unmapped is an internal error and gets logged with the request path.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("[API] request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, kind, "internal error")
		return
	}
	writeError(w, status, kind, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, vault.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, auth.ErrChallengeNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, undo.ErrNoTicket):
		return http.StatusNotFound, kindResource

	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict, kindConflict

	case errors.Is(err, vault.ErrDuplicateName),
		errors.Is(err, auth.ErrDeviceLimit),
		errors.Is(err, approval.ErrExpired),
		errors.Is(err, approval.ErrInvalidState),
		errors.Is(err, auth.ErrChallengeExpired),
		errors.Is(err, undo.ErrNotApproved),
		errors.Is(err, undo.ErrAlreadyExecuted),
		errors.Is(err, undo.ErrWindowElapsed),
		errors.Is(err, rollout.ErrFrozen),
		errors.Is(err, rollout.ErrFinalPhase),
		errors.Is(err, rollout.ErrStreakTooLow):
		return http.StatusConflict, kindConflict

	case errors.Is(err, vault.ErrUnknownService),
		errors.Is(err, approval.ErrUnknownCategory),
		errors.Is(err, approval.ErrUnknownRisk),
		errors.Is(err, approval.ErrBadRule),
		errors.Is(err, auth.ErrBadPublicKey),
		errors.Is(err, auth.ErrUnsupportedKey):
		return http.StatusBadRequest, kindValidation

	case errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRevoked),
		errors.Is(err, auth.ErrRefreshReuse):
		return http.StatusUnauthorized, kindAuthentication

	case errors.Is(err, auth.ErrDeviceNotTrusted),
		errors.Is(err, auth.ErrMFARequired):
		return http.StatusForbidden, kindAuthorization

	case errors.Is(err, vault.ErrNotInitialized),
		errors.Is(err, vault.ErrDecrypt):
		return http.StatusServiceUnavailable, kindUnavailable
	}
	return http.StatusInternalServerError, kindInternal
}
