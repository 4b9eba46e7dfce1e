package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/brianfofficial/atlas/internal/approval"
	"github.com/brianfofficial/atlas/internal/sandbox"
	"github.com/brianfofficial/atlas/internal/storage"
	"github.com/brianfofficial/atlas/internal/undo"
)

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Approvals.Pending(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending})
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Category         string                 `json:"category"`
		Operation        string                 `json:"operation"`
		ActionBody       string                 `json:"action_body"`
		Risk             string                 `json:"risk,omitempty"`
		ContextText      string                 `json:"context_text,omitempty"`
		TechnicalDetails string                 `json:"technical_details,omitempty"`
		SessionID        string                 `json:"session_id,omitempty"`
		Metadata         map[string]interface{} `json:"metadata,omitempty"`
		TTLSec           int                    `json:"ttl_sec,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Category == "" || req.Operation == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "category and operation are required")
		return
	}

	a, err := s.deps.Approvals.Create(r.Context(), approval.CreateInput{
		Category:         req.Category,
		Operation:        req.Operation,
		ActionBody:       req.ActionBody,
		Risk:             req.Risk,
		ContextText:      req.ContextText,
		TechnicalDetails: req.TechnicalDetails,
		SessionID:        req.SessionID,
		Owner:            claims.Owner,
		Metadata:         req.Metadata,
		TTL:              time.Duration(req.TTLSec) * time.Second,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ApprovalFilter{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		Owner:    q.Get("owner"),
		Limit:    intParam(q.Get("limit"), 50),
		Offset:   intParam(q.Get("offset"), 0),
	}
	items, err := s.deps.Approvals.History(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": items})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Approvals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleApprovalTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.deps.Approvals.AuditTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trail": trail})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Remember bool `json:"remember,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.deps.Approvals.Approve(r.Context(), mux.Vars(r)["id"], claims.Owner, req.Remember)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.deps.Approvals.Deny(r.Context(), mux.Vars(r)["id"], claims.Owner, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": s.deps.Approvals.Rules()})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule approval.Rule
	if !decodeJSON(w, r, &rule) {
		return
	}
	added, err := s.deps.Approvals.AddRule(rule)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Approvals.RemoveRule(mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteAction runs the approved command in the sandbox. An
// optional undo_command becomes the ticket's compensation, executed
// through the same sandbox when the owner reverses the action.
func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req struct {
		Command     []string `json:"command"`
		WorkDir     string   `json:"workdir,omitempty"`
		TimeoutSec  int      `json:"timeout_sec,omitempty"`
		UndoCommand []string `json:"undo_command,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, kindValidation, "command is required")
		return
	}

	requestID := mux.Vars(r)["id"]
	stack := undo.NewCompensation(requestID)
	if len(req.UndoCommand) > 0 {
		undoCmd := req.UndoCommand
		workDir := req.WorkDir
		stack.Push(func(ctx context.Context) error {
			_, err := s.deps.Sandbox.Execute(ctx, sandbox.Request{Command: undoCmd, WorkDir: workDir})
			return err
		})
	}

	res, err := s.deps.Undo.Execute(r.Context(), requestID, undo.Action{
		Owner:   claims.Owner,
		Command: req.Command,
		WorkDir: req.WorkDir,
		Timeout: time.Duration(req.TimeoutSec) * time.Second,
	}, stack)
	if err != nil {
		writeExecError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": res,
		"undo":   s.deps.Undo.CanUndo(requestID),
	})
}

func (s *Server) handleUndoAvailability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Undo.CanUndo(mux.Vars(r)["id"]))
}

func (s *Server) handleUndoAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Undo.Undo(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request_id": id, "undone": true})
}

// writeExecError adds the sandbox refusals the generic table does not
// know about.
func writeExecError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sandbox.ErrBlocked):
		writeError(w, http.StatusForbidden, kindAuthorization, err.Error())
	case errors.Is(err, sandbox.ErrEmptyCommand):
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())
	default:
		writeServiceError(w, r, err)
	}
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
