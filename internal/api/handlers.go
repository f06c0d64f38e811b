package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/orchestrator"
	"github.com/1sec-project/warden/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	tok, exp, err := IssueToken(s.engine.Config(), req.Name, req.Password)
	switch {
	case errors.Is(err, ErrAuthNotConfigured):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case errors.Is(err, ErrInvalidCredentials):
		s.logger.Warn().Str("operator", req.Name).Str("ip", clientIP(r)).Msg("failed login")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "issuing token failed")
		return
	}
	op, _ := s.engine.Config().Operator(req.Name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      tok,
		"expires_at": exp,
		"operator":   op.Name,
		"roles":      op.Roles,
	})
}

// ─── Incidents ──────────────────────────────────────────────────────────────

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var ev incident.DetectionEvent
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid detection JSON: "+err.Error())
		return
	}
	inc, err := s.engine.Submit(r.Context(), ev)
	if errors.Is(err, orchestrator.ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"incident_id":    inc.ID,
		"correlation_id": inc.CorrelationID,
		"type":           inc.Type,
		"severity":       inc.Severity,
		"confidence":     inc.Confidence,
		"low_confidence": inc.LowConfidence,
		"mitre":          inc.Techniques,
		"runbook_id":     inc.RunbookID,
		"stage":          inc.Stage,
	})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := incident.Filter{
		Stage:     q.Get("stage"),
		Type:      q.Get("type"),
		Technique: q.Get("technique"),
		Limit:     queryInt(r, "limit", 100),
	}
	f.Active, _ = strconv.ParseBool(q.Get("active"))

	incs, err := s.engine.Orchestrator.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if incs == nil {
		incs = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incs,
		"total":     len(incs),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.engine.Orchestrator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.engine.Orchestrator.Trace(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// ─── Approvals ──────────────────────────────────────────────────────────────

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") == "resolved" {
		h := s.engine.Approvals.History(queryInt(r, "limit", 100))
		writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": h, "total": len(h)})
		return
	}
	pending := s.engine.Approvals.Pending(r.URL.Query().Get("role"))
	if pending == nil {
		pending = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending, "total": len(pending)})
}

type decisionRequest struct {
	Reason string `json:"reason"`
	// Approver and Roles are honoured only when authentication is disabled.
	Approver string   `json:"approver"`
	Roles    []string `json:"roles"`
}

// approver returns the identity deciding a request. Operator tokens carry
// their roles; API keys carry none and cannot approve.
func approver(r *http.Request, body decisionRequest) (approval.Identity, bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		return approval.Identity{}, false
	}
	switch p.Method {
	case "jwt":
		return p.Identity(), true
	case "open":
		if body.Approver == "" {
			return approval.Identity{}, false
		}
		return approval.Identity{ID: body.Approver, Roles: body.Roles}, true
	}
	return approval.Identity{}, false
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	var body decisionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	who, ok := approver(r, body)
	if !ok {
		writeError(w, http.StatusForbidden, "approvals require an operator token")
		return
	}

	id := r.PathValue("id")
	var (
		req *approval.Request
		err error
	)
	if approve {
		req, err = s.engine.Approvals.Approve(r.Context(), id, who)
	} else {
		req, err = s.engine.Approvals.Reject(r.Context(), id, who, body.Reason)
	}
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrNotEligible):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrDuplicateApprover):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, req)
	}
}

// ─── Catalog, adapters, audit ───────────────────────────────────────────────

func (s *Server) handleRunbooks(w http.ResponseWriter, r *http.Request) {
	all := s.engine.Runbooks.All()
	out := make([]map[string]interface{}, 0, len(all))
	for _, rb := range all {
		actions := make([]string, 0, len(rb.Actions))
		for _, a := range rb.Actions {
			actions = append(actions, a.Name)
		}
		out = append(out, map[string]interface{}{
			"id":             rb.ID,
			"version":        rb.Version,
			"name":           rb.Name,
			"incident_types": rb.IncidentTypes,
			"actions":        actions,
			"source":         rb.Source,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"catalog_version": s.engine.Runbooks.Version(),
		"runbooks":        out,
	})
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"mode":   s.engine.Config().Execution.Mode,
		"routes": s.engine.Adapters.Routes(),
	}
	if n := s.engine.Notifier; n != nil {
		resp["dead_letters"] = n.DeadLetters(queryInt(r, "limit", 50))
	}
	if bus := s.engine.Bus(); bus != nil {
		resp["bus"] = bus.GetMetrics()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}
	var (
		records []audit.Record
		err     error
	)
	if id := r.URL.Query().Get("incident_id"); id != "" {
		records, err = s.engine.Audit.Trail(r.Context(), id)
	} else {
		records, err = s.engine.Audit.Range(r.Context(), after, queryInt(r, "limit", 200))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "total": len(records)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Audit.Verify(r.Context())
	if err != nil && !audit.IsVerifyError(err) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"valid": err == nil, "records": n}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries := s.engine.Logs.GetEntries(queryInt(r, "limit", 100), q.Get("level"), q.Get("incident_id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Metrics.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
