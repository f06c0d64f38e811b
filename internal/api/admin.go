package api

import (
	"net/http"

	"github.com/1sec-project/warden/internal/gate"
)

func actor(r *http.Request) string {
	if p, ok := principalFrom(r.Context()); ok {
		return p.Name
	}
	return "unknown"
}

func (s *Server) autonomyView() map[string]interface{} {
	ctl := s.engine.Control
	return map[string]interface{}{
		"level":       ctl.Effective().String(),
		"configured":  ctl.Configured().String(),
		"kill_switch": ctl.KillSwitchEngaged(),
	}
}

func (s *Server) handleGetAutonomy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.autonomyView())
}

// handleSetAutonomy changes the configured level. While the kill-switch is
// engaged the new level only takes effect after release.
func (s *Server) handleSetAutonomy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	level, err := gate.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Control.SetLevel(level, actor(r)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.autonomyView())
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engaged *bool  `json:"engaged"`
		Reason  string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Engaged == nil {
		writeError(w, http.StatusBadRequest, `"engaged" is required`)
		return
	}

	var changed bool
	if *req.Engaged {
		if req.Reason == "" {
			req.Reason = "engaged via API"
		}
		changed = s.engine.Control.Engage(actor(r), req.Reason)
	} else {
		changed = s.engine.Control.Disengage(actor(r))
	}
	resp := s.autonomyView()
	resp["changed"] = changed
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	changes, err := s.engine.Reload(actor(r))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// handleConfig returns the running configuration with secrets redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	safe := *s.engine.Config()
	safe.Server.APIKeys = nil
	safe.Auth.JWTSecret = ""
	safe.Storage.DSN = ""
	ops := make([]map[string]interface{}, 0, len(safe.Auth.Operators))
	for _, op := range safe.Auth.Operators {
		ops = append(ops, map[string]interface{}{"name": op.Name, "roles": op.Roles})
	}
	safe.Auth.Operators = nil
	channels := make(map[string]string, len(safe.Execution.Notify.Channels))
	for name := range safe.Execution.Notify.Channels {
		channels[name] = "[redacted]"
	}
	safe.Execution.Notify.Channels = channels
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":    safe,
		"operators": ops,
	})
}
