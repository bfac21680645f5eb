package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/auth"
	"github.com/amaydixit11/meshd/internal/core"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.Auth.Login(req.Username, req.Password)
	if err != nil {
		s.log.Warn("login failed", zap.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.Auth.SessionTTL().Seconds()),
	})
	if s.Audit != nil {
		_ = s.Audit.Record(req.Username, "auth.login", "", "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	s.recordAudit(r, "auth.logout", "", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": s.actor(r),
		"node_id":  s.Registry.SelfID(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"node_id":        s.Registry.SelfID(),
		"version":        s.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	rec, _, _ := s.Registry.Self()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":     s.Registry.SelfID(),
		"name":        rec.Name,
		"mode":        s.Identity.Mode(),
		"fingerprint": s.Identity.Fingerprint(),
		"version":     s.Version,
		"started_at":  core.Now() - time.Since(s.started).Seconds(),
		"system":      s.Collector.Snapshot(),
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.Audit.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config.Redacted())
}

// mutableKeys is the subset of configuration an operator may change at
// runtime. Listener, identity and credential settings need a restart.
var mutableKeys = map[string]bool{
	"node.name":                   true,
	"node.mode":                   true,
	"node.connectable":            true,
	"node.public_url":             true,
	"node.primary_server":         true,
	"peer.sync_interval":          true,
	"peer.heartbeat_interval":     true,
	"peer.timeout":                true,
	"peer.max_fanout":             true,
	"peer.max_heartbeat_failures": true,
	"chat.max_messages":           true,
	"discovery.enabled":           true,
	"logging.level":               true,
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := decode(r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no updates given")
		return
	}

	next := *s.Config
	for key, value := range updates {
		if !mutableKeys[key] {
			writeError(w, http.StatusBadRequest, "key %q is not changeable at runtime", key)
			return
		}
		if err := next.Set(key, value); err != nil {
			writeError(w, http.StatusBadRequest, "%s: %s", key, err)
			return
		}
	}
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	*s.Config = next
	s.Engine.UpdateConfig(s.Config)

	// keep the advertised record in line so the change propagates
	if err := s.Registry.UpdateSelf(func(rec *core.NodeRecord) {
		rec.Name = s.Config.NodeName()
		rec.Mode = s.Identity.Mode()
		rec.Connectable = s.Config.Node.Connectable
		if s.Config.Node.PublicURL != "" {
			rec.PublicURL = s.Config.Node.PublicURL
		}
	}); err != nil {
		s.log.Warn("updating self record failed", zap.Error(err))
	}

	for key, value := range updates {
		s.recordAudit(r, "config.update", key, value)
	}
	s.log.Info("configuration updated", zap.Int("keys", len(updates)))
	writeJSON(w, http.StatusOK, s.Config.Redacted())
}
